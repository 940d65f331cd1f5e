package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/rag"
	"github.com/knowledge-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine *rag.Engine
}

func NewWebSocketHandler(engine *rag.Engine) *WebSocketHandler {
	return &WebSocketHandler{engine: engine}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type             string `json:"type"`
			Content          string `json:"content"`
			UserID           string `json:"user_id"`
			SessionID        string `json:"session_id"`
			ConversationType string `json:"conversation_type"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "query" {
			continue
		}

		req := rag.Request{
			Query:            msg.Content,
			UserID:           msg.UserID,
			SessionID:        msg.SessionID,
			ConversationType: msg.ConversationType,
		}

		if err := h.streamResponse(c, req); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, "Failed to process query")
		}
	}
}

// streamResponse answers the query and replays it word by word, then
// sends a completion frame with sources and confidence.
func (h *WebSocketHandler) streamResponse(c *websocket.Conn, req rag.Request) error {
	h.sendChunk(c, "status", "Searching knowledge graph...")

	response, err := h.engine.GenerateResponse(context.Background(), req)
	if err != nil {
		return err
	}

	words := splitIntoWords(response.Response)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":           "complete",
		"interaction_id": response.InteractionID,
		"sources":        response.Sources,
		"confidence":     response.Confidence,
		"follow_ups":     response.FollowUps,
		"latency_ms":     response.LatencyMS,
	})
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
