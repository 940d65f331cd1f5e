package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name        string
		interaction Interaction
		want        float64
	}{
		{
			name:        "neutral fast response",
			interaction: Interaction{Confidence: 0.5, LatencyMS: 1200},
			want:        0.4,
		},
		{
			name:        "positive feedback adds bonus",
			interaction: Interaction{Confidence: 0.5, Feedback: FeedbackPositive, LatencyMS: 1200},
			want:        0.8,
		},
		{
			name:        "negative feedback subtracts",
			interaction: Interaction{Confidence: 0.5, Feedback: FeedbackNegative, LatencyMS: 1200},
			want:        0.1,
		},
		{
			name:        "slow response loses the time bonus",
			interaction: Interaction{Confidence: 0.5, LatencyMS: 15000},
			want:        0.3,
		},
		{
			name:        "clamped at one",
			interaction: Interaction{Confidence: 1.0, Feedback: FeedbackPositive, LatencyMS: 100},
			want:        1.0,
		},
		{
			name:        "clamped at zero",
			interaction: Interaction{Confidence: 0.1, Feedback: FeedbackNegative, LatencyMS: 20000},
			want:        0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.interaction.QualityScore(), 1e-9)
		})
	}
}

func TestQualityScorePositiveBeatsNeutral(t *testing.T) {
	for _, confidence := range []float64{0, 0.2, 0.4, 0.6} {
		neutral := Interaction{Confidence: confidence, LatencyMS: 500}
		positive := Interaction{Confidence: confidence, Feedback: FeedbackPositive, LatencyMS: 500}
		assert.InDelta(t, 0.4, positive.QualityScore()-neutral.QualityScore(), 1e-9,
			"confidence %v", confidence)
	}
}
