package extraction

import (
	"sort"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"github.com/kljensen/snowball"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/pkg/apperr"
	"github.com/knowledge-agent/backend/pkg/logger"
)

const (
	maxNouns          = 20
	maxImportantTerms = 10
	importanceCutoff  = 0.1
)

// ScoredTerm is a key token with its TF-IDF score and stemmed form.
type ScoredTerm struct {
	Text  string  `json:"text"`
	Stem  string  `json:"stem"`
	Score float64 `json:"score"`
}

// Entities groups named-entity spans by coarse type.
type Entities struct {
	People         []string     `json:"people"`
	Places         []string     `json:"places"`
	Organizations  []string     `json:"organizations"`
	Topics         []string     `json:"topics"`
	Nouns          []string     `json:"nouns"`
	ImportantTerms []ScoredTerm `json:"important_terms"`
}

// Concept is a coarse subject-predicate-object reading of one sentence.
type Concept struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Sentence  string `json:"sentence"`
}

// Result is the structured knowledge pulled from one text.
type Result struct {
	Entities      Entities  `json:"entities"`
	Concepts      []Concept `json:"concepts"`
	WordCount     int       `json:"word_count"`
	SentenceCount int       `json:"sentence_count"`
}

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract segments text into sentences, tags parts of speech, pulls
// named entities, scores key terms against the supplied corpus, and
// reads one subject-predicate-object concept per eligible sentence.
// Malformed or foreign text yields sparse results, never an error;
// only empty input fails.
func (e *Extractor) Extract(text string, corpus *Corpus) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Extraction("input text is empty")
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, apperr.Extraction(err.Error())
	}

	sentences := doc.Sentences()
	tokens := doc.Tokens()

	wordCount := 0
	termCounts := make(map[string]int)
	maxCount := 0

	for _, tok := range tokens {
		if !isWord(tok.Text) {
			continue
		}
		wordCount++

		term := strings.ToLower(tok.Text)
		if len(term) < 3 || stopWords[term] {
			continue
		}
		termCounts[term]++
		if termCounts[term] > maxCount {
			maxCount = termCounts[term]
		}
	}

	terms := make([]string, 0, len(termCounts))
	for term := range termCounts {
		terms = append(terms, term)
	}
	corpus.AddDocument(terms)

	result := &Result{
		Entities: Entities{
			People:         []string{},
			Places:         []string{},
			Organizations:  []string{},
			Topics:         []string{},
			Nouns:          []string{},
			ImportantTerms: []ScoredTerm{},
		},
		Concepts:      []Concept{},
		WordCount:     wordCount,
		SentenceCount: len(sentences),
	}

	result.Entities.ImportantTerms = scoreTerms(termCounts, maxCount, corpus)
	e.collectEntities(doc, &result.Entities)
	e.collectNouns(tokens, &result.Entities)

	for _, sent := range sentences {
		if concept, ok := readConcept(sent.Text); ok {
			result.Concepts = append(result.Concepts, concept)
		}
	}

	logger.Debug("text extracted",
		zap.Int("words", wordCount),
		zap.Int("sentences", len(sentences)),
		zap.Int("terms", len(result.Entities.ImportantTerms)),
		zap.Int("concepts", len(result.Concepts)),
	)

	return result, nil
}

// scoreTerms ranks tokens by augmented term frequency times smoothed
// inverse document frequency; only terms above the cutoff qualify, and
// the top ten are kept.
func scoreTerms(counts map[string]int, maxCount int, corpus *Corpus) []ScoredTerm {
	if maxCount == 0 {
		return []ScoredTerm{}
	}

	scored := make([]ScoredTerm, 0, len(counts))
	for term, count := range counts {
		tf := 0.5 + 0.5*float64(count)/float64(maxCount)
		score := tf * corpus.IDF(term)
		if score < importanceCutoff {
			continue
		}
		scored = append(scored, ScoredTerm{
			Text:  term,
			Stem:  Stem(term),
			Score: score,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Text < scored[j].Text
	})

	if len(scored) > maxImportantTerms {
		scored = scored[:maxImportantTerms]
	}
	return scored
}

func (e *Extractor) collectEntities(doc *prose.Document, out *Entities) {
	seen := make(map[string]bool)

	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		switch ent.Label {
		case "PERSON":
			out.People = append(out.People, name)
		case "GPE":
			out.Places = append(out.Places, name)
		}
	}

	// Proper-noun spans the NER pass missed: organization suffixes are
	// a strong signal, everything else is treated as a topic.
	for _, span := range properNounSpans(doc.Tokens()) {
		if seen[span] {
			continue
		}
		seen[span] = true

		if hasOrgSuffix(span) {
			out.Organizations = append(out.Organizations, span)
		} else {
			out.Topics = append(out.Topics, span)
		}
	}
}

func (e *Extractor) collectNouns(tokens []prose.Token, out *Entities) {
	seen := make(map[string]bool)

	for _, tok := range tokens {
		if !strings.HasPrefix(tok.Tag, "NN") {
			continue
		}
		noun := strings.ToLower(tok.Text)
		if len(noun) < 3 || stopWords[noun] || seen[noun] {
			continue
		}
		seen[noun] = true
		out.Nouns = append(out.Nouns, noun)
		if len(out.Nouns) >= maxNouns {
			return
		}
	}
}

// readConcept pulls the first noun, first verb, and last noun of a
// sentence as a coarse triple. A sentence with no verb, or without a
// noun on each side of it, yields nothing.
func readConcept(sentence string) (Concept, bool) {
	sdoc, err := prose.NewDocument(sentence,
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return Concept{}, false
	}

	tokens := sdoc.Tokens()

	verbIdx := -1
	for i, tok := range tokens {
		if strings.HasPrefix(tok.Tag, "VB") {
			verbIdx = i
			break
		}
	}
	if verbIdx < 0 {
		return Concept{}, false
	}

	subject := ""
	for _, tok := range tokens[:verbIdx] {
		if strings.HasPrefix(tok.Tag, "NN") {
			subject = tok.Text
			break
		}
	}

	object := ""
	for _, tok := range tokens[verbIdx+1:] {
		if strings.HasPrefix(tok.Tag, "NN") {
			object = tok.Text
		}
	}

	if subject == "" || object == "" {
		return Concept{}, false
	}

	return Concept{
		Subject:   subject,
		Predicate: tokens[verbIdx].Text,
		Object:    object,
		Sentence:  sentence,
	}, true
}

func properNounSpans(tokens []prose.Token) []string {
	var spans []string
	var current []string

	flush := func() {
		if len(current) > 0 {
			spans = append(spans, strings.Join(current, " "))
			current = nil
		}
	}

	for _, tok := range tokens {
		if tok.Tag == "NNP" || tok.Tag == "NNPS" {
			current = append(current, tok.Text)
		} else {
			flush()
		}
	}
	flush()

	return spans
}

var orgSuffixes = []string{"Corp", "Corp.", "Inc", "Inc.", "Ltd", "Ltd.", "LLC", "Co.", "Company", "Group"}

func hasOrgSuffix(span string) bool {
	fields := strings.Fields(span)
	if len(fields) == 0 {
		return false
	}
	last := fields[len(fields)-1]
	for _, suffix := range orgSuffixes {
		if last == suffix {
			return true
		}
	}
	return false
}

// Stem reduces a token to its snowball stem, falling back to the
// lowercase token when stemming fails.
func Stem(word string) string {
	stem, err := snowball.Stem(word, "english", true)
	if err != nil {
		return strings.ToLower(word)
	}
	return stem
}

// Tokenize lowers, splits and filters a query string the same way
// document terms are prepared, so graph lookups compare like to like.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

func isWord(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "have": true, "this": true, "that": true, "with": true,
	"they": true, "from": true, "will": true, "would": true, "there": true,
	"their": true, "what": true, "about": true, "which": true, "when": true,
	"were": true, "been": true, "more": true, "also": true, "into": true,
	"your": true, "some": true, "them": true, "than": true, "then": true,
	"its": true, "over": true, "just": true, "very": true, "because": true,
	"how": true, "any": true, "these": true, "those": true, "does": true,
	"did": true, "doing": true, "being": true, "should": true, "could": true,
}
