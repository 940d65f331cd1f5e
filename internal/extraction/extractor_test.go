package extraction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEmptyInput(t *testing.T) {
	e := NewExtractor()

	_, err := e.Extract("", NewCorpus())
	assert.Error(t, err)

	_, err = e.Extract("   \n\t  ", NewCorpus())
	assert.Error(t, err)
}

func TestExtractCountsAndTerms(t *testing.T) {
	e := NewExtractor()
	corpus := NewCorpus()

	text := "The pricing model depends on usage. Customers asked about pricing tiers. Pricing discussions continued all week."
	result, err := e.Extract(text, corpus)
	require.NoError(t, err)

	assert.Equal(t, 3, result.SentenceCount)
	assert.Greater(t, result.WordCount, 10)

	require.NotEmpty(t, result.Entities.ImportantTerms)
	assert.LessOrEqual(t, len(result.Entities.ImportantTerms), 10)

	terms := make(map[string]float64)
	for _, st := range result.Entities.ImportantTerms {
		assert.GreaterOrEqual(t, st.Score, 0.1)
		assert.NotEmpty(t, st.Stem)
		terms[st.Text] = st.Score
	}
	assert.Contains(t, terms, "pricing")

	// Repeated terms outscore single occurrences.
	if usage, ok := terms["usage"]; ok {
		assert.Greater(t, terms["pricing"], usage)
	}
}

func TestExtractTermsSortedAndCapped(t *testing.T) {
	e := NewExtractor()

	words := []string{
		"alpha", "bravo", "charlie", "delta", "echo", "foxtrot",
		"golf", "hotel", "india", "juliet", "kilo", "lima", "mike",
	}
	text := "Topics discussed include " + strings.Join(words, " plus ") + "."

	result, err := e.Extract(text, NewCorpus())
	require.NoError(t, err)

	scored := result.Entities.ImportantTerms
	assert.LessOrEqual(t, len(scored), 10)
	for i := 1; i < len(scored); i++ {
		assert.GreaterOrEqual(t, scored[i-1].Score, scored[i].Score)
	}
}

func TestExtractConcepts(t *testing.T) {
	e := NewExtractor()

	result, err := e.Extract("The company acquired a competitor.", NewCorpus())
	require.NoError(t, err)

	require.NotEmpty(t, result.Concepts)
	concept := result.Concepts[0]
	assert.NotEmpty(t, concept.Subject)
	assert.NotEmpty(t, concept.Predicate)
	assert.NotEmpty(t, concept.Object)
	assert.Equal(t, "The company acquired a competitor.", concept.Sentence)
}

func TestReadConceptRequiresAllParts(t *testing.T) {
	_, ok := readConcept("Hello there.")
	assert.False(t, ok, "sentence without noun-verb-noun shape yields no concept")
}

func TestHasOrgSuffix(t *testing.T) {
	assert.True(t, hasOrgSuffix("Acme Corp"))
	assert.True(t, hasOrgSuffix("Initech Inc."))
	assert.True(t, hasOrgSuffix("Wayne Group"))
	assert.False(t, hasOrgSuffix("Alice Johnson"))
	assert.False(t, hasOrgSuffix(""))
}

func TestProperNounSpansGroupsAdjacent(t *testing.T) {
	e := NewExtractor()

	result, err := e.Extract("Sarah Miller met the team in Berlin. Acme Corp sponsored the event.", NewCorpus())
	require.NoError(t, err)

	all := append(append(append([]string{}, result.Entities.People...),
		result.Entities.Organizations...), result.Entities.Topics...)
	all = append(all, result.Entities.Places...)

	joined := strings.Join(all, "|")
	assert.Contains(t, joined, "Sarah Miller")
	assert.Contains(t, joined, "Acme Corp")
}

func TestStem(t *testing.T) {
	assert.Equal(t, "run", Stem("running"))
	assert.Equal(t, "price", Stem("Pricing"))
	assert.Equal(t, Stem("discount"), Stem("discounts"))
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("What about the PRICING model, and discounts?")
	assert.Equal(t, []string{"pricing", "model", "discounts"}, tokens)

	assert.Empty(t, Tokenize("the and for"))
	assert.Empty(t, Tokenize(""))
}

func TestCorpusIDFShrinksWithFrequency(t *testing.T) {
	corpus := NewCorpus()

	corpus.AddDocument([]string{"pricing", "onboarding"})
	corpus.AddDocument([]string{"pricing", "renewal"})
	corpus.AddDocument([]string{"pricing", "churn"})

	common := corpus.IDF("pricing")
	rare := corpus.IDF("churn")
	unseen := corpus.IDF("escalation")

	assert.Less(t, common, rare)
	assert.Less(t, rare, unseen)
	assert.Equal(t, 3, corpus.DocCount())
}
