package extraction

import (
	"math"
	"sync"
)

// Corpus tracks document frequencies for TF-IDF scoring. It is an
// explicit handle passed to every extraction call rather than hidden
// package state, so callers choose its scope (per user, per batch).
// Safe for one writer and many readers.
type Corpus struct {
	mu       sync.RWMutex
	docCount int
	docFreq  map[string]int
}

func NewCorpus() *Corpus {
	return &Corpus{
		docFreq: make(map[string]int),
	}
}

// AddDocument records one document's distinct terms.
func (c *Corpus) AddDocument(terms []string) {
	seen := make(map[string]bool, len(terms))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.docCount++
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		c.docFreq[term]++
	}
}

func (c *Corpus) DocCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docCount
}

func (c *Corpus) DocFreq(term string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docFreq[term]
}

// IDF is smoothed so a term seen in every document still scores above
// zero and a fresh corpus does not zero out its first document.
func (c *Corpus) IDF(term string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return 1 + math.Log(float64(c.docCount+1)/float64(c.docFreq[term]+1))
}
