package tools

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MemoryRetriever ranks an in-process document set by query term
// overlap. It serves small static knowledge bases and tests; production
// deployments plug their own Retriever.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []indexedDoc
}

type indexedDoc struct {
	doc   Document
	terms map[string]int
}

// NewMemoryRetriever indexes docs.
func NewMemoryRetriever(docs ...Document) *MemoryRetriever {
	r := &MemoryRetriever{}
	r.Add(docs...)
	return r
}

// Add indexes more documents.
func (r *MemoryRetriever) Add(docs ...Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		terms := make(map[string]int)
		for _, t := range tokenize(d.Title + " " + d.Content) {
			terms[t]++
		}
		r.docs = append(r.docs, indexedDoc{doc: d, terms: terms})
	}
}

// Search returns up to limit documents sharing terms with query, best
// first. The score is the fraction of query terms a document contains.
func (r *MemoryRetriever) Search(ctx context.Context, query string, limit int, _ string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qterms := tokenize(query)
	if len(qterms) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []Document
	for _, d := range r.docs {
		matched := 0
		for _, t := range qterms {
			if d.terms[t] > 0 {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		doc := d.doc
		doc.Score = float64(matched) / float64(len(qterms))
		hits = append(hits, doc)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "of": true,
	"to": true, "in": true, "and": true, "or": true, "for": true, "what": true,
	"how": true, "do": true, "does": true, "i": true, "my": true, "on": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

var _ Retriever = (*MemoryRetriever)(nil)
