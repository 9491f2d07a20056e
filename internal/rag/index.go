package rag

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Match is a search hit. Score is the cosine similarity, higher is closer.
type Match struct {
	Chunk Chunk
	Score float64
}

// Index stores embedded chunks per collection.
type Index interface {
	// Replace swaps the whole collection for chunks.
	Replace(ctx context.Context, collection string, chunks []Chunk) error
	// Search returns up to k chunks ordered by descending similarity, ties
	// broken by ascending chunk ID.
	Search(ctx context.Context, collection string, query []float32, k int) ([]Match, error)
}

// MemoryIndex is an in-process Index with exact cosine search.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string][]Chunk
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string][]Chunk)}
}

func (m *MemoryIndex) Replace(_ context.Context, collection string, chunks []Chunk) error {
	cp := make([]Chunk, len(chunks))
	copy(cp, chunks)
	for i := range cp {
		cp[i].Collection = collection
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = cp
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, collection string, query []float32, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	chunks := m.collections[collection]
	matches := make([]Match, 0, len(chunks))
	for _, c := range chunks {
		matches = append(matches, Match{Chunk: c, Score: cosine(query, c.Embedding)})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Len reports the number of chunks in collection.
func (m *MemoryIndex) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
