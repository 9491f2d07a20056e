// Package rag holds the trusted medical corpus: chunking and indexing source
// documents and retrieving the passages most similar to a query.
package rag

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	// DefaultCollection is the corpus used for diagnosis context.
	DefaultCollection = "labsense_rag"
)

// Chunk is one indexed passage of a corpus document.
type Chunk struct {
	ID         string
	Collection string
	Source     string
	Position   int
	Content    string
	Embedding  []float32
}

// ChunkID is stable across re-ingestion of the same source.
func ChunkID(source string, position int) string {
	return fmt.Sprintf("%s#%05d", source, position)
}

// Splitter cuts text into overlapping windows of at most Size runes,
// preferring paragraph, then line, then word boundaries.
type Splitter struct {
	Size    int
	Overlap int
}

func DefaultSplitter() Splitter {
	return Splitter{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

var separators = []string{"\n\n", "\n", " "}

func (s Splitter) Split(text string) []string {
	size, overlap := s.Size, s.Overlap
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(strings.TrimSpace(text))
	var out []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}

		start = overlapStart(runes, start, end, overlap)
	}
	return out
}

// breakPoint moves end back to the last separator in the second half of the
// window, or leaves it where it is.
func breakPoint(runes []rune, start, end int) int {
	window := string(runes[start:end])
	half := len(window) / 2
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i > half {
			return start + len([]rune(window[:i+len(sep)]))
		}
	}
	return end
}

// overlapStart steps back overlap runes from end, then forward to the next
// word so chunks never open mid-word.
func overlapStart(runes []rune, start, end, overlap int) int {
	next := end - overlap
	if next <= start {
		return end
	}
	if !unicode.IsSpace(runes[next-1]) {
		for i := next; i < end; i++ {
			if unicode.IsSpace(runes[i]) {
				return i + 1
			}
		}
	}
	return next
}
