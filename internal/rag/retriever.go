package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labsense/labsense/internal/llm"
)

const (
	DefaultTopK             = 4
	DefaultRetrievalTimeout = 10 * time.Second
	// Separator joins retrieved passages.
	Separator = "\n\n---\n\n"
)

var ErrEmptyQuery = errors.New("rag: empty query")

// Retriever embeds a query and returns the closest corpus passages.
type Retriever struct {
	embedder   llm.Embedder
	index      Index
	collection string
	topK       int
	timeout    time.Duration
	logger     zerolog.Logger
}

type RetrieverOption func(*Retriever)

func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

func WithTimeout(d time.Duration) RetrieverOption {
	return func(r *Retriever) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithCollection(name string) RetrieverOption {
	return func(r *Retriever) {
		if name != "" {
			r.collection = name
		}
	}
}

func NewRetriever(embedder llm.Embedder, index Index, logger zerolog.Logger, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		embedder:   embedder,
		index:      index,
		collection: DefaultCollection,
		topK:       DefaultTopK,
		timeout:    DefaultRetrievalTimeout,
		logger:     logger.With().Str("component", "retriever").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search returns the top matches for query.
func (r *Retriever) Search(ctx context.Context, query string) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: %w", llm.ErrEmptyResponse)
	}
	matches, err := r.index.Search(ctx, r.collection, vecs[0], r.topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return matches, nil
}

// Retrieve returns the joined contents of the top matches. Any failure,
// including a timeout or an empty corpus, yields "".
func (r *Retriever) Retrieve(ctx context.Context, query string) string {
	matches, err := r.Search(ctx, query)
	if err != nil {
		r.logger.Warn().Err(err).Msg("context retrieval failed")
		return ""
	}
	if len(matches) == 0 {
		r.logger.Debug().Str("collection", r.collection).Msg("no corpus passages found")
		return ""
	}

	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m.Chunk.Content)
	}
	return strings.Join(parts, Separator)
}
