package rag

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/labsense/labsense/internal/llm"
)

// DefaultEmbedBatch is the number of chunks embedded per provider call.
const DefaultEmbedBatch = 32

// ingestExts are the corpus file types read by Ingest.
var ingestExts = map[string]bool{".txt": true, ".md": true}

type Ingester struct {
	splitter Splitter
	embedder llm.Embedder
	index    Index
	batch    int
	logger   zerolog.Logger
}

func NewIngester(splitter Splitter, embedder llm.Embedder, index Index, logger zerolog.Logger) *Ingester {
	return &Ingester{
		splitter: splitter,
		embedder: embedder,
		index:    index,
		batch:    DefaultEmbedBatch,
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
}

// IngestStats summarises an ingestion run.
type IngestStats struct {
	Documents int
	Chunks    int
}

// Ingest chunks and embeds every text document in fsys, then replaces
// collection with the result. Files are read in lexical order so chunk
// positions are reproducible.
func (in *Ingester) Ingest(ctx context.Context, fsys fs.FS, collection string) (IngestStats, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && ingestExts[strings.ToLower(path.Ext(p))] {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return IngestStats{}, fmt.Errorf("walk corpus: %w", err)
	}
	sort.Strings(files)

	var stats IngestStats
	var chunks []Chunk
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return IngestStats{}, fmt.Errorf("read %s: %w", f, err)
		}
		content := string(data)
		if strings.ToLower(path.Ext(f)) == ".md" {
			content = MarkdownText(data)
		}
		pieces := in.splitter.Split(content)
		for i, p := range pieces {
			chunks = append(chunks, Chunk{ID: ChunkID(f, i), Collection: collection, Source: f, Position: i, Content: p})
		}
		stats.Documents++
		in.logger.Debug().Str("source", f).Int("chunks", len(pieces)).Msg("document split")
	}

	for start := 0; start < len(chunks); start += in.batch {
		end := start + in.batch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		vecs, err := in.embedder.Embed(ctx, texts)
		if err != nil {
			return IngestStats{}, fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		if len(vecs) != len(texts) {
			return IngestStats{}, fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end, len(vecs))
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
		}
	}

	if err := in.index.Replace(ctx, collection, chunks); err != nil {
		return IngestStats{}, fmt.Errorf("replace collection %s: %w", collection, err)
	}
	stats.Chunks = len(chunks)
	in.logger.Info().Str("collection", collection).Int("documents", stats.Documents).Int("chunks", stats.Chunks).Msg("corpus ingested")
	return stats, nil
}
