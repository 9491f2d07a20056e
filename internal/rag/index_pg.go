package rag

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/labsense/labsense/internal/platform/db"
)

// PGIndex stores chunks in corpus_chunk and searches with pgvector's cosine
// distance operator.
type PGIndex struct {
	pool *pgxpool.Pool
}

func NewPGIndex(pool *pgxpool.Pool) *PGIndex {
	return &PGIndex{pool: pool}
}

func (p *PGIndex) Replace(ctx context.Context, collection string, chunks []Chunk) error {
	return db.WithTx(ctx, p.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, p.pool)
		if _, err := q.Exec(ctx, `DELETE FROM corpus_chunk WHERE collection = $1`, collection); err != nil {
			return fmt.Errorf("clear collection %s: %w", collection, err)
		}
		for _, c := range chunks {
			_, err := q.Exec(ctx, `
				INSERT INTO corpus_chunk (id, collection, source, position, content, embedding)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				c.ID, collection, c.Source, c.Position, c.Content, pgvector.NewVector(c.Embedding))
			if err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (p *PGIndex) Search(ctx context.Context, collection string, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, p.pool).Query(ctx, `
		SELECT id, source, position, content, 1 - (embedding <=> $2) AS score
		FROM corpus_chunk
		WHERE collection = $1
		ORDER BY embedding <=> $2, id
		LIMIT $3`,
		collection, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("search corpus: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m := Match{Chunk: Chunk{Collection: collection}}
		if err := rows.Scan(&m.Chunk.ID, &m.Chunk.Source, &m.Chunk.Position, &m.Chunk.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("scan corpus chunk: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
