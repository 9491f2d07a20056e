package report

import (
	"context"

	"github.com/google/uuid"

	"github.com/labsense/labsense/internal/biomarker"
)

type Repository interface {
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Report, int, error)
	// Complete and Fail are the only terminal writes. Both succeed only while
	// the stored report is processing and return ErrNotProcessing otherwise.
	Complete(ctx context.Context, id uuid.UUID, parsed map[string]biomarker.Measurement, rawText string) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
