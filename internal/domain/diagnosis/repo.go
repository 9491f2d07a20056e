package diagnosis

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, d *Diagnosis) error
	GetByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error)
	// ListByOwner returns a page of the owner's diagnoses, newest first, and
	// the owner's total count.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Diagnosis, int, error)
}
