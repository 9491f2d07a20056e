package user

import "context"

type Repository interface {
	// GetByUserID returns ErrNotFound when the user has never saved a profile.
	GetByUserID(ctx context.Context, userID string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
}
