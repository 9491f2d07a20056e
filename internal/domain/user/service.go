package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/labsense/labsense/internal/platform/auth"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "user").Logger()}
}

// Get returns the caller's profile, or an unsaved empty one.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	p, err := s.repo.GetByUserID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return NewProfile(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Update applies a partial update and saves the profile.
func (s *Service) Update(ctx context.Context, userID string, in UpdateInput) (*Profile, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(in); err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	return p, nil
}

// PromptProfile returns the stored age and sex, falling back to fallback
// field by field. Lookup errors are logged and yield fallback.
func (s *Service) PromptProfile(ctx context.Context, userID string, fallback auth.Profile) auth.Profile {
	p, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("profile lookup failed, using token claims")
		}
		return fallback
	}
	return p.PromptProfile(fallback)
}
