package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsense/labsense/internal/domain/report"
	"github.com/labsense/labsense/internal/platform/auth"
)

// ReportReader looks up an owner's report. *report.Service implements it.
type ReportReader interface {
	Get(ctx context.Context, ownerID string, id uuid.UUID) (*report.Report, error)
}

// Diagnoser produces a diagnosis result. *Generator implements it.
type Diagnoser interface {
	Generate(ctx context.Context, in Input) Result
}

// ProfileReader resolves the caller's stored demographic profile, falling
// back to the given one. *user.Service implements it.
type ProfileReader interface {
	PromptProfile(ctx context.Context, userID string, fallback auth.Profile) auth.Profile
}

type Service struct {
	repo     Repository
	reports  ReportReader
	gen      Diagnoser
	profiles ProfileReader
	logger   zerolog.Logger
}

func NewService(repo Repository, reports ReportReader, gen Diagnoser, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		reports: reports,
		gen:     gen,
		logger:  logger.With().Str("component", "diagnosis").Logger(),
	}
}

// SetProfiles makes Create prefer stored profiles over token claims.
func (s *Service) SetProfiles(p ProfileReader) {
	s.profiles = p
}

type CreateInput struct {
	Symptoms string
	ReportID *uuid.UUID
}

// Create generates and stores a diagnosis. A referenced report must belong
// to the owner and have completed processing.
func (s *Service) Create(ctx context.Context, ownerID string, profile auth.Profile, in CreateInput) (*Diagnosis, error) {
	symptoms := strings.TrimSpace(in.Symptoms)
	if symptoms == "" {
		return nil, fmt.Errorf("%w: symptoms are required", ErrValidation)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}

	if s.profiles != nil {
		profile = s.profiles.PromptProfile(ctx, ownerID, profile)
	}
	genIn := Input{Symptoms: symptoms, Profile: profile}
	var reportName, reportType *string
	if in.ReportID != nil {
		rep, err := s.reports.Get(ctx, ownerID, *in.ReportID)
		if err != nil {
			if errors.Is(err, report.ErrNotFound) {
				return nil, ErrReportNotFound
			}
			return nil, fmt.Errorf("load report: %w", err)
		}
		switch rep.OCRStatus {
		case report.StatusCompleted:
			genIn.LabData = rep.ParsedData
			reportName, reportType = &rep.ReportName, &rep.ReportType
		case report.StatusFailed:
			return nil, ErrReportFailed
		default:
			return nil, ErrReportProcessing
		}
	}

	res := s.gen.Generate(ctx, genIn)
	d := &Diagnosis{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		ReportID:           in.ReportID,
		ReportName:         reportName,
		ReportType:         reportType,
		Symptoms:           symptoms,
		AIResponse:         res.Raw,
		PossibleConditions: res.Output.PossibleConditions,
		Recommendations:    res.Output.Recommendations,
		SeverityLevel:      res.Output.SeverityLevel,
		Degraded:           res.Degraded,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create diagnosis: %w", err)
	}

	s.logger.Info().
		Str("diagnosis_id", d.ID.String()).
		Bool("degraded", d.Degraded).
		Str("severity", d.SeverityLevel).
		Msg("diagnosis created")
	return d, nil
}

// Get returns a diagnosis owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID string, id uuid.UUID) (*Diagnosis, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]*Diagnosis, int, error) {
	return s.repo.ListByOwner(ctx, ownerID, limit, offset)
}
