package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsense/labsense/internal/biomarker"
	"github.com/labsense/labsense/internal/ocr"
	"github.com/labsense/labsense/internal/platform/blobstore"
	"github.com/labsense/labsense/internal/platform/websocket"
	"github.com/labsense/labsense/internal/platform/worker"
)

// DefaultOCRTimeout bounds a single OCR + extraction run.
const DefaultOCRTimeout = 2 * time.Minute

// EventStatus is the event type published after a terminal write.
const EventStatus = "report.status"

// Spawner starts background tasks. *worker.Runner implements it.
type Spawner interface {
	Spawn(t worker.Task) error
}

type Service struct {
	repo       Repository
	blobs      blobstore.BlobStore
	extractor  ocr.Extractor
	engine     *biomarker.Engine
	tasks      Spawner
	events     websocket.EventPublisher
	logger     zerolog.Logger
	ocrTimeout time.Duration
}

func NewService(repo Repository, blobs blobstore.BlobStore, extractor ocr.Extractor, engine *biomarker.Engine, tasks Spawner, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		blobs:      blobs,
		extractor:  extractor,
		engine:     engine,
		tasks:      tasks,
		logger:     logger.With().Str("component", "report").Logger(),
		ocrTimeout: DefaultOCRTimeout,
	}
}

// SetOCRTimeout overrides DefaultOCRTimeout.
func (s *Service) SetOCRTimeout(d time.Duration) {
	if d > 0 {
		s.ocrTimeout = d
	}
}

// SetPublisher sends an EventStatus event to the owner whenever a report
// reaches a terminal state.
func (s *Service) SetPublisher(p websocket.EventPublisher) {
	s.events = p
}

// UploadInput is a lab report file with its user-supplied labels.
type UploadInput struct {
	ReportName string
	ReportType string
	FileName   string
	MimeType   string
	Content    io.Reader
}

func (in UploadInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.ReportName) == "" {
		missing = append(missing, "reportName")
	}
	if strings.TrimSpace(in.ReportType) == "" {
		missing = append(missing, "reportType")
	}
	if in.Content == nil || in.FileName == "" {
		missing = append(missing, "reportFile")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	if !ocr.IsSupported(in.MimeType) {
		return fmt.Errorf("%w: unsupported file type %q", ErrValidation, in.MimeType)
	}
	return nil
}

// Upload stores the file, persists a report already in processing and
// starts exactly one background OCR task for it. The returned report is in
// the processing state unless the task could not be started.
func (s *Service) Upload(ctx context.Context, ownerID string, in UploadInput) (*Report, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    in.FileName,
		ContentType: in.MimeType,
		OwnerID:     ownerID,
		Category:    "lab-report",
	}, in.Content)
	if err != nil {
		if errors.Is(err, blobstore.ErrEmptyFile) || errors.Is(err, blobstore.ErrMissingFileName) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, fmt.Errorf("store report file: %w", err)
	}

	rep := &Report{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		ReportName: strings.TrimSpace(in.ReportName),
		ReportType: strings.TrimSpace(in.ReportType),
		FileRef:    meta.ID,
		FileName:   meta.FileName,
		MimeType:   meta.ContentType,
		OCRStatus:  StatusPending,
	}
	if err := rep.Transition(StatusProcessing); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, rep); err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), meta.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("file_ref", meta.ID).Msg("failed to remove orphaned report file")
		}
		return nil, fmt.Errorf("create report: %w", err)
	}

	if err := s.tasks.Spawn(s.processTask(rep)); err != nil {
		s.logger.Error().Err(err).Str("report_id", rep.ID.String()).Msg("could not start OCR task")
		// The task callback has already written the failure.
		stored, getErr := s.repo.GetByID(ctx, rep.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reload report after failed start: %w", getErr)
		}
		return stored, nil
	}
	return rep, nil
}

// processTask builds the background OCR job for rep. Its callback performs
// the report's single terminal write.
func (s *Service) processTask(rep *Report) worker.Task {
	id, ownerID, fileRef, mimeType, fileName := rep.ID, rep.OwnerID, rep.FileRef, rep.MimeType, rep.FileName
	var result biomarker.Result

	return worker.Task{
		Name:    "ocr:" + id.String(),
		Timeout: s.ocrTimeout,
		Run: func(ctx context.Context) error {
			res, err := s.extract(ctx, fileRef, fileName, mimeType)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		OnComplete: func(ctx context.Context, runErr error) {
			log := s.logger.With().Str("report_id", id.String()).Logger()
			if runErr != nil {
				log.Warn().Err(runErr).Msg("report processing failed")
				if err := s.repo.Fail(ctx, id, runErr.Error()); err != nil {
					log.Error().Err(err).Msg("failed to record report failure")
					return
				}
				s.publish(ctx, ownerID, id, StatusFailed)
				return
			}
			if err := s.repo.Complete(ctx, id, result.Measurements, result.RawText); err != nil {
				log.Error().Err(err).Msg("failed to record report completion")
				return
			}
			log.Info().Int("biomarkers", len(result.Measurements)).Msg("report processed")
			s.publish(ctx, ownerID, id, StatusCompleted)
		},
	}
}

func (s *Service) publish(ctx context.Context, ownerID string, id uuid.UUID, status string) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, websocket.Event{
		Type:       EventStatus,
		Topic:      ownerID,
		ResourceID: id.String(),
		Status:     status,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("report_id", id.String()).Msg("failed to publish report status")
	}
}

// extract runs OCR and biomarker extraction on a stored file.
func (s *Service) extract(ctx context.Context, fileRef, fileName, mimeType string) (biomarker.Result, error) {
	rc, _, err := s.blobs.Download(ctx, fileRef)
	if err != nil {
		return biomarker.Result{}, fmt.Errorf("open report file: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return biomarker.Result{}, fmt.Errorf("read report file: %w", err)
	}

	text, err := s.extractor.Extract(ctx, ocr.Document{Name: fileName, MimeType: mimeType, Data: data})
	if err != nil {
		return biomarker.Result{}, err
	}
	return s.engine.Extract(text), nil
}

// Get returns a report owned by ownerID. Reports of other owners are
// reported as not found.
func (s *Service) Get(ctx context.Context, ownerID string, id uuid.UUID) (*Report, error) {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rep.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return rep, nil
}

// List returns the owner's reports, newest first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]*Report, int, error) {
	return s.repo.ListByOwner(ctx, ownerID, limit, offset)
}

// OpenFile returns the original uploaded file of an owned report.
func (s *Service) OpenFile(ctx context.Context, ownerID string, id uuid.UUID) (io.ReadCloser, *Report, error) {
	rep, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Download(ctx, rep.FileRef)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return rc, rep, nil
}

// Delete removes the stored file, then the report record.
func (s *Service) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	rep, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, rep.FileRef); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		return fmt.Errorf("delete report file: %w", err)
	}
	return s.repo.Delete(ctx, id)
}
