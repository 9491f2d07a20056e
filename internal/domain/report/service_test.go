package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsense/labsense/internal/biomarker"
	"github.com/labsense/labsense/internal/ocr"
	"github.com/labsense/labsense/internal/platform/blobstore"
	"github.com/labsense/labsense/internal/platform/websocket"
	"github.com/labsense/labsense/internal/platform/worker"
	"github.com/labsense/labsense/pkg/pagination"
)

// -- Mock Repository --

type mockRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*Report
	history   map[uuid.UUID][]string
	createErr error
	getErr    error
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Report), history: make(map[uuid.UUID][]string)}
}

func (m *mockRepo) Create(_ context.Context, r *Report) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Add(time.Duration(len(m.items)) * time.Millisecond)
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.items[r.ID] = &cp
	m.history[r.ID] = append(m.history[r.ID], r.OCRStatus)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*Report, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Report
	for _, r := range m.items {
		if r.OwnerID == ownerID {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return pagination.Slice(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}

// terminal mirrors the guarded UPDATE of the Postgres repository.
func (m *mockRepo) terminal(id uuid.UUID, apply func(r *Report) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok || r.OCRStatus != StatusProcessing {
		return ErrNotProcessing
	}
	if err := apply(r); err != nil {
		return err
	}
	m.history[id] = append(m.history[id], r.OCRStatus)
	return nil
}

func (m *mockRepo) Complete(_ context.Context, id uuid.UUID, parsed map[string]biomarker.Measurement, rawText string) error {
	return m.terminal(id, func(r *Report) error {
		return r.Complete(biomarker.Result{Measurements: parsed, RawText: rawText})
	})
}

func (m *mockRepo) Fail(_ context.Context, id uuid.UUID, reason string) error {
	return m.terminal(id, func(r *Report) error { return r.Fail(reason) })
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

// -- Helpers --

const twoBiomarkerText = "PATIENT REPORT\nHemoglobin 10.5 g/dL\nGlucose: 105 mg/dL\nRemarks: none"

func textExtractor(text string) ocr.Extractor {
	return ocr.ExtractorFunc(func(ctx context.Context, doc ocr.Document) (string, error) {
		if len(doc.Data) == 0 {
			return "", fmt.Errorf("%w: empty document", ocr.ErrOCRFailure)
		}
		return text, nil
	})
}

type testEnv struct {
	svc    *Service
	repo   *mockRepo
	blobs  *blobstore.FSBlobStore
	runner *worker.Runner
}

func newEnv(t *testing.T, extractor ocr.Extractor) *testEnv {
	t.Helper()
	repo := newMockRepo()
	blobs := blobstore.NewMemoryBlobStore(0)
	runner := worker.NewRunner(zerolog.Nop())
	engine := biomarker.NewEngine(biomarker.MustDefaultDictionary())
	return &testEnv{
		svc:    NewService(repo, blobs, extractor, engine, runner, zerolog.Nop()),
		repo:   repo,
		blobs:  blobs,
		runner: runner,
	}
}

// drain waits for every background task to finish.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.runner.Shutdown(ctx); err != nil {
		t.Fatalf("runner did not drain: %v", err)
	}
}

func pngUpload() UploadInput {
	return UploadInput{
		ReportName: "Annual checkup",
		ReportType: "Blood Test",
		FileName:   "cbc.png",
		MimeType:   "image/png",
		Content:    bytes.NewReader([]byte("fake png bytes")),
	}
}

// -- Tests --

func TestService_Upload_ProcessesToCompleted(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))

	rep, err := env.svc.Upload(context.Background(), "user-1", pngUpload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.OCRStatus != StatusProcessing || rep.ParsedData != nil {
		t.Fatalf("expected processing report without data, got %+v", rep)
	}
	if rep.FileRef == "" {
		t.Error("expected the file to be stored")
	}

	env.drain(t)

	got, err := env.svc.Get(context.Background(), "user-1", rep.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OCRStatus != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.OCRStatus)
	}
	if len(got.ParsedData) != 2 {
		t.Fatalf("expected exactly 2 biomarkers, got %v", got.ParsedData)
	}
	if m := got.ParsedData["Glucose"]; m.Value != 105 || m.Unit != "mg/dL" || m.Category != "Metabolic Panel" {
		t.Errorf("unexpected glucose %+v", m)
	}
	if _, ok := got.ParsedData["Hemoglobin"]; !ok {
		t.Error("expected hemoglobin to be extracted")
	}
	if got.RawText == nil || *got.RawText != twoBiomarkerText {
		t.Error("expected raw text to be stored")
	}

	if h := env.repo.history[rep.ID]; strings.Join(h, ",") != "processing,completed" {
		t.Errorf("expected monotonic history processing,completed, got %v", h)
	}
}

func TestService_Upload_OCRFailure(t *testing.T) {
	failing := ocr.ExtractorFunc(func(context.Context, ocr.Document) (string, error) {
		return "", fmt.Errorf("%w: tesseract crashed", ocr.ErrOCRFailure)
	})
	env := newEnv(t, failing)

	rep, err := env.svc.Upload(context.Background(), "user-1", pngUpload())
	if err != nil {
		t.Fatalf("OCR failures must not surface to the caller: %v", err)
	}
	env.drain(t)

	got, _ := env.svc.Get(context.Background(), "user-1", rep.ID)
	if got.OCRStatus != StatusFailed || got.ParsedData != nil {
		t.Fatalf("expected failed report without data, got %+v", got)
	}
	if got.FailureReason == nil || !strings.Contains(*got.FailureReason, "tesseract crashed") {
		t.Errorf("expected failure reason, got %v", got.FailureReason)
	}
}

func TestService_Upload_PanicBecomesFailure(t *testing.T) {
	env := newEnv(t, ocr.ExtractorFunc(func(context.Context, ocr.Document) (string, error) {
		panic("boom")
	}))

	rep, _ := env.svc.Upload(context.Background(), "user-1", pngUpload())
	env.drain(t)

	got, _ := env.svc.Get(context.Background(), "user-1", rep.ID)
	if got.OCRStatus != StatusFailed {
		t.Fatalf("expected failed, got %s", got.OCRStatus)
	}
}

func TestService_Upload_Timeout(t *testing.T) {
	slow := ocr.ExtractorFunc(func(ctx context.Context, _ ocr.Document) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("%w: %v", ocr.ErrOCRFailure, ctx.Err())
	})
	env := newEnv(t, slow)
	env.svc.SetOCRTimeout(20 * time.Millisecond)

	rep, _ := env.svc.Upload(context.Background(), "user-1", pngUpload())
	env.drain(t)

	got, _ := env.svc.Get(context.Background(), "user-1", rep.ID)
	if got.OCRStatus != StatusFailed {
		t.Fatalf("expected timeout to fail the report, got %s", got.OCRStatus)
	}
}

func TestService_Upload_NoBiomarkersStillCompletes(t *testing.T) {
	env := newEnv(t, textExtractor("nothing clinical here"))

	rep, _ := env.svc.Upload(context.Background(), "user-1", pngUpload())
	env.drain(t)

	got, _ := env.svc.Get(context.Background(), "user-1", rep.ID)
	if got.OCRStatus != StatusCompleted || got.ParsedData == nil || len(got.ParsedData) != 0 {
		t.Fatalf("expected completed report with empty data, got %+v", got)
	}
}

func TestService_Upload_AfterShutdown(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	env.drain(t)

	rep, err := env.svc.Upload(context.Background(), "user-1", pngUpload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.OCRStatus != StatusFailed {
		t.Errorf("expected returned report to be failed, got %s", rep.OCRStatus)
	}
	got, _ := env.svc.Get(context.Background(), "user-1", rep.ID)
	if got.OCRStatus != StatusFailed {
		t.Errorf("expected stored report to be failed, got %s", got.OCRStatus)
	}
}

func TestService_Upload_AfterShutdownReloadFails(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	env.drain(t)
	env.repo.getErr = errors.New("db down")

	if _, err := env.svc.Upload(context.Background(), "user-1", pngUpload()); err == nil {
		t.Fatal("expected an error when the failed report cannot be reloaded")
	}
	if h := env.repo.history; len(h) != 1 {
		t.Fatalf("expected one stored report, got %d", len(h))
	}
	for _, statuses := range env.repo.history {
		if strings.Join(statuses, ",") != "processing,failed" {
			t.Errorf("expected processing,failed, got %v", statuses)
		}
	}
}

func TestService_TerminalWriteIsGuarded(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	rep, _ := env.svc.Upload(context.Background(), "user-1", pngUpload())
	env.drain(t)

	if err := env.repo.Fail(context.Background(), rep.ID, "late"); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing, got %v", err)
	}
	got, _ := env.svc.Get(context.Background(), "user-1", rep.ID)
	if got.OCRStatus != StatusCompleted {
		t.Errorf("terminal report changed to %s", got.OCRStatus)
	}
}

func TestService_Upload_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *UploadInput)
	}{
		{"missing name", func(in *UploadInput) { in.ReportName = " " }},
		{"missing type", func(in *UploadInput) { in.ReportType = "" }},
		{"missing file", func(in *UploadInput) { in.Content = nil }},
		{"missing file name", func(in *UploadInput) { in.FileName = "" }},
		{"pdf", func(in *UploadInput) { in.MimeType = "application/pdf" }},
		{"text", func(in *UploadInput) { in.MimeType = "text/plain" }},
		{"empty file", func(in *UploadInput) { in.Content = bytes.NewReader(nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, textExtractor(twoBiomarkerText))
			in := pngUpload()
			tt.mutate(&in)

			if _, err := env.svc.Upload(context.Background(), "user-1", in); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(env.repo.items) != 0 {
				t.Error("no report may be created for invalid input")
			}
		})
	}
}

func TestService_Upload_TooLarge(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	env.svc.blobs = blobstore.NewMemoryBlobStore(4)

	if _, err := env.svc.Upload(context.Background(), "user-1", pngUpload()); !errors.Is(err, blobstore.ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestService_Upload_CreateFailureRemovesBlob(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	env.repo.createErr = errors.New("db down")

	var stored string
	spy := &spyBlobs{BlobStore: env.blobs, onUpload: func(id string) { stored = id }}
	env.svc.blobs = spy

	if _, err := env.svc.Upload(context.Background(), "user-1", pngUpload()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := env.blobs.GetMetadata(context.Background(), stored); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("expected orphaned blob to be removed, got %v", err)
	}
}

type spyBlobs struct {
	blobstore.BlobStore
	onUpload func(id string)
}

func (s *spyBlobs) Upload(ctx context.Context, meta blobstore.BlobMetadata, r io.Reader) (*blobstore.BlobMetadata, error) {
	res, err := s.BlobStore.Upload(ctx, meta, r)
	if err == nil {
		s.onUpload(res.ID)
	}
	return res, err
}

func TestService_Ownership(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	ctx := context.Background()
	rep, _ := env.svc.Upload(ctx, "user-1", pngUpload())
	env.drain(t)

	if _, err := env.svc.Get(ctx, "user-2", rep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another owner, got %v", err)
	}
	if _, _, err := env.svc.OpenFile(ctx, "user-2", rep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on file for another owner, got %v", err)
	}
	if err := env.svc.Delete(ctx, "user-2", rep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on delete for another owner, got %v", err)
	}
	items, total, _ := env.svc.List(ctx, "user-2", 10, 0)
	if total != 0 || len(items) != 0 {
		t.Errorf("expected no reports for user-2, got %d", total)
	}
}

func TestService_ListNewestFirst(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	ctx := context.Background()
	first, _ := env.svc.Upload(ctx, "user-1", pngUpload())
	second, _ := env.svc.Upload(ctx, "user-1", pngUpload())
	env.drain(t)

	items, total, err := env.svc.List(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || items[0].ID != second.ID || items[1].ID != first.ID {
		t.Errorf("expected newest first, got %v", items)
	}
}

func TestService_OpenFileAndDelete(t *testing.T) {
	env := newEnv(t, textExtractor(twoBiomarkerText))
	ctx := context.Background()
	rep, _ := env.svc.Upload(ctx, "user-1", pngUpload())
	env.drain(t)

	rc, meta, err := env.svc.OpenFile(ctx, "user-1", rep.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "fake png bytes" || meta.FileName != "cbc.png" {
		t.Errorf("unexpected file %q %+v", data, meta)
	}

	if err := env.svc.Delete(ctx, "user-1", rep.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.Get(ctx, "user-1", rep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected report gone, got %v", err)
	}
	if _, err := env.blobs.GetMetadata(ctx, rep.FileRef); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("expected blob gone, got %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestService_PublishesTerminalStatus(t *testing.T) {
	tests := []struct {
		name      string
		extractor ocr.Extractor
		status    string
	}{
		{"completed", textExtractor(twoBiomarkerText), StatusCompleted},
		{"failed", ocr.ExtractorFunc(func(context.Context, ocr.Document) (string, error) {
			return "", ocr.ErrOCRFailure
		}), StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, tt.extractor)
			pub := &recordingPublisher{}
			env.svc.SetPublisher(pub)

			rep, _ := env.svc.Upload(context.Background(), "user-1", pngUpload())
			env.drain(t)

			if len(pub.events) != 1 {
				t.Fatalf("expected exactly one event, got %v", pub.events)
			}
			ev := pub.events[0]
			if ev.Type != EventStatus || ev.Topic != "user-1" || ev.ResourceID != rep.ID.String() || ev.Status != tt.status {
				t.Errorf("unexpected event %+v", ev)
			}
		})
	}
}
