package diagnosis

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labsense/labsense/internal/biomarker"
	"github.com/labsense/labsense/internal/domain/report"
	"github.com/labsense/labsense/internal/platform/auth"
	"github.com/labsense/labsense/pkg/pagination"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Diagnosis
	err   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Diagnosis)}
}

func (m *mockRepo) Create(_ context.Context, d *Diagnosis) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = time.Now().Add(time.Duration(len(m.items)) * time.Millisecond)
	m.items[d.ID] = d
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mockRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*Diagnosis, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Diagnosis
	for _, d := range m.items {
		if d.OwnerID == ownerID {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return pagination.Slice(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}

// -- Fakes --

type fakeReports map[uuid.UUID]*report.Report

func (f fakeReports) Get(_ context.Context, ownerID string, id uuid.UUID) (*report.Report, error) {
	rep, ok := f[id]
	if !ok || rep.OwnerID != ownerID {
		return nil, report.ErrNotFound
	}
	return rep, nil
}

type recordingDiagnoser struct {
	inputs []Input
	result Result
}

func (r *recordingDiagnoser) Generate(_ context.Context, in Input) Result {
	r.inputs = append(r.inputs, in)
	return r.result
}

func okResult() Result {
	out := Output{
		PossibleConditions: []Condition{{Name: "Iron deficiency anemia", Likelihood: 0.6}},
		Recommendations:    []string{"See a physician."},
		SeverityLevel:      SeverityMedium,
	}
	return Result{Output: out, Raw: []byte(`{"severity_level":"Medium"}`)}
}

func reportWithStatus(owner, status string) *report.Report {
	rep := &report.Report{ID: uuid.New(), OwnerID: owner, ReportName: "Annual checkup", ReportType: "Blood Test", OCRStatus: status}
	if status == report.StatusCompleted {
		rep.ParsedData = map[string]biomarker.Measurement{
			"Hemoglobin": {Value: 10.5, Unit: "g/dL", Category: "Complete Blood Count (CBC)"},
		}
	}
	return rep
}

func newTestService(reports fakeReports, gen Diagnoser) (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, reports, gen, zerolog.Nop()), repo
}

func TestService_Create_SymptomsRequired(t *testing.T) {
	gen := &recordingDiagnoser{result: okResult()}
	svc, _ := newTestService(fakeReports{}, gen)

	for _, s := range []string{"", "   "} {
		if _, err := svc.Create(context.Background(), "user-1", auth.Profile{}, CreateInput{Symptoms: s}); !errors.Is(err, ErrValidation) {
			t.Errorf("symptoms %q: expected ErrValidation, got %v", s, err)
		}
	}
	if len(gen.inputs) != 0 {
		t.Error("generator must not be called for invalid input")
	}
}

func TestService_Create_WithoutReport(t *testing.T) {
	gen := &recordingDiagnoser{result: okResult()}
	svc, repo := newTestService(fakeReports{}, gen)
	profile := auth.Profile{Age: "40", Sex: "male"}

	d, err := svc.Create(context.Background(), "user-1", profile, CreateInput{Symptoms: "  fatigue  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Symptoms != "fatigue" || d.ReportID != nil || d.SeverityLevel != SeverityMedium || d.Degraded {
		t.Errorf("unexpected diagnosis %+v", d)
	}
	if _, ok := repo.items[d.ID]; !ok {
		t.Error("expected diagnosis to be persisted")
	}
	if len(gen.inputs) != 1 || gen.inputs[0].LabData != nil || gen.inputs[0].Profile != profile {
		t.Errorf("unexpected generator input %+v", gen.inputs)
	}
}

func TestService_Create_ReportGating(t *testing.T) {
	tests := []struct {
		status  string
		wantErr error
	}{
		{report.StatusPending, ErrReportProcessing},
		{report.StatusProcessing, ErrReportProcessing},
		{report.StatusFailed, ErrReportFailed},
		{report.StatusCompleted, nil},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			rep := reportWithStatus("user-1", tt.status)
			gen := &recordingDiagnoser{result: okResult()}
			svc, repo := newTestService(fakeReports{rep.ID: rep}, gen)

			d, err := svc.Create(context.Background(), "user-1", auth.Profile{}, CreateInput{Symptoms: "fatigue", ReportID: &rep.ID})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(gen.inputs) != 0 || len(repo.items) != 0 {
					t.Error("a gated request must not generate or persist")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.ReportID == nil || *d.ReportID != rep.ID {
				t.Errorf("expected report id to be recorded, got %v", d.ReportID)
			}
			if d.ReportName == nil || *d.ReportName != "Annual checkup" || d.ReportType == nil || *d.ReportType != "Blood Test" {
				t.Errorf("expected report name and type on the diagnosis, got %v %v", d.ReportName, d.ReportType)
			}
			if _, ok := gen.inputs[0].LabData["Hemoglobin"]; !ok {
				t.Errorf("expected lab data to reach the generator, got %+v", gen.inputs[0].LabData)
			}
		})
	}
}

func TestService_Create_ReportNotFound(t *testing.T) {
	rep := reportWithStatus("someone-else", report.StatusCompleted)
	svc, _ := newTestService(fakeReports{rep.ID: rep}, &recordingDiagnoser{result: okResult()})

	missing := uuid.New()
	for _, id := range []uuid.UUID{missing, rep.ID} {
		id := id
		if _, err := svc.Create(context.Background(), "user-1", auth.Profile{}, CreateInput{Symptoms: "fatigue", ReportID: &id}); !errors.Is(err, ErrReportNotFound) {
			t.Errorf("report %s: expected ErrReportNotFound, got %v", id, err)
		}
	}
}

func TestService_Create_DegradedIsPersisted(t *testing.T) {
	fallback := DegradedOutput()
	gen := &recordingDiagnoser{result: Result{Output: fallback, Raw: []byte(`{}`), Degraded: true}}
	svc, _ := newTestService(fakeReports{}, gen)

	d, err := svc.Create(context.Background(), "user-1", auth.Profile{}, CreateInput{Symptoms: "headache"})
	if err != nil {
		t.Fatalf("degraded generation must not fail the request: %v", err)
	}
	if !d.Degraded || d.SeverityLevel != SeverityUnknown {
		t.Errorf("unexpected diagnosis %+v", d)
	}
}

func TestService_Create_RepoError(t *testing.T) {
	svc, repo := newTestService(fakeReports{}, &recordingDiagnoser{result: okResult()})
	repo.err = errors.New("db down")
	if _, err := svc.Create(context.Background(), "user-1", auth.Profile{}, CreateInput{Symptoms: "fatigue"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestService_GetAndList_Ownership(t *testing.T) {
	svc, _ := newTestService(fakeReports{}, &recordingDiagnoser{result: okResult()})
	ctx := context.Background()

	first, _ := svc.Create(ctx, "user-1", auth.Profile{}, CreateInput{Symptoms: "fatigue"})
	second, _ := svc.Create(ctx, "user-1", auth.Profile{}, CreateInput{Symptoms: "dizziness"})
	_, _ = svc.Create(ctx, "user-2", auth.Profile{}, CreateInput{Symptoms: "cough"})

	if _, err := svc.Get(ctx, "user-2", first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another owner, got %v", err)
	}
	got, err := svc.Get(ctx, "user-1", first.ID)
	if err != nil || got.ID != first.ID {
		t.Fatalf("expected own diagnosis, got %v %v", got, err)
	}

	items, total, err := svc.List(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 || items[0].ID != second.ID {
		t.Errorf("expected newest first for user-1, got total=%d items=%v", total, items)
	}
}

type stubProfiles map[string]auth.Profile

func (s stubProfiles) PromptProfile(_ context.Context, userID string, fallback auth.Profile) auth.Profile {
	if p, ok := s[userID]; ok {
		return p
	}
	return fallback
}

func TestService_Create_PrefersStoredProfile(t *testing.T) {
	gen := &recordingDiagnoser{result: okResult()}
	svc, _ := newTestService(fakeReports{}, gen)
	svc.SetProfiles(stubProfiles{"user-1": {Age: "52", Sex: "Female"}})
	claims := auth.Profile{Age: auth.Unknown, Sex: auth.Unknown}

	if _, err := svc.Create(context.Background(), "user-1", claims, CreateInput{Symptoms: "fatigue"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Create(context.Background(), "user-2", claims, CreateInput{Symptoms: "fatigue"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gen.inputs[0].Profile; got.Age != "52" || got.Sex != "Female" {
		t.Errorf("expected stored profile, got %+v", got)
	}
	if got := gen.inputs[1].Profile; got != claims {
		t.Errorf("expected claims fallback, got %+v", got)
	}
}
