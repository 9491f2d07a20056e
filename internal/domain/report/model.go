package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labsense/labsense/internal/biomarker"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("report not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotProcessing is returned by a terminal write when the stored report
	// has already left the processing state.
	ErrNotProcessing = errors.New("report is not processing")
)

type Report struct {
	ID            uuid.UUID                        `json:"id"`
	OwnerID       string                           `json:"owner_id"`
	ReportName    string                           `json:"report_name"`
	ReportType    string                           `json:"report_type"`
	FileRef       string                           `json:"file_ref"`
	FileName      string                           `json:"file_name"`
	MimeType      string                           `json:"mime_type"`
	OCRStatus     string                           `json:"ocr_status"`
	ParsedData    map[string]biomarker.Measurement `json:"parsed_data"`
	RawText       *string                          `json:"raw_text,omitempty"`
	FailureReason *string                          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time                        `json:"created_at"`
	UpdatedAt     time.Time                        `json:"updated_at"`
}

// -- OCR Status State Machine --

// reportTransitions lists the allowed next states. Terminal states have none.
var reportTransitions = map[string][]string{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// ValidateTransition checks a move between two OCR states.
func ValidateTransition(from, to string) error {
	allowed, ok := reportTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status string) bool {
	next, ok := reportTransitions[status]
	return ok && len(next) == 0
}

// Transition moves the report to status to, keeping ParsedData in step:
// it is cleared on every state other than completed.
func (r *Report) Transition(to string) error {
	if err := ValidateTransition(r.OCRStatus, to); err != nil {
		return err
	}
	r.OCRStatus = to
	if to != StatusCompleted {
		r.ParsedData = nil
	}
	return nil
}

// Complete records a successful extraction.
func (r *Report) Complete(res biomarker.Result) error {
	if err := r.Transition(StatusCompleted); err != nil {
		return err
	}
	parsed := res.Measurements
	if parsed == nil {
		parsed = map[string]biomarker.Measurement{}
	}
	text := res.RawText
	r.ParsedData = parsed
	r.RawText = &text
	return nil
}

// Fail records a failed extraction.
func (r *Report) Fail(reason string) error {
	if err := r.Transition(StatusFailed); err != nil {
		return err
	}
	r.FailureReason = &reason
	return nil
}
