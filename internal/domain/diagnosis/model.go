package diagnosis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SeverityLow      = "Low"
	SeverityMedium   = "Medium"
	SeverityHigh     = "High"
	SeverityCritical = "Critical"
	SeverityUnknown  = "Unknown"
)

// DegradedRecommendation is returned whenever the model cannot produce a
// usable answer.
const DegradedRecommendation = "An error occurred while communicating with the AI service. Please try again later."

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("diagnosis not found")
	// ErrReportNotFound is returned when the referenced report does not
	// exist or belongs to someone else.
	ErrReportNotFound = errors.New("report not found")
	// ErrReportProcessing means the referenced report has not finished OCR
	// yet and the request may be retried.
	ErrReportProcessing = errors.New("report is still being processed")
	// ErrReportFailed means the referenced report failed OCR and will never
	// have lab data.
	ErrReportFailed = errors.New("report processing failed")

	errModelCall     = errors.New("model call failed")
	errInvalidOutput = errors.New("invalid model output")
)

type Condition struct {
	Name       string  `json:"name"`
	Likelihood float64 `json:"likelihood"`
	Reasoning  string  `json:"reasoning"`
}

// Output is the structured answer the model must produce.
type Output struct {
	PossibleConditions []Condition `json:"possible_conditions"`
	Recommendations    []string    `json:"recommendations"`
	SeverityLevel      string      `json:"severity_level"`
}

// DegradedOutput is the fixed answer used when generation fails.
func DegradedOutput() Output {
	return Output{
		PossibleConditions: []Condition{},
		Recommendations:    []string{DegradedRecommendation},
		SeverityLevel:      SeverityUnknown,
	}
}

var modelSeverities = map[string]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// rawOutput mirrors Output with pointers so absent fields can be told apart
// from empty ones.
type rawOutput struct {
	PossibleConditions *[]rawCondition `json:"possible_conditions"`
	Recommendations    *[]string       `json:"recommendations"`
	SeverityLevel      *string         `json:"severity_level"`
}

type rawCondition struct {
	Name       *string  `json:"name"`
	Likelihood *float64 `json:"likelihood"`
	Reasoning  string   `json:"reasoning"`
}

// validate checks the decoded answer against the output contract and
// returns the normalized Output.
func (r rawOutput) validate() (Output, error) {
	if r.PossibleConditions == nil {
		return Output{}, fmt.Errorf("%w: possible_conditions is missing", errInvalidOutput)
	}
	if r.Recommendations == nil {
		return Output{}, fmt.Errorf("%w: recommendations is missing", errInvalidOutput)
	}
	if r.SeverityLevel == nil {
		return Output{}, fmt.Errorf("%w: severity_level is missing", errInvalidOutput)
	}

	out := Output{
		PossibleConditions: make([]Condition, 0, len(*r.PossibleConditions)),
		Recommendations:    make([]string, 0, len(*r.Recommendations)),
		SeverityLevel:      strings.TrimSpace(*r.SeverityLevel),
	}
	if !modelSeverities[out.SeverityLevel] {
		return Output{}, fmt.Errorf("%w: severity_level %q", errInvalidOutput, out.SeverityLevel)
	}
	for i, c := range *r.PossibleConditions {
		if c.Name == nil || strings.TrimSpace(*c.Name) == "" {
			return Output{}, fmt.Errorf("%w: condition %d has no name", errInvalidOutput, i)
		}
		if c.Likelihood == nil || *c.Likelihood < 0 || *c.Likelihood > 1 {
			return Output{}, fmt.Errorf("%w: condition %d likelihood out of range", errInvalidOutput, i)
		}
		out.PossibleConditions = append(out.PossibleConditions, Condition{
			Name:       strings.TrimSpace(*c.Name),
			Likelihood: *c.Likelihood,
			Reasoning:  strings.TrimSpace(c.Reasoning),
		})
	}
	for _, rec := range *r.Recommendations {
		if rec = strings.TrimSpace(rec); rec != "" {
			out.Recommendations = append(out.Recommendations, rec)
		}
	}
	return out, nil
}

// Diagnosis is an immutable record of one generated answer.
type Diagnosis struct {
	ID                 uuid.UUID       `json:"id"`
	OwnerID            string          `json:"owner_id"`
	ReportID           *uuid.UUID      `json:"report_id,omitempty"`
	ReportName         *string         `json:"report_name,omitempty"`
	ReportType         *string         `json:"report_type,omitempty"`
	Symptoms           string          `json:"symptoms"`
	AIResponse         json.RawMessage `json:"ai_response"`
	PossibleConditions []Condition     `json:"possible_conditions"`
	Recommendations    []string        `json:"recommendations"`
	SeverityLevel      string          `json:"severity_level"`
	// Degraded is set when the answer is the fixed fallback.
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
}
