package diagnosis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/labsense/labsense/internal/biomarker"
	"github.com/labsense/labsense/internal/llm"
	"github.com/labsense/labsense/internal/platform/auth"
)

const (
	DefaultModelTimeout = 30 * time.Second
	Temperature         = 0.3
	NoLabData           = "No lab data provided."
)

// ContextRetriever returns trusted corpus passages for a query, or "".
// *rag.Retriever implements it.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string) string
}

type Generator struct {
	model     llm.Model
	retriever ContextRetriever
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewGenerator(model llm.Model, retriever ContextRetriever, logger zerolog.Logger) *Generator {
	return &Generator{
		model:     model,
		retriever: retriever,
		timeout:   DefaultModelTimeout,
		logger:    logger.With().Str("component", "diagnosis-generator").Logger(),
	}
}

// SetTimeout overrides DefaultModelTimeout.
func (g *Generator) SetTimeout(d time.Duration) {
	if d > 0 {
		g.timeout = d
	}
}

type Input struct {
	Symptoms string
	Profile  auth.Profile
	LabData  map[string]biomarker.Measurement
}

// Result is a generated answer. Raw is the model's JSON, or the encoded
// fallback when Degraded is set.
type Result struct {
	Output   Output
	Raw      json.RawMessage
	Degraded bool
}

// FormatLabData renders measurements as "- name: value unit" lines sorted by
// name.
func FormatLabData(data map[string]biomarker.Measurement) string {
	if len(data) == 0 {
		return NoLabData
	}
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		m := data[name]
		line := fmt.Sprintf("- %s: %s", name, strconv.FormatFloat(m.Value, 'f', -1, 64))
		if m.Unit != "" {
			line += " " + m.Unit
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func BuildQuery(symptoms, labSummary string) string {
	return fmt.Sprintf("Symptoms: %s. Lab Data: %s", symptoms, labSummary)
}

const outputSchema = `{
  "possible_conditions": [
    {"name": "Condition Name", "likelihood": 0.8, "reasoning": "Explain why, citing facts ONLY from the Trusted Medical Context and referencing user data."}
  ],
  "recommendations": ["Provide a clear, actionable next step.", "Provide a relevant wellness recommendation."],
  "severity_level": "Low | Medium | High | Critical"
}`

// BuildPrompt assembles the instruction, the trusted context, the user data
// and the output schema, in that order.
func BuildPrompt(trusted string, p auth.Profile, symptoms, labSummary string) string {
	var sb strings.Builder
	sb.WriteString("You are an expert medical analysis AI. You MUST base your answer ONLY on the provided \"Trusted Medical Context\". ")
	sb.WriteString("If the context is insufficient, state that you cannot provide an answer.\n\n")

	sb.WriteString("--- START OF TRUSTED MEDICAL CONTEXT ---\n")
	sb.WriteString(trusted)
	sb.WriteString("\n--- END OF TRUSTED MEDICAL CONTEXT ---\n\n")

	sb.WriteString("Analyze the following user information in light of the trusted context:\n")
	fmt.Fprintf(&sb, "1. User Profile: Age %s, Sex %s\n", p.Age, p.Sex)
	fmt.Fprintf(&sb, "2. User Symptoms: %q\n", symptoms)
	fmt.Fprintf(&sb, "3. Lab Data:\n%s\n\n", labSummary)

	sb.WriteString("Your response MUST be a valid JSON object with the specified structure and nothing else:\n")
	sb.WriteString(outputSchema)
	sb.WriteString("\n")
	return sb.String()
}

// Generate produces a diagnosis. It never fails: a model error, a timeout or
// an answer that breaks the output contract all yield DegradedOutput.
func (g *Generator) Generate(ctx context.Context, in Input) Result {
	out, raw, err := g.generate(ctx, in)
	if err != nil {
		g.logger.Warn().Err(err).Msg("diagnosis degraded")
		fallback := DegradedOutput()
		data, _ := json.Marshal(fallback)
		return Result{Output: fallback, Raw: data, Degraded: true}
	}
	return Result{Output: out, Raw: raw}
}

func (g *Generator) generate(ctx context.Context, in Input) (Output, json.RawMessage, error) {
	summary := FormatLabData(in.LabData)
	trusted := g.retriever.Retrieve(ctx, BuildQuery(in.Symptoms, summary))
	prompt := BuildPrompt(trusted, in.Profile, in.Symptoms, summary)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	text, err := g.call(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: Temperature,
		JSON:        true,
	})
	if err != nil {
		return Output{}, nil, fmt.Errorf("%w: %v", errModelCall, err)
	}
	g.logger.Debug().Dur("latency", time.Since(start)).Int("context_bytes", len(trusted)).Msg("model answered")

	return DecodeOutput(text)
}

type modelAnswer struct {
	text string
	err  error
}

// call runs the model on its own goroutine and abandons it once ctx is done.
// An answer that lands after the deadline is discarded.
func (g *Generator) call(ctx context.Context, req llm.Request) (string, error) {
	done := make(chan modelAnswer, 1)
	go func() {
		var ans modelAnswer
		var pc panics.Catcher
		pc.Try(func() { ans.text, ans.err = g.model.Generate(ctx, req) })
		if rec := pc.Recovered(); rec != nil {
			ans.err = fmt.Errorf("model panicked: %v", rec.Value)
		}
		done <- ans
	}()

	select {
	case ans := <-done:
		if ans.err != nil {
			return "", ans.err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return ans.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stripFence removes a surrounding Markdown code fence such as ```json.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	idx := strings.Index(s, "\n")
	if idx == -1 {
		return ""
	}
	s = s[idx+1:]
	if end := strings.LastIndex(s, "```"); end != -1 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// DecodeOutput parses and validates a model answer. The answer must be a
// single JSON object, optionally wrapped in a code fence.
func DecodeOutput(text string) (Output, json.RawMessage, error) {
	body := stripFence(text)
	if body == "" {
		return Output{}, nil, fmt.Errorf("%w: empty answer", errInvalidOutput)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var raw rawOutput
	if err := dec.Decode(&raw); err != nil {
		return Output{}, nil, fmt.Errorf("%w: %v", errInvalidOutput, err)
	}
	if dec.More() {
		return Output{}, nil, fmt.Errorf("%w: trailing data after JSON object", errInvalidOutput)
	}

	out, err := raw.validate()
	if err != nil {
		return Output{}, nil, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(body)); err != nil {
		return Output{}, nil, fmt.Errorf("%w: %v", errInvalidOutput, err)
	}
	return out, json.RawMessage(compact.Bytes()), nil
}
