package biomarker

import (
	"strconv"
	"strings"
)

// Measurement is a normalized value for one biomarker.
type Measurement struct {
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
	Category string  `json:"category"`
}

// Result is the output of a single extraction run.
type Result struct {
	Measurements map[string]Measurement `json:"parsedData"`
	RawText      string                 `json:"rawText"`
}

// Engine extracts measurements by running every dictionary definition over
// the full text. It holds no mutable state.
type Engine struct {
	dict *Dictionary
}

func NewEngine(dict *Dictionary) *Engine {
	return &Engine{dict: dict}
}

// Extract returns the first valid measurement of each definition found in
// text. Definitions are evaluated in dictionary order and the first insert
// for a name wins, so repeated or overlapping matches never overwrite an
// earlier value. Candidates whose value does not parse are skipped.
func (e *Engine) Extract(text string) Result {
	out := make(map[string]Measurement)
	for _, def := range e.dict.defs {
		if _, ok := out[def.Name]; ok {
			continue
		}
		for _, cand := range def.Candidates(text) {
			v, ok := normalizeValue(cand.RawValue)
			if !ok {
				continue
			}
			if _, exists := out[def.Name]; !exists {
				out[def.Name] = Measurement{
					Value:    v,
					Unit:     strings.TrimSpace(cand.RawUnit),
					Category: def.Category,
				}
			}
			break
		}
	}
	return Result{Measurements: out, RawText: text}
}

var qualifierStripper = strings.NewReplacer("<", "", ">", "", "≥", "")

// normalizeValue strips comparison qualifiers and whitespace before parsing.
func normalizeValue(raw string) (float64, bool) {
	s := qualifierStripper.Replace(raw)
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
