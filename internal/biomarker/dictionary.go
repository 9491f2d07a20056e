// Package biomarker holds the lab test dictionary and the engine that turns
// free OCR text into structured measurements.
package biomarker

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed dictionary.yaml
var defaultDictionaryYAML []byte

var (
	ErrDuplicateName = errors.New("duplicate biomarker name")
	ErrInvalidEntry  = errors.New("invalid biomarker entry")
)

// entry is the on-disk shape of a dictionary row.
type entry struct {
	Name         string   `yaml:"name"`
	Aliases      []string `yaml:"aliases"`
	Category     string   `yaml:"category"`
	StandardUnit string   `yaml:"standard_unit"`
	UnitPattern  string   `yaml:"unit_pattern"`
	NoFlag       bool     `yaml:"no_flag"`
}

// Definition is a compiled, immutable biomarker rule.
type Definition struct {
	Name         string
	Aliases      []string
	Category     string
	StandardUnit string

	pattern *regexp.Regexp
}

// Candidate is one raw (value, unit) pair found by a definition's pattern.
type Candidate struct {
	RawValue string
	RawUnit  string
}

// Candidates returns every match of the definition in text, in order of
// appearance. Matches missing a value or unit group are dropped. Definitions
// without a unit token never produce candidates.
func (d *Definition) Candidates(text string) []Candidate {
	if d.pattern == nil {
		return nil
	}
	var out []Candidate
	for _, m := range d.pattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 3 || m[1] == "" || m[2] == "" {
			continue
		}
		out = append(out, Candidate{RawValue: m[1], RawUnit: m[2]})
	}
	return out
}

// Pattern returns the source of the compiled pattern, or "" when the
// definition cannot match.
func (d *Definition) Pattern() string {
	if d.pattern == nil {
		return ""
	}
	return d.pattern.String()
}

// Dictionary is an ordered, read-only set of definitions. It is safe for
// concurrent use.
type Dictionary struct {
	defs   []*Definition
	byName map[string]*Definition
}

// LoadDictionary parses and compiles YAML dictionary data.
func LoadDictionary(data []byte) (*Dictionary, error) {
	var entries []entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}

	d := &Dictionary{byName: make(map[string]*Definition, len(entries))}
	for i, e := range entries {
		if e.Name == "" || len(e.Aliases) == 0 {
			return nil, fmt.Errorf("%w: entry %d needs a name and at least one alias", ErrInvalidEntry, i)
		}
		if _, ok := d.byName[e.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
		def, err := compile(e)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", e.Name, err)
		}
		d.defs = append(d.defs, def)
		d.byName[def.Name] = def
	}
	return d, nil
}

var loadDefault = sync.OnceValues(func() (*Dictionary, error) {
	return LoadDictionary(defaultDictionaryYAML)
})

// DefaultDictionary returns the embedded dictionary, compiled once.
func DefaultDictionary() (*Dictionary, error) {
	return loadDefault()
}

// MustDefaultDictionary is DefaultDictionary for callers that cannot proceed
// without it.
func MustDefaultDictionary() *Dictionary {
	d, err := DefaultDictionary()
	if err != nil {
		panic(err)
	}
	return d
}

// Definitions returns the definitions in dictionary order.
func (d *Dictionary) Definitions() []*Definition {
	out := make([]*Definition, len(d.defs))
	copy(out, d.defs)
	return out
}

// Lookup returns the definition with the given canonical name.
func (d *Dictionary) Lookup(name string) (*Definition, bool) {
	def, ok := d.byName[name]
	return def, ok
}

func (d *Dictionary) Len() int { return len(d.defs) }

// separators allowed between an alias and its value.
const separators = `[\s,:.•●]*`

// value with an optional comparison qualifier.
const valueGroup = `([<>≥]?\s*\d+(?:\.\d+)?)`

func compile(e entry) (*Definition, error) {
	def := &Definition{
		Name:         e.Name,
		Aliases:      append([]string(nil), e.Aliases...),
		Category:     e.Category,
		StandardUnit: e.StandardUnit,
	}
	if e.UnitPattern == "" {
		return def, nil
	}

	quoted := make([]string, len(e.Aliases))
	for i, a := range e.Aliases {
		quoted[i] = regexp.QuoteMeta(a)
	}

	var b strings.Builder
	b.WriteString(`(?i)(?:`)
	b.WriteString(strings.Join(quoted, "|"))
	b.WriteString(`)`)
	b.WriteString(separators)
	b.WriteString(valueGroup)
	b.WriteString(`\s*`)
	if !e.NoFlag {
		b.WriteString(`[HL]?\s*`)
	}
	b.WriteString(`(`)
	b.WriteString(e.UnitPattern)
	b.WriteString(`)`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	def.pattern = re
	return def, nil
}
