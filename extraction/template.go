// Package extraction applies declarative per-tenant templates to raw email
// text, producing flat field maps plus a content fingerprint per extracted
// item. Templates are configuration: immutable once loaded, validated up
// front, and read-only to the pipeline.
package extraction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Template modes.
const (
	ModeSingle    = "single"    // one item from the whole body
	ModeMultiline = "multiline" // split at delimiter, one item per fragment
	ModeTabular   = "tabular"   // global pattern matches, one item per match
)

// ErrInvalidTemplate is returned when a template fails validation.
var ErrInvalidTemplate = errors.New("extraction: invalid template")

// FieldRule extracts one named field in single/multiline mode.
type FieldRule struct {
	Name         string `yaml:"name" json:"name"`
	Pattern      string `yaml:"pattern" json:"pattern"`
	Flags        string `yaml:"flags,omitempty" json:"flags,omitempty"`
	CaptureGroup int    `yaml:"capture_group,omitempty" json:"capture_group,omitempty"`
	Transform    string `yaml:"transform,omitempty" json:"transform,omitempty"`
	Required     bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default      string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Column maps a capture group of a TabularPattern to a named field.
type Column struct {
	Group     int    `yaml:"group" json:"group"`
	Name      string `yaml:"name" json:"name"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// TabularPattern extracts one item per global match in tabular mode.
type TabularPattern struct {
	Pattern string   `yaml:"pattern" json:"pattern"`
	Flags   string   `yaml:"flags,omitempty" json:"flags,omitempty"`
	Columns []Column `yaml:"columns" json:"columns"`
}

// Template is the per-tenant extraction configuration.
type Template struct {
	Mode          string            `yaml:"mode" json:"mode"`
	ItemDelimiter string            `yaml:"item_delimiter,omitempty" json:"item_delimiter,omitempty"`
	Fields        []FieldRule       `yaml:"fields,omitempty" json:"fields,omitempty"`
	DataPatterns  []TabularPattern  `yaml:"data_patterns,omitempty" json:"data_patterns,omitempty"`
	Defaults      map[string]string `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// OutputSchema pairs 1:1 with a Template: which extracted fields feed the
// fingerprint, and how extracted names map to canonical record fields.
type OutputSchema struct {
	FingerprintFields []string          `yaml:"fingerprint_fields" json:"fingerprint_fields"`
	FieldMapping      map[string]string `yaml:"field_mapping,omitempty" json:"field_mapping,omitempty"`
}

// Validate checks the template per the configuration contract: every
// pattern must compile, multiline requires a delimiter, tabular requires at
// least one data pattern each with at least one column.
func (t *Template) Validate() error {
	switch t.Mode {
	case ModeSingle, ModeMultiline, ModeTabular:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTemplate, t.Mode)
	}

	if t.Mode == ModeMultiline {
		if t.ItemDelimiter == "" {
			return fmt.Errorf("%w: multiline mode requires item_delimiter", ErrInvalidTemplate)
		}
		if _, err := regexp.Compile(t.ItemDelimiter); err != nil {
			return fmt.Errorf("%w: item_delimiter: %v", ErrInvalidTemplate, err)
		}
	}

	if t.Mode == ModeTabular {
		if len(t.DataPatterns) == 0 {
			return fmt.Errorf("%w: tabular mode requires at least one data pattern", ErrInvalidTemplate)
		}
		for i, dp := range t.DataPatterns {
			if len(dp.Columns) == 0 {
				return fmt.Errorf("%w: data pattern %d has no columns", ErrInvalidTemplate, i)
			}
			if _, err := regexp.Compile(applyFlags(dp.Pattern, dp.Flags)); err != nil {
				return fmt.Errorf("%w: data pattern %d: %v", ErrInvalidTemplate, i, err)
			}
		}
		return nil
	}

	for i, f := range t.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidTemplate, i)
		}
		if _, err := regexp.Compile(applyFlags(f.Pattern, f.Flags)); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidTemplate, f.Name, err)
		}
	}
	return nil
}

// applyFlags prefixes a pattern with an inline flag group. Supported flags:
// i (case-insensitive), m (multi-line anchors), s (dot matches newline).
func applyFlags(pattern, flags string) string {
	var b strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			b.WriteRune(f)
		}
	}
	if b.Len() == 0 {
		return pattern
	}
	return "(?" + b.String() + ")" + pattern
}

// compiled is a Template with all patterns compiled. Built once per
// template application; compile errors cannot occur after Validate.
type compiled struct {
	mode      string
	delimiter *regexp.Regexp
	fields    []compiledField
	patterns  []compiledPattern
	defaults  map[string]string
}

type compiledField struct {
	rule FieldRule
	re   *regexp.Regexp
}

type compiledPattern struct {
	spec TabularPattern
	re   *regexp.Regexp
}

func compile(t *Template) (*compiled, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	c := &compiled{mode: t.Mode, defaults: t.Defaults}
	if t.Mode == ModeMultiline {
		c.delimiter = regexp.MustCompile(t.ItemDelimiter)
	}
	for _, f := range t.Fields {
		c.fields = append(c.fields, compiledField{
			rule: f,
			re:   regexp.MustCompile(applyFlags(f.Pattern, f.Flags)),
		})
	}
	for _, dp := range t.DataPatterns {
		c.patterns = append(c.patterns, compiledPattern{
			spec: dp,
			re:   regexp.MustCompile(applyFlags(dp.Pattern, dp.Flags)),
		})
	}
	return c, nil
}

// MapFields renames extracted field names to their canonical names per the
// schema's field mapping, preserving order. Unmapped names pass through
// unchanged. Downstream consumers address fields only by canonical name.
func (s *OutputSchema) MapFields(data *FieldMap) *FieldMap {
	if len(s.FieldMapping) == 0 {
		return data
	}
	out := NewFieldMap()
	for _, name := range data.Names() {
		canonical := name
		if mapped, ok := s.FieldMapping[name]; ok && mapped != "" {
			canonical = mapped
		}
		out.Set(canonical, data.Get(name))
	}
	return out
}
