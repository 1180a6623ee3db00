package extraction

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ExtractedItem is the transient product of one template application:
// a flat field map, its fingerprint, and the raw text it was matched from.
// Items are consumed immediately by dedup/create logic, never persisted.
type ExtractedItem struct {
	Data        *FieldMap
	Fingerprint string
	Raw         string
}

// Engine applies templates to raw text.
type Engine struct {
	logger *slog.Logger
}

// New creates an Engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Extract applies a template to text and returns one item per extracted
// record. The only returned error is template validation failure; per-field
// extraction failures are recovered locally with defaults.
func (e *Engine) Extract(text string, tmpl *Template, schema *OutputSchema) ([]ExtractedItem, error) {
	c, err := compile(tmpl)
	if err != nil {
		return nil, err
	}

	switch c.mode {
	case ModeSingle:
		item := e.extractOne(text, c, schema)
		return []ExtractedItem{item}, nil
	case ModeMultiline:
		return e.extractMultiline(text, c, schema), nil
	case ModeTabular:
		return e.extractTabular(text, c, schema), nil
	}
	return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidTemplate, c.mode)
}

// extractOne applies every field rule once to the given text.
func (e *Engine) extractOne(text string, c *compiled, schema *OutputSchema) ExtractedItem {
	data := NewFieldMap()
	for _, cf := range c.fields {
		data.Set(cf.rule.Name, e.extractField(text, cf, c.defaults))
	}
	fp, empty := Fingerprint(data, schema.FingerprintFields, text)
	if empty {
		e.logger.Error("extraction: empty fingerprint input, hashing empty string",
			"fingerprint_fields", schema.FingerprintFields)
	}
	return ExtractedItem{Data: data, Fingerprint: fp, Raw: text}
}

// extractField runs one rule against text. A required field that fails to
// match logs a warning and falls back to its default; it never aborts the
// extraction of the remaining fields.
func (e *Engine) extractField(text string, cf compiledField, defaults map[string]string) Value {
	m := cf.re.FindStringSubmatch(text)
	if m == nil {
		if cf.rule.Required {
			e.logger.Warn("extraction: required field did not match, using default",
				"field", cf.rule.Name)
		}
		return e.fieldDefault(cf.rule, defaults)
	}

	group := cf.rule.CaptureGroup
	if group <= 0 {
		group = 1
	}
	if group >= len(m) {
		group = 0 // whole match when the configured group is out of range
	}
	raw := m[group]

	v, ok := applyTransform(raw, cf.rule.Transform)
	if !ok {
		return e.fieldDefault(cf.rule, defaults)
	}
	return v
}

// fieldDefault resolves a rule's fallback: the rule default first, then the
// template-level defaults map, then null.
func (e *Engine) fieldDefault(rule FieldRule, defaults map[string]string) Value {
	if rule.Default != "" {
		return defaultValue(rule.Default, rule.Transform)
	}
	if def, ok := defaults[rule.Name]; ok {
		return defaultValue(def, rule.Transform)
	}
	return Null
}

// extractMultiline splits text at every delimiter match, keeping the
// delimiter at the start of each fragment, and extracts one item per
// non-empty fragment.
func (e *Engine) extractMultiline(text string, c *compiled, schema *OutputSchema) []ExtractedItem {
	var items []ExtractedItem
	for _, frag := range splitKeepDelimiter(text, c.delimiter) {
		if strings.TrimSpace(frag) == "" {
			continue
		}
		items = append(items, e.extractOne(frag, c, schema))
	}
	return items
}

// splitKeepDelimiter splits text at each delimiter match position so the
// delimiter remains at the start of its fragment. The leading fragment
// (text before the first delimiter) is included, so concatenating all
// fragments reproduces the original body exactly.
func splitKeepDelimiter(text string, delim *regexp.Regexp) []string {
	locs := delim.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var frags []string
	if locs[0][0] > 0 {
		frags = append(frags, text[:locs[0][0]])
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		frags = append(frags, text[loc[0]:end])
	}
	return frags
}

// extractTabular runs every data pattern globally over the text, producing
// one item per match. Items are de-duplicated by fingerprint within this
// document: cross-pattern collisions are silently dropped, not errors.
func (e *Engine) extractTabular(text string, c *compiled, schema *OutputSchema) []ExtractedItem {
	var items []ExtractedItem
	seen := make(map[string]bool)

	for _, cp := range c.patterns {
		for _, m := range cp.re.FindAllStringSubmatch(text, -1) {
			data := NewFieldMap()
			for _, col := range cp.spec.Columns {
				raw := ""
				if col.Group > 0 && col.Group < len(m) {
					raw = m[col.Group]
				}
				v, ok := applyTransform(raw, col.Transform)
				if !ok {
					v = Null
				}
				data.Set(col.Name, v)
			}
			fp, empty := Fingerprint(data, schema.FingerprintFields, m[0])
			if empty {
				e.logger.Error("extraction: empty fingerprint input in tabular match")
			}
			if seen[fp] {
				continue
			}
			seen[fp] = true
			items = append(items, ExtractedItem{Data: data, Fingerprint: fp, Raw: m[0]})
		}
	}
	return items
}
