package extraction

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the scalar kinds a field value can hold.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindDate
)

// Value is a tagged scalar: string, number, UTC-midnight date, or null.
// Downstream consumers access values by name through the OutputSchema field
// mapping; nothing inspects shapes at runtime.
type Value struct {
	kind Kind
	str  string
	num  float64
	date time.Time
}

// Null is the null value.
var Null = Value{kind: KindNull}

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Date wraps a date value. The instant is normalized to UTC.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t.UTC()} }

// Kind reports the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string form of the value. Numbers render without a
// trailing ".0" for whole values; dates render as RFC 3339.
func (v Value) Str() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return v.date.Format(time.RFC3339)
	default:
		return ""
	}
}

// Num returns the numeric value and whether the value is a number.
func (v Value) Num() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Time returns the date value and whether the value is a date.
func (v Value) Time() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.date, true
}

// MarshalJSON renders the value as its natural JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindDate:
		return json.Marshal(v.date.Format(time.RFC3339))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON scalar. Strings matching RFC 3339 become
// dates; numbers become numbers; null stays null.
func (v *Value) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*v = Null
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			*v = Date(t)
			return nil
		}
		*v = String(str)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("value: not a scalar: %s", s)
	}
	*v = Number(f)
	return nil
}

// FieldMap is an ordered map of field name → Value. Insertion order is
// preserved so extracted data round-trips deterministically.
type FieldMap struct {
	names  []string
	values map[string]Value
}

// NewFieldMap returns an empty FieldMap.
func NewFieldMap() *FieldMap {
	return &FieldMap{values: make(map[string]Value)}
}

// Set inserts or replaces a field. First insertion fixes the field's order.
func (m *FieldMap) Set(name string, v Value) {
	if _, ok := m.values[name]; !ok {
		m.names = append(m.names, name)
	}
	m.values[name] = v
}

// Get returns the value for name, or Null if absent.
func (m *FieldMap) Get(name string) Value {
	if v, ok := m.values[name]; ok {
		return v
	}
	return Null
}

// Has reports whether name is present.
func (m *FieldMap) Has(name string) bool {
	_, ok := m.values[name]
	return ok
}

// Names returns field names in insertion order.
func (m *FieldMap) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Len returns the number of fields.
func (m *FieldMap) Len() int { return len(m.names) }

// MarshalJSON renders an object with keys in insertion order.
func (m *FieldMap) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range m.names {
		if i > 0 {
			sb.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		sb.Write(key)
		sb.WriteByte(':')
		val, err := json.Marshal(m.values[name])
		if err != nil {
			return nil, err
		}
		sb.Write(val)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// UnmarshalJSON reads an object. Key order follows the document.
func (m *FieldMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("fieldmap: expected object")
	}
	m.names = nil
	m.values = make(map[string]Value)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return err
		}
		m.Set(key, v)
	}
	return nil
}
