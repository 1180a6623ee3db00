package extraction

import (
	"strconv"
	"strings"
)

// Transform names accepted in FieldRule.Transform and Column.Transform.
const (
	TransformTrim      = "trim"
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformNumber    = "number"
	TransformDecimal   = "decimal"
	TransformDate      = "date"
)

// applyTransform converts a raw matched string into a typed Value. A failed
// numeric or date conversion yields ok=false so the caller can substitute
// the rule default; transforms never produce an error.
func applyTransform(raw, transform string) (Value, bool) {
	raw = strings.TrimSpace(raw)
	switch transform {
	case "", TransformTrim:
		return String(raw), true
	case TransformUppercase:
		return String(strings.ToUpper(raw)), true
	case TransformLowercase:
		return String(strings.ToLower(raw)), true
	case TransformNumber:
		n, err := strconv.ParseInt(cleanNumeric(raw), 10, 64)
		if err != nil {
			return Null, false
		}
		return Number(float64(n)), true
	case TransformDecimal:
		f, err := strconv.ParseFloat(cleanNumeric(raw), 64)
		if err != nil {
			return Null, false
		}
		return Number(f), true
	case TransformDate:
		t, err := ParseDate(raw)
		if err != nil {
			return Null, false
		}
		return Date(t), true
	default:
		// Unknown transform behaves as trim.
		return String(raw), true
	}
}

// cleanNumeric strips thousands separators and currency markers commonly
// seen in procurement emails ("1,500", "$12.50", "QTY: 5 EA" is handled by
// the pattern, not here).
func cleanNumeric(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "$")
	return strings.TrimSpace(s)
}

// defaultValue converts a rule's default string through the rule's
// transform. An unconvertible default degrades to null.
func defaultValue(def, transform string) Value {
	if def == "" {
		return Null
	}
	v, ok := applyTransform(def, transform)
	if !ok {
		return Null
	}
	return v
}
