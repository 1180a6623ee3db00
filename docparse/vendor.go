package docparse

import (
	"regexp"
	"strings"
)

// vendorGarbage is the placeholder denylist: values the source site emits
// where a real CAGE code or part number should be.
var vendorGarbage = map[string]bool{
	"n/a":         true,
	"na":          true,
	"none":        true,
	"cage":        true,
	"ref. no.":    true,
	"ref no":      true,
	"ref.no.":     true,
	"p/n":         true,
	"part number": true,
	"see sow":     true,
	"various":     true,
	"unknown":     true,
	"tbd":         true,
}

// isGarbageVendorValue reports whether a vendor code or part number is a
// placeholder: empty, shorter than 2 characters, or on the denylist.
func isGarbageVendorValue(v string) bool {
	v = strings.ToLower(normalizeSpace(v))
	if len(v) < 2 {
		return true
	}
	return vendorGarbage[v]
}

// Recovery strategies over the line item's free-text SOW block, tried in
// order. CAGE codes are 5 alphanumerics; part numbers allow dash, dot,
// slash.
var (
	// ";K4D70 AB-123;" — semicolon-delimited CAGE + part pair.
	sowSemicolonRe = regexp.MustCompile(`;\s*([A-Z0-9]{5})\s+([A-Z0-9][A-Za-z0-9./-]*)\s*;`)
	// "CAGE K4D70 ... Ref. No. AB-123" — labeled block.
	sowLabeledRe = regexp.MustCompile(`(?i)CAGE[:\s_]+([A-Z0-9]{5})[\s_]+.*?Ref\.?\s*No\.?[:\s_]+([A-Za-z0-9./-]+)`)
	// Separate "CAGE: K4D70" and "P/N: AB-123" tokens.
	sowCageTokenRe = regexp.MustCompile(`(?i)\bCAGE\b[:\s]+([A-Z0-9]{5})\b`)
	sowPartTokenRe = regexp.MustCompile(`(?i)\bP/N\b[:\s]+([A-Za-z0-9./-]+)`)
)

// recoverVendorFromSOW attempts to pull (cage, partNumber) out of free SOW
// text. Returns ok=false when no strategy matched.
func recoverVendorFromSOW(sow string) (cage, part string, ok bool) {
	if m := sowSemicolonRe.FindStringSubmatch(sow); m != nil {
		return m[1], m[2], true
	}
	if m := sowLabeledRe.FindStringSubmatch(sow); m != nil {
		return m[1], m[2], true
	}
	cageM := sowCageTokenRe.FindStringSubmatch(sow)
	partM := sowPartTokenRe.FindStringSubmatch(sow)
	if cageM != nil && partM != nil {
		return cageM[1], partM[1], true
	}
	return "", "", false
}

// validateVendorFields checks each line item's vendor code/part number,
// recovers garbage values from the SOW text where possible, and clears
// what cannot be recovered rather than keeping a placeholder.
func validateVendorFields(items []LineItem) {
	for i := range items {
		item := &items[i]
		codeGarbage := isGarbageVendorValue(item.VendorCode)
		partGarbage := isGarbageVendorValue(item.VendorPartNumber)
		if !codeGarbage && !partGarbage {
			continue
		}
		if cage, part, ok := recoverVendorFromSOW(item.SOWText); ok {
			if codeGarbage {
				item.VendorCode = cage
			}
			if partGarbage {
				item.VendorPartNumber = part
			}
			continue
		}
		if codeGarbage {
			item.VendorCode = ""
		}
		if partGarbage {
			item.VendorPartNumber = ""
		}
	}
}
