package docparse

import (
	"regexp"
	"strings"
)

// knownHeaderLabels is the fixed label list for inline "Label: Value" text
// recognition when the two-space separator is absent.
var knownHeaderLabels = []string{
	"Solicitation Number",
	"Solicitation",
	"Purchase Request",
	"Return By",
	"Quote Date",
	"Issue Date",
	"Close Date",
	"Buyer Code",
	"Buyer",
	"Contract Type",
	"FOB Point",
	"Delivery Days",
	"Lead Time",
	"Inspection Point",
	"Small Business Set-Aside",
	"Bid Type",
	"Status",
}

// inlineLabelRe recognizes "Label:   Value" text lines where the separator
// is two or more spaces (non-breaking spaces are normalized before this
// point, so \xA0 separators arrive here as regular spaces).
var inlineLabelRe = regexp.MustCompile(`^([^:]{1,60}):\s{2,}(.+)$`)

// extractHeaderFields pulls document-level fields once, independent of line
// items, using the three generic key→value strategies over every block:
// (a) two-cell rows (header/value distance), (b) four-cell rows
// (header/small-value distance), (c) inline "Label: Value" text lines.
// Blocks inside line-item or CDRL sections are excluded so item-scoped keys
// do not masquerade as globals.
func extractHeaderFields(blocks []block, sections []section) map[string]string {
	itemScoped := make([]bool, len(blocks))
	for _, sec := range sections {
		if sec.kind != sectionLineItem && sec.kind != sectionCDRL {
			continue
		}
		for i := sec.start; i < sec.end && i < len(blocks); i++ {
			itemScoped[i] = true
		}
	}

	fields := make(map[string]string)
	set := func(k, v string) {
		key := canonicalKey(k)
		if key == "" || v == "" {
			return
		}
		if _, done := fields[key]; !done {
			fields[key] = v
		}
	}

	for i, b := range blocks {
		if itemScoped[i] {
			continue
		}
		switch b.kind {
		case blockRow:
			// Strategies (a) and (b): adjacent-cell pairs.
			for _, kv := range rowPairs(b.cells) {
				set(kv.key, kv.value)
			}
		case blockText:
			for _, line := range strings.Split(b.text, "\n") {
				if k, v, ok := inlinePair(line); ok {
					set(k, v)
				}
			}
		}
	}
	return fields
}

// inlinePair recognizes one "Label: Value" text line, either by the
// two-or-more-space separator or by a known label at the start of the line.
func inlinePair(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(nbspToSpace(line))
	if m := inlineLabelRe.FindStringSubmatch(line); m != nil {
		return m[1], normalizeSpace(m[2]), true
	}
	for _, label := range knownHeaderLabels {
		prefix := label + ":"
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			return label, normalizeSpace(line[len(prefix):]), true
		}
	}
	return "", "", false
}
