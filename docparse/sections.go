package docparse

import (
	"regexp"
	"strings"
)

// sectionKind classifies a discovered section header.
type sectionKind int

const (
	sectionOther sectionKind = iota
	sectionLineItem
	sectionLineItemSub
	sectionCDRL
)

// subSectionDeny marks line-item headers that introduce a nested detail
// block rather than a new purchasable item.
var subSectionDeny = []string{
	"product", "description", "packaging", "marking",
	"physical", "clause", "reference", "loading", "detail",
}

var lineItemHeaderRe = regexp.MustCompile(`(?i)\bline\s*item\b|^item\s+\d+`)

// cdrlRootTitle must match the header text exactly (not substring): CDRL
// line items elsewhere mention the phrase in passing.
const cdrlRootTitle = "contract data requirements list"

// classifyHeader buckets a section header by its title text.
func classifyHeader(text string) sectionKind {
	t := strings.ToLower(normalizeSpace(text))
	if t == cdrlRootTitle {
		return sectionCDRL
	}
	if lineItemHeaderRe.MatchString(t) {
		if strings.Contains(t, "sub-line") || strings.Contains(t, "sub line") {
			return sectionLineItemSub
		}
		for _, deny := range subSectionDeny {
			if strings.Contains(t, deny) {
				return sectionLineItemSub
			}
		}
		return sectionLineItem
	}
	return sectionOther
}

// section is one discovered header with the index range of its content
// blocks: (start, end] exclusive of the header itself.
type section struct {
	kind  sectionKind
	title string
	start int // index of the header block
	end   int // index of the next boundary header (exclusive)
}

// discoverSections enumerates header blocks in document order and scopes
// each main line-item / CDRL section up to but not including the next main
// line-item or CDRL header.
func discoverSections(blocks []block) []section {
	var sections []section
	for i, b := range blocks {
		if b.kind != blockHeader {
			continue
		}
		sections = append(sections, section{
			kind:  classifyHeader(b.text),
			title: b.text,
			start: i,
			end:   len(blocks),
		})
	}
	// Close each main section at the next main/CDRL boundary.
	for i := range sections {
		if sections[i].kind != sectionLineItem && sections[i].kind != sectionCDRL {
			continue
		}
		for j := i + 1; j < len(sections); j++ {
			if sections[j].kind == sectionLineItem || sections[j].kind == sectionCDRL {
				sections[i].end = sections[j].start
				break
			}
		}
	}
	return sections
}

// keyValue is a routed key/value pair from a data row.
type keyValue struct {
	key   string
	value string
}

// rowPairs extracts key/value pairs from a data row. Two-cell rows yield
// one pair; four-cell rows yield two (label, value, label, value). Rows
// that do not look like pairs yield nothing.
func rowPairs(cells []string) []keyValue {
	switch len(cells) {
	case 2:
		if k := normalizeSpace(cells[0]); k != "" {
			return []keyValue{{key: k, value: normalizeSpace(cells[1])}}
		}
	case 4:
		var pairs []keyValue
		if k := normalizeSpace(cells[0]); k != "" {
			pairs = append(pairs, keyValue{key: k, value: normalizeSpace(cells[1])})
		}
		if k := normalizeSpace(cells[2]); k != "" {
			pairs = append(pairs, keyValue{key: k, value: normalizeSpace(cells[3])})
		}
		return pairs
	}
	return nil
}

// canonicalKey lowercases and strips the trailing colon from a label.
func canonicalKey(k string) string {
	return strings.ToLower(strings.TrimSuffix(normalizeSpace(k), ":"))
}
