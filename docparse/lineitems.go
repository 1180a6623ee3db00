package docparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Keys that start a new sub-line item within a line-item section.
var subLineKeys = map[string]bool{
	"sub-line item": true,
	"sub line item": true,
	"subline item":  true,
	"sub-clin":      true,
}

var quantityRe = regexp.MustCompile(`^(\d[\d,]*)\s*(.*)$`)

// parseQuantity splits a "<int> <rest-as-unit>" token. A bare integer > 0
// is accepted as a quantity with no unit. Returns ok=false when the token
// does not start with an integer.
func parseQuantity(s string) (qty int, unit string, ok bool) {
	m := quantityRe.FindStringSubmatch(normalizeSpace(s))
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || n <= 0 {
		return 0, "", false
	}
	return n, normalizeSpace(m[2]), true
}

// itemWalkState is the explicit accumulator threaded through the section
// walk: which item is being built, whether a sub-item is open, and which
// dedicated sub-section handler (packaging, physical, SOW) is active.
type itemWalkState struct {
	item    *LineItem
	sub     *SubLineItem
	handler string // "", "packaging", "physical", "sow"
}

// closeSub pushes the open sub-item onto the item, if any.
func (st *itemWalkState) closeSub() {
	if st.sub != nil {
		st.item.SubLineItems = append(st.item.SubLineItems, *st.sub)
		st.sub = nil
	}
}

// extractLineItems builds one LineItem per main line-item section, walking
// that section's scoped blocks.
func extractLineItems(blocks []block, sections []section) []LineItem {
	var items []LineItem
	for _, sec := range sections {
		if sec.kind != sectionLineItem {
			continue
		}
		item := walkItemSection(blocks[sec.start+1:sec.end], sec.title)
		items = append(items, item)
	}
	return items
}

// walkItemSection folds a section's blocks into a LineItem. A "Sub-Line
// Item" key closes the previous sub-item and opens a new one; subsequent
// keys route to the item or the open sub-item. Nested sub-section headers
// switch the dedicated handler for packaging, physical-details, and
// SOW/clause blocks, which write directly into the enclosing line item.
func walkItemSection(blocks []block, title string) LineItem {
	item := LineItem{
		Identifier: itemIdentifier(title),
		Fields:     make(map[string]string),
	}
	st := itemWalkState{item: &item}

	for _, b := range blocks {
		switch b.kind {
		case blockHeader:
			st.handler = subSectionHandler(b.text)
		case blockRow:
			for _, kv := range rowPairs(b.cells) {
				routePair(&st, kv)
			}
		case blockText:
			if st.handler == "sow" || looksLikeSOW(b.text) {
				appendSOW(&item, b.text)
			}
		}
	}
	st.closeSub()
	return item
}

// subSectionHandler names the dedicated handler a nested header activates.
func subSectionHandler(title string) string {
	t := strings.ToLower(normalizeSpace(title))
	switch {
	case strings.Contains(t, "packaging"), strings.Contains(t, "marking"):
		return "packaging"
	case strings.Contains(t, "physical"):
		return "physical"
	case strings.Contains(t, "statement of work"), strings.Contains(t, "clause"), strings.Contains(t, "sow"):
		return "sow"
	}
	return ""
}

var sowMarkerRe = regexp.MustCompile(`(?i)CAGE|P/N|MARK FOR|STATEMENT OF WORK|GOVERNMENT SOURCE`)

func looksLikeSOW(text string) bool {
	return sowMarkerRe.MatchString(text)
}

func appendSOW(item *LineItem, text string) {
	if item.SOWText != "" {
		item.SOWText += "\n"
	}
	item.SOWText += text
}

// routePair routes one key/value pair per the walk state.
func routePair(st *itemWalkState, kv keyValue) {
	key := canonicalKey(kv.key)
	val := kv.value

	switch st.handler {
	case "packaging":
		if st.item.Packaging == nil {
			st.item.Packaging = make(map[string]string)
		}
		st.item.Packaging[key] = val
		return
	case "physical":
		if st.item.PhysicalDetails == nil {
			st.item.PhysicalDetails = make(map[string]string)
		}
		st.item.PhysicalDetails[key] = val
		return
	case "sow":
		appendSOW(st.item, kv.key+": "+val)
		return
	}

	if subLineKeys[key] {
		st.closeSub()
		st.sub = &SubLineItem{Identifier: normalizeSpace(val), Fields: make(map[string]string)}
		return
	}

	if st.sub != nil {
		routeSubKey(st.sub, key, val)
		return
	}
	routeItemKey(st.item, key, val)
}

// routeItemKey assigns a key to the line item's typed fields, falling back
// to the open key bag.
func routeItemKey(item *LineItem, key, val string) {
	switch key {
	case "nsn", "national stock number", "nsn/part number":
		item.NSN = normalizeSpace(val)
	case "cage", "cage code", "vendor cage", "vendor code":
		item.VendorCode = normalizeSpace(val)
	case "part number", "p/n", "vendor part number", "ref. no.", "ref no":
		item.VendorPartNumber = normalizeSpace(val)
	case "quantity", "qty":
		if qty, unit, ok := parseQuantity(val); ok {
			item.Quantity = qty
			if unit != "" {
				item.Unit = unit
			}
		}
	case "unit", "unit of issue", "ui":
		item.Unit = normalizeSpace(val)
	case "condition", "condition code":
		item.Condition = normalizeSpace(val)
	case "nomenclature", "description", "item description":
		item.Description = val
	case "manufacturer", "mfr", "manufacturer name":
		item.Manufacturer = normalizeSpace(val)
	case "item", "line item", "clin":
		if item.Identifier == "" {
			item.Identifier = normalizeSpace(val)
		}
	default:
		item.Fields[key] = val
	}
}

// routeSubKey assigns a key to the open sub-line item.
func routeSubKey(sub *SubLineItem, key, val string) {
	switch key {
	case "quantity", "qty":
		if qty, unit, ok := parseQuantity(val); ok {
			sub.Quantity = qty
			if unit != "" {
				sub.Unit = unit
			}
		}
	case "unit", "unit of issue", "ui":
		sub.Unit = normalizeSpace(val)
	case "condition", "condition code":
		sub.Condition = normalizeSpace(val)
	case "ship to", "ship-to", "deliver to":
		sub.ShipTo = val
	default:
		sub.Fields[key] = val
	}
}

var itemNumberRe = regexp.MustCompile(`(?i)(?:line\s*item|item)\s*#?\s*([A-Z0-9]+)`)

// itemIdentifier pulls the item number out of a section title
// ("Line Item 0001" → "0001").
func itemIdentifier(title string) string {
	if m := itemNumberRe.FindStringSubmatch(normalizeSpace(title)); m != nil {
		return m[1]
	}
	return ""
}

// fallbackSingleItem extracts one line item from the entire document when
// no main line-item headers exist (legacy/simple layout). Returns nil when
// nothing item-like was found.
func fallbackSingleItem(blocks []block) []LineItem {
	item := walkItemSection(blocks, "")
	if item.NSN == "" && item.Quantity == 0 && item.VendorCode == "" &&
		item.Description == "" && len(item.SubLineItems) == 0 {
		return nil
	}
	return []LineItem{item}
}
