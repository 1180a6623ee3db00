package docparse

// Keys that open a new CDRL item within the CDRL section.
var cdrlItemKeys = map[string]bool{
	"elin":              true,
	"cdrl item":         true,
	"item no":           true,
	"data item":         true,
	"exhibit line item": true,
}

// extractCDRLItems builds CDRL entries from the section rooted at the
// exact "Contract Data Requirements List" header, collecting blocks until
// the next CDRL root. A key in cdrlItemKeys opens a new item; other keys
// route into the current one.
func extractCDRLItems(blocks []block, sections []section) []CDRLItem {
	var items []CDRLItem
	for _, sec := range sections {
		if sec.kind != sectionCDRL {
			continue
		}
		end := len(blocks)
		for _, next := range sections {
			if next.kind == sectionCDRL && next.start > sec.start {
				end = next.start
				break
			}
		}
		items = append(items, walkCDRLSection(blocks[sec.start+1:end])...)
	}
	return items
}

func walkCDRLSection(blocks []block) []CDRLItem {
	var items []CDRLItem
	var current *CDRLItem

	push := func() {
		if current != nil {
			items = append(items, *current)
			current = nil
		}
	}

	for _, b := range blocks {
		if b.kind != blockRow {
			continue
		}
		for _, kv := range rowPairs(b.cells) {
			key := canonicalKey(kv.key)
			if cdrlItemKeys[key] {
				push()
				current = &CDRLItem{Identifier: normalizeSpace(kv.value), Fields: make(map[string]string)}
				continue
			}
			if current == nil {
				continue
			}
			switch key {
			case "title", "data item title":
				current.Title = kv.value
			default:
				current.Fields[key] = kv.value
			}
		}
	}
	push()
	return items
}
