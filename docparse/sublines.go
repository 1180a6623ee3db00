package docparse

// sweepSubLineItems scans the whole flattened document for sub-line-item
// rows. The source layout can place sub-line sections physically after the
// CDRL block, outside any line-item section, so a scoped walk misses them.
func sweepSubLineItems(blocks []block) []SubLineItem {
	var subs []SubLineItem
	var current *SubLineItem

	push := func() {
		if current != nil {
			subs = append(subs, *current)
			current = nil
		}
	}

	for _, b := range blocks {
		if b.kind != blockRow {
			continue
		}
		for _, kv := range rowPairs(b.cells) {
			key := canonicalKey(kv.key)
			if subLineKeys[key] {
				push()
				current = &SubLineItem{Identifier: normalizeSpace(kv.value), Fields: make(map[string]string)}
				continue
			}
			if current != nil {
				routeSubKey(current, key, kv.value)
			}
		}
	}
	push()
	return subs
}

// attachSweptSubLines runs the global sweep when line items were found but
// none carries sub-line items, attaching the result to the first line item.
// If that item has no quantity of its own, it adopts the summed sub-item
// quantities and the first sub-item's unit.
func attachSweptSubLines(items []LineItem, blocks []block) {
	if len(items) == 0 {
		return
	}
	for _, item := range items {
		if len(item.SubLineItems) > 0 {
			return
		}
	}
	subs := sweepSubLineItems(blocks)
	if len(subs) == 0 {
		return
	}

	first := &items[0]
	first.SubLineItems = subs
	if first.Quantity == 0 {
		total := 0
		for _, s := range subs {
			total += s.Quantity
		}
		first.Quantity = total
		if first.Unit == "" {
			first.Unit = subs[0].Unit
		}
	}
}
