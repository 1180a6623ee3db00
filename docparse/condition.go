package docparse

import "regexp"

// markForConditionRe pulls the condition code out of free-text
// `MARK FOR ... 'X' CONDITION` blocks.
var markForConditionRe = regexp.MustCompile(`(?is)MARK\s+FOR\b.*?['"]([A-Z])['"]\s*CONDITION`)

// extractConditionCodes scans each line item's SOW text (then the full
// document text) for a MARK FOR condition and propagates it to sub-items
// that lack their own.
func extractConditionCodes(items []LineItem, fullText string) {
	for i := range items {
		item := &items[i]
		if item.Condition == "" {
			if m := markForConditionRe.FindStringSubmatch(item.SOWText); m != nil {
				item.Condition = m[1]
			} else if m := markForConditionRe.FindStringSubmatch(fullText); m != nil {
				item.Condition = m[1]
			}
		}
		for j := range item.SubLineItems {
			if item.SubLineItems[j].Condition == "" {
				item.SubLineItems[j].Condition = item.Condition
			}
		}
	}
}
