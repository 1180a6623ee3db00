package docparse

import "testing"

func TestClassifyHeader(t *testing.T) {
	cases := []struct {
		title string
		want  sectionKind
	}{
		{"Line Item 0001", sectionLineItem},
		{"Item 2", sectionLineItem},
		{"Line Item Product/Description", sectionLineItemSub},
		{"Line Item Packaging Data", sectionLineItemSub},
		{"Line Item Physical Details", sectionLineItemSub},
		{"Line Item Clause Data", sectionLineItemSub},
		{"Contract Data Requirements List", sectionCDRL},
		{"Quotation Information", sectionOther},
		{"CDRL Line Item Reference Data", sectionLineItemSub}, // not the CDRL root
	}
	for _, tc := range cases {
		if got := classifyHeader(tc.title); got != tc.want {
			t.Errorf("classifyHeader(%q) = %v, want %v", tc.title, got, tc.want)
		}
	}
}

func TestParseQuantity(t *testing.T) {
	cases := []struct {
		in   string
		qty  int
		unit string
		ok   bool
	}{
		{"25 EA", 25, "EA", true},
		{"1,500 BX", 1500, "BX", true},
		{"7", 7, "", true},
		{"0", 0, "", false},
		{"EA 25", 0, "", false},
		{"", 0, "", false},
	}
	for _, tc := range cases {
		qty, unit, ok := parseQuantity(tc.in)
		if qty != tc.qty || unit != tc.unit || ok != tc.ok {
			t.Errorf("parseQuantity(%q) = (%d,%q,%v), want (%d,%q,%v)",
				tc.in, qty, unit, ok, tc.qty, tc.unit, tc.ok)
		}
	}
}

func TestInlinePair(t *testing.T) {
	// Two-space separator.
	k, v, ok := inlinePair("Delivery Schedule:   45 days ARO")
	if !ok || k != "Delivery Schedule" || v != "45 days ARO" {
		t.Errorf("got (%q,%q,%v)", k, v, ok)
	}
	// Non-breaking-space separator behaves like spaces.
	k, v, ok = inlinePair("Buyer:\u00a0\u00a0Jane Smith")
	if !ok || k != "Buyer" || v != "Jane Smith" {
		t.Errorf("nbsp: got (%q,%q,%v)", k, v, ok)
	}
	// Known label with a single space still matches.
	k, v, ok = inlinePair("Solicitation Number: SPE7L5-26-Q-0042")
	if !ok || k != "Solicitation Number" || v != "SPE7L5-26-Q-0042" {
		t.Errorf("known label: got (%q,%q,%v)", k, v, ok)
	}
	// Prose with a colon but single space and unknown label: no match.
	if _, _, ok := inlinePair("Note: single space prose"); ok {
		t.Error("unknown single-space label should not match")
	}
}
