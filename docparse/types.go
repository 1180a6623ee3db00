package docparse

// SubLineItem is a delivery/ship-to variant of a parent line item.
type SubLineItem struct {
	Identifier string            `json:"identifier"`
	Quantity   int               `json:"quantity"`
	Unit       string            `json:"unit"`
	Condition  string            `json:"condition,omitempty"`
	ShipTo     string            `json:"ship_to,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// LineItem is a purchasable unit within a procurement notice.
type LineItem struct {
	Identifier       string            `json:"identifier"`
	NSN              string            `json:"nsn,omitempty"`
	VendorCode       string            `json:"vendor_code,omitempty"`
	VendorPartNumber string            `json:"vendor_part_number,omitempty"`
	Quantity         int               `json:"quantity"`
	Unit             string            `json:"unit,omitempty"`
	Condition        string            `json:"condition,omitempty"`
	Description      string            `json:"description,omitempty"`
	Manufacturer     string            `json:"manufacturer,omitempty"`
	SOWText          string            `json:"sow_text,omitempty"`
	Packaging        map[string]string `json:"packaging,omitempty"`
	PhysicalDetails  map[string]string `json:"physical_details,omitempty"`
	SubLineItems     []SubLineItem     `json:"sub_line_items,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
}

// CDRLItem is a contract data requirements list entry.
type CDRLItem struct {
	Identifier string            `json:"identifier"`
	Title      string            `json:"title,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Entry modes: a "manual" document carries few structured fields and relies
// on its attachments; an "auto" document has NSN/vendor data inline.
const (
	EntryAuto   = "auto"
	EntryManual = "manual"
)

// Document is the structural extraction result. It is fully rebuilt on
// every fetch and never incrementally patched.
type Document struct {
	HeaderFields map[string]string `json:"header_fields,omitempty"`
	LineItems    []LineItem        `json:"line_items,omitempty"`
	CDRLItems    []CDRLItem        `json:"cdrl_items,omitempty"`

	IsAmendment    bool `json:"is_amendment,omitempty"`
	IsCancellation bool `json:"is_cancellation,omitempty"`

	DownloadURLs []string `json:"download_urls,omitempty"`
	EntryMode    string   `json:"entry_mode"`

	// SectionsFound records discovered section headers in document order,
	// for diagnostics.
	SectionsFound []string `json:"sections_found,omitempty"`

	TotalLineItems    int `json:"total_line_items"`
	TotalSubLineItems int `json:"total_sub_line_items"`

	// Legacy top-level fields, flattened from the first line item for
	// consumers that predate multi-item documents.
	NSN              string `json:"nsn,omitempty"`
	VendorCode       string `json:"vendor_code,omitempty"`
	VendorPartNumber string `json:"vendor_part_number,omitempty"`
	Quantity         int    `json:"quantity,omitempty"`
	Unit             string `json:"unit,omitempty"`
	Condition        string `json:"condition,omitempty"`
	Description      string `json:"description,omitempty"`
}
