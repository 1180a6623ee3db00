// Package docparse turns a procurement notice page into a hierarchical
// Document: header fields, ordered line items with nested sub-line items,
// and CDRL entries.
//
// The extractor walks a flattened block list derived from the markup tree
// in a fixed step order — section discovery, header fields, scoped
// line-item walks, CDRL, the global sub-line sweep, vendor validation,
// condition codes, link harvest, legacy flattening. Later steps consume
// earlier results, so the ordering is load-bearing. Malformed or absent
// sections degrade to empty fields; arbitrary input never panics.
package docparse

import (
	"io"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extractor parses notice documents.
type Extractor struct {
	logger *slog.Logger
}

// New creates an Extractor.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract parses markup from r and builds the structural Document. The
// result is rebuilt from scratch on every call. The only error condition
// is an unreadable input stream; structural anomalies degrade silently.
func (e *Extractor) Extract(r io.Reader) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	blocks := flatten(doc)
	sections := discoverSections(blocks)
	fullText := joinVisibleText(blocks)

	out := &Document{}
	for _, sec := range sections {
		out.SectionsFound = append(out.SectionsFound, sec.title)
	}

	// Document-level amendment/cancellation flags. A cancellation is also
	// an amendment.
	lowerText := strings.ToLower(fullText)
	if strings.Contains(lowerText, "cancellation") {
		out.IsCancellation = true
		out.IsAmendment = true
	} else if strings.Contains(lowerText, "amendment") {
		out.IsAmendment = true
	}

	out.HeaderFields = extractHeaderFields(blocks, sections)

	out.LineItems = extractLineItems(blocks, sections)
	if len(out.LineItems) == 0 {
		out.LineItems = fallbackSingleItem(blocks)
	}

	out.CDRLItems = extractCDRLItems(blocks, sections)

	attachSweptSubLines(out.LineItems, blocks)
	validateVendorFields(out.LineItems)
	extractConditionCodes(out.LineItems, fullText)

	out.DownloadURLs = harvestDownloadURLs(doc)
	out.EntryMode = classifyEntryMode(out.LineItems)

	flattenLegacyFields(out)
	out.TotalLineItems = len(out.LineItems)
	for _, item := range out.LineItems {
		out.TotalSubLineItems += len(item.SubLineItems)
	}

	e.logger.Debug("docparse: extracted",
		"line_items", out.TotalLineItems,
		"sub_line_items", out.TotalSubLineItems,
		"cdrl_items", len(out.CDRLItems),
		"entry_mode", out.EntryMode,
		"amendment", out.IsAmendment,
		"cancellation", out.IsCancellation)
	return out, nil
}

// joinVisibleText concatenates block texts for the document-wide substring
// and pattern searches.
func joinVisibleText(blocks []block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.text)
	}
	return sb.String()
}

// flattenLegacyFields copies the first line item's fields onto the
// document's top-level fields. Consumers that predate multi-item documents
// read these; the first-item convention is preserved even when the first
// item is not representative.
func flattenLegacyFields(out *Document) {
	if len(out.LineItems) == 0 {
		return
	}
	first := out.LineItems[0]
	out.NSN = first.NSN
	out.VendorCode = first.VendorCode
	out.VendorPartNumber = first.VendorPartNumber
	out.Quantity = first.Quantity
	out.Unit = first.Unit
	out.Condition = first.Condition
	out.Description = first.Description
}
