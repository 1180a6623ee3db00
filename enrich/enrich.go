// Package enrich merges newly extracted data into canonical records and
// splits multi-line-item documents into child records.
//
// Precedence rule: the scraper is a higher-trust source than email parsing.
// Once a record has been scraped successfully, email re-parses may no
// longer overwrite the item fields the scraper populated; identity fields
// (solicitation number, site, URL, dates) always refresh.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/procwatch/docparse"
	"github.com/hazyhaar/procwatch/extraction"
	"github.com/hazyhaar/procwatch/ledger"
	"github.com/hazyhaar/procwatch/opstore"
)

// Canonical field names the pipeline's fieldMapping contract routes into
// typed record columns. Everything else stays in the extracted-data bag.
const (
	FieldSolicitationNumber = "solicitation_number"
	FieldSite               = "site"
	FieldSourceURL          = "source_url"
	FieldReturnBy           = "return_by"
	FieldNSN                = "nsn"
	FieldVendorCode         = "vendor_code"
	FieldVendorPartNumber   = "vendor_part_number"
	FieldQuantity           = "quantity"
	FieldUnit               = "unit"
	FieldCondition          = "condition"
	FieldManufacturer       = "manufacturer"
	FieldDescription        = "description"
)

// scrapeProtected are the fields a successful scrape owns: email re-parses
// must not overwrite them afterwards.
var scrapeProtected = map[string]bool{
	FieldNSN:              true,
	FieldVendorPartNumber: true,
	FieldQuantity:         true,
	FieldUnit:             true,
	FieldCondition:        true,
	FieldManufacturer:     true,
	FieldDescription:      true,
}

// ApplyEmail merges email-extracted fields into rec, honoring the scrape
// precedence rule. Returns the names of fields actually written.
func ApplyEmail(rec *opstore.Opportunity, data *extraction.FieldMap) []string {
	scraped := rec.ScrapingStatus == opstore.ScrapeSuccess
	var written []string

	for _, name := range data.Names() {
		v := data.Get(name)
		if v.IsNull() {
			continue
		}
		if scraped && scrapeProtected[name] {
			continue
		}
		if setField(rec, name, v) {
			written = append(written, name)
		}
	}

	if payload, err := json.Marshal(data); err == nil {
		rec.ExtractedData = payload
	}
	return written
}

func setField(rec *opstore.Opportunity, name string, v extraction.Value) bool {
	switch name {
	case FieldSolicitationNumber:
		rec.SolicitationNumber = v.Str()
	case FieldSite:
		rec.Site = v.Str()
	case FieldSourceURL:
		rec.SourceURL = v.Str()
	case FieldReturnBy:
		if t, ok := v.Time(); ok {
			rec.ReturnBy = t.UnixMilli()
		} else {
			return false
		}
	case FieldNSN:
		rec.NSN = v.Str()
	case FieldVendorCode:
		rec.VendorCode = v.Str()
	case FieldVendorPartNumber:
		rec.VendorPartNumber = v.Str()
	case FieldQuantity:
		if n, ok := v.Num(); ok {
			rec.Quantity = int(n)
		} else {
			return false
		}
	case FieldUnit:
		rec.Unit = v.Str()
	case FieldCondition:
		rec.Condition = v.Str()
	case FieldManufacturer:
		rec.Manufacturer = v.Str()
	case FieldDescription:
		rec.Description = v.Str()
	default:
		return false
	}
	return true
}

// ApplyScrape copies the document's flattened first-item fields onto rec.
// Scraped values always win; empty scraped values never clear an existing
// email-derived value.
func ApplyScrape(rec *opstore.Opportunity, doc *docparse.Document) {
	if doc.NSN != "" {
		rec.NSN = doc.NSN
	}
	if doc.VendorCode != "" {
		rec.VendorCode = doc.VendorCode
	}
	if doc.VendorPartNumber != "" {
		rec.VendorPartNumber = doc.VendorPartNumber
	}
	if doc.Quantity > 0 {
		rec.Quantity = doc.Quantity
	}
	if doc.Unit != "" {
		rec.Unit = doc.Unit
	}
	if doc.Condition != "" {
		rec.Condition = doc.Condition
	}
	if doc.Description != "" {
		rec.Description = doc.Description
	}
	if payload, err := json.Marshal(doc); err == nil {
		rec.ScrapedData = payload
	}
}

// Splitter creates child records from multi-line-item documents.
type Splitter struct {
	store  *opstore.Store
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewSplitter creates a Splitter.
func NewSplitter(store *opstore.Store, led *ledger.Ledger, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Splitter{store: store, ledger: led, logger: logger}
}

// Split creates one child record per document line item. It runs only when
// the document has more than one line item, the record is not itself a
// child, and the record has never been split (ChildrenCount == 0 — the
// idempotency guard against re-splitting on re-scrape). The parent's
// ChildrenCount is stamped once after the loop, so a crash mid-loop leaves
// it at zero and the whole split retries cleanly.
func (sp *Splitter) Split(ctx context.Context, rec *opstore.Opportunity, doc *docparse.Document) (int, error) {
	if doc.TotalLineItems <= 1 || rec.IsChild() || rec.ChildrenCount > 0 {
		return 0, nil
	}

	log := sp.logger.With("tenant_id", rec.TenantID, "parent_id", rec.ID)
	docContext := condensedContext(doc)

	created := 0
	for _, item := range doc.LineItems {
		fp := ChildFingerprint(rec.SolicitationNumber, item)

		check, err := sp.ledger.Check(ctx, rec.TenantID, fp)
		if err != nil {
			return created, fmt.Errorf("enrich: ledger check: %w", err)
		}
		if check.Exists {
			log.Debug("enrich: child fingerprint already recorded", "fingerprint", fp, "line_item", item.Identifier)
			continue
		}

		child := childRecord(rec, item, fp, docContext)
		if err := sp.store.Create(ctx, child); err != nil {
			if errors.Is(err, opstore.ErrDuplicate) {
				log.Debug("enrich: child record already exists", "fingerprint", fp)
				continue
			}
			return created, fmt.Errorf("enrich: create child: %w", err)
		}
		if err := sp.ledger.Record(ctx, rec.TenantID, child.ID, fp); err != nil {
			return created, fmt.Errorf("enrich: record child fingerprint: %w", err)
		}
		created++
	}

	if created > 0 {
		if err := sp.store.SetChildrenCount(ctx, rec.TenantID, rec.ID, created); err != nil {
			return created, fmt.Errorf("enrich: stamp children count: %w", err)
		}
		rec.ChildrenCount = created
	}
	log.Info("enrich: split complete", "line_items", doc.TotalLineItems, "children_created", created)
	return created, nil
}

// ChildFingerprint derives a child's dedup key from the parent identity and
// the line item's own identity, so re-processing the same document can
// never create duplicate children.
func ChildFingerprint(parentSolicitation string, item docparse.LineItem) string {
	parts := make([]string, 0, 5)
	for _, s := range []string{
		parentSolicitation,
		item.Identifier,
		item.NSN,
		item.VendorCode,
		item.VendorPartNumber,
	} {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			parts = append(parts, s)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func childRecord(parent *opstore.Opportunity, item docparse.LineItem, fp string, docContext map[string]string) *opstore.Opportunity {
	child := &opstore.Opportunity{
		TenantID:           parent.TenantID,
		EmailMessageID:     parent.EmailMessageID,
		Fingerprint:        fp,
		ParentID:           parent.ID,
		SolicitationNumber: parent.SolicitationNumber,
		Site:               parent.Site,
		SourceURL:          parent.SourceURL,
		ReturnBy:           parent.ReturnBy,
		NSN:                item.NSN,
		VendorCode:         item.VendorCode,
		VendorPartNumber:   item.VendorPartNumber,
		Quantity:           item.Quantity,
		Unit:               item.Unit,
		Condition:          item.Condition,
		Manufacturer:       item.Manufacturer,
		Description:        item.Description,
	}
	snapshot := map[string]any{
		"line_item": item.Identifier,
		"context":   docContext,
	}
	if len(item.SubLineItems) > 0 {
		snapshot["sub_line_items"] = item.SubLineItems
	}
	if payload, err := json.Marshal(snapshot); err == nil {
		child.ExtractedData = payload
	}
	return child
}

// contextHeaderKeys are the document-level fields a child record keeps so
// it is readable without its parent.
var contextHeaderKeys = []string{
	"buyer", "buyer code", "contract type", "lead time", "delivery days", "fob point",
}

func condensedContext(doc *docparse.Document) map[string]string {
	out := make(map[string]string)
	for _, k := range contextHeaderKeys {
		if v, ok := doc.HeaderFields[k]; ok && v != "" {
			out[k] = v
		}
	}
	return out
}
