package docparse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// documentExtensions are file extensions treated as downloadable documents.
var documentExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".zip", ".tif", ".tiff", ".txt", ".rtf",
}

// attachmentPathSegments are URL path fragments the source site uses for
// attachment downloads.
var attachmentPathSegments = []string{
	"/attachments/", "/docs/", "dwnld", "batch_dwnld", "getdoc",
}

// harvestDownloadURLs collects outbound links that look like attached
// documents, preserving document order and de-duplicating.
func harvestDownloadURLs(doc *goquery.Document) []string {
	var urls []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || seen[href] {
			return
		}
		if isDocumentLink(href) {
			seen[href] = true
			urls = append(urls, href)
		}
	})
	return urls
}

func isDocumentLink(href string) bool {
	lower := strings.ToLower(href)
	// Strip a query string before testing the extension.
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range documentExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	for _, seg := range attachmentPathSegments {
		if strings.Contains(lower, seg) {
			return true
		}
	}
	return false
}

// classifyEntryMode labels the document "auto" when structured NSN or
// vendor-code data is present on any line item, "manual" when the notice
// relies on its attachments instead.
func classifyEntryMode(items []LineItem) string {
	for _, item := range items {
		if item.NSN != "" || item.VendorCode != "" {
			return EntryAuto
		}
	}
	return EntryManual
}
