package intake

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/procwatch/dbopen"
	"github.com/hazyhaar/procwatch/docparse"
	"github.com/hazyhaar/procwatch/dompolicy"
	"github.com/hazyhaar/procwatch/enrich"
	"github.com/hazyhaar/procwatch/extraction"
	"github.com/hazyhaar/procwatch/ledger"
	"github.com/hazyhaar/procwatch/opstore"
	"github.com/hazyhaar/procwatch/scrape"
	"github.com/hazyhaar/procwatch/vtq"
)

// rfqTemplate extracts a solicitation number, a quantity, and the source
// URL from a plain-text notice email.
func rfqTemplate() *TemplateBundle {
	return &TemplateBundle{
		Name: "dibbs-rfq",
		Template: extraction.Template{
			Mode: extraction.ModeSingle,
			Fields: []extraction.FieldRule{
				{Name: "sol_no", Pattern: `Solicitation:\s*(\S+)`, CaptureGroup: 1, Transform: "uppercase", Required: true},
				{Name: "qty", Pattern: `Quantity:\s*([\d,]+)`, CaptureGroup: 1, Transform: "number"},
				{Name: "url", Pattern: `(https?://\S+)`, CaptureGroup: 1},
			},
		},
		Schema: extraction.OutputSchema{
			FingerprintFields: []string{"sol_no"},
			FieldMapping: map[string]string{
				"sol_no": enrich.FieldSolicitationNumber,
				"qty":    enrich.FieldQuantity,
				"url":    enrich.FieldSourceURL,
			},
		},
		ScrapingEnabled: true,
		Policy:          &dompolicy.Policy{Domain: "127.0.0.1", Enabled: true, Timeout: time.Second},
	}
}

type testRig struct {
	svc    *Service
	store  *opstore.Store
	ledger *ledger.Ledger
	fetchQ *vtq.Q
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(opstore.Schema),
		dbopen.WithSchema(ledger.Schema),
		dbopen.WithSchema(dompolicy.Schema),
	)

	parseQ := vtq.New(db, vtq.Options{Queue: "parse_email"})
	fetchQ := vtq.New(db, vtq.Options{Queue: "fetch_url"})
	if err := parseQ.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	store := opstore.New(db)
	led := ledger.New(db)
	policies := dompolicy.NewStore(db)
	orch := scrape.New(scrape.Config{}, scrape.NewFetcher(scrape.FetcherConfig{}, nil),
		docparse.New(nil), policies, store, nil, nil,
		scrape.WithSleep(func(context.Context, time.Duration) error { return nil }))

	svc := NewService(Config{}, extraction.New(nil), led, store, orch,
		enrich.NewSplitter(store, led, nil),
		map[string]*TemplateBundle{"tmpl-1": rfqTemplate()},
		parseQ, fetchQ, nil)
	return &testRig{svc: svc, store: store, ledger: led, fetchQ: fetchQ}
}

const rfqEmail = `Solicitation: spe7l5-26-q-0042
Quantity: 1,500
Details: https://dibbs.bsm.dla.mil/rfq/0042`

func TestHandleEmailCreatesRecordAndEnqueuesFetch(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	msg := &EmailMessage{TenantID: "t1", MessageID: "msg-1", Body: rfqEmail, TemplateID: "tmpl-1"}
	if err := rig.svc.HandleEmail(ctx, msg); err != nil {
		t.Fatalf("handle email: %v", err)
	}

	recs, err := rig.store.List(ctx, "t1", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: %d", len(recs))
	}
	rec := recs[0]
	if rec.SolicitationNumber != "SPE7L5-26-Q-0042" {
		t.Errorf("solicitation (uppercase transform): %q", rec.SolicitationNumber)
	}
	if rec.Quantity != 1500 {
		t.Errorf("quantity: %d", rec.Quantity)
	}
	if rec.SourceURL != "https://dibbs.bsm.dla.mil/rfq/0042" {
		t.Errorf("source url: %q", rec.SourceURL)
	}

	check, err := rig.ledger.Check(ctx, "t1", rec.Fingerprint)
	if err != nil || !check.Exists || check.RecordID != rec.ID {
		t.Errorf("ledger after create: %+v err=%v", check, err)
	}

	n, err := rig.fetchQ.Pending(ctx, "t1")
	if err != nil || n != 1 {
		t.Errorf("fetch jobs pending: %d err=%v", n, err)
	}
}

func TestHandleEmailRedeliveryIsIdempotent(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	msg := &EmailMessage{TenantID: "t1", MessageID: "msg-1", Body: rfqEmail, TemplateID: "tmpl-1"}
	if err := rig.svc.HandleEmail(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := rig.svc.HandleEmail(ctx, msg); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	recs, _ := rig.store.List(ctx, "t1", "", 10)
	if len(recs) != 1 {
		t.Errorf("records after redelivery: %d", len(recs))
	}
	n, _ := rig.fetchQ.Pending(ctx, "t1")
	if n != 1 {
		t.Errorf("fetch jobs after redelivery: %d", n)
	}
}

func TestHandleEmailUnknownTemplate(t *testing.T) {
	rig := newRig(t)
	msg := &EmailMessage{TenantID: "t1", MessageID: "m", Body: "x", TemplateID: "nope"}
	if err := rig.svc.HandleEmail(context.Background(), msg); err == nil {
		t.Fatal("unknown template must error")
	}
}

func TestHandleFetchSuccessEnrichesAndSplits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<h2>Line Item 0001</h2>
			<table><tr><td>NSN:</td><td>5310-01-111-2222</td></tr>
			<tr><td>Quantity:</td><td>25 EA</td></tr></table>
			<h2>Line Item 0002</h2>
			<table><tr><td>NSN:</td><td>5310-01-333-4444</td></tr>
			<tr><td>Quantity:</td><td>10 EA</td></tr></table>
			</body></html>`))
	}))
	defer srv.Close()

	rig := newRig(t)
	ctx := context.Background()

	rec := &opstore.Opportunity{
		TenantID:           "t1",
		Fingerprint:        "fp-parent",
		SolicitationNumber: "SPE7L5-26-Q-0042",
		SourceURL:          srv.URL,
	}
	if err := rig.store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	halt, err := rig.svc.HandleFetch(ctx, &FetchMessage{TenantID: "t1", RecordID: rec.ID, TemplateID: "tmpl-1", URL: srv.URL})
	if err != nil {
		t.Fatalf("handle fetch: %v", err)
	}
	if halt {
		t.Error("success must not halt")
	}

	got, _ := rig.store.Get(ctx, "t1", rec.ID)
	if got.ScrapingStatus != opstore.ScrapeSuccess {
		t.Fatalf("status: %q (%s)", got.ScrapingStatus, got.ScrapingError)
	}
	if got.NSN != "5310-01-111-2222" || got.Quantity != 25 {
		t.Errorf("enriched fields: %+v", got)
	}
	if got.ChildrenCount != 2 {
		t.Errorf("children count: %d", got.ChildrenCount)
	}
	kids, _ := rig.store.Children(ctx, "t1", rec.ID)
	if len(kids) != 2 {
		t.Errorf("children: %d", len(kids))
	}

	// Redelivery of the fetch job must not split again.
	if _, err := rig.svc.HandleFetch(ctx, &FetchMessage{TenantID: "t1", RecordID: rec.ID, TemplateID: "tmpl-1", URL: srv.URL}); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	kids, _ = rig.store.Children(ctx, "t1", rec.ID)
	if len(kids) != 2 {
		t.Errorf("children after refetch: %d", len(kids))
	}
}

func TestHandleFetchErrorPageDrainsTenantLane(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("An Error Has Occured"))
	}))
	defer srv.Close()

	rig := newRig(t)
	ctx := context.Background()

	// Several queued fetch jobs for the tenant, plus one for another tenant.
	var firstJob *FetchMessage
	for i := 0; i < 3; i++ {
		rec := &opstore.Opportunity{TenantID: "t1", Fingerprint: "fp-" + string(rune('a'+i)), SourceURL: srv.URL}
		if err := rig.store.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
		msg := &FetchMessage{TenantID: "t1", RecordID: rec.ID, TemplateID: "tmpl-1", URL: srv.URL}
		if err := rig.svc.EnqueueFetch(ctx, msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if firstJob == nil {
			firstJob = msg
		}
	}
	other := &opstore.Opportunity{TenantID: "t2", Fingerprint: "fp-x", SourceURL: srv.URL}
	if err := rig.store.Create(ctx, other); err != nil {
		t.Fatalf("create other: %v", err)
	}
	if err := rig.svc.EnqueueFetch(ctx, &FetchMessage{TenantID: "t2", RecordID: other.ID, TemplateID: "tmpl-1", URL: srv.URL}); err != nil {
		t.Fatalf("enqueue other: %v", err)
	}

	// Claim and run the first t1 job through the queue-owning handler.
	job, err := rig.fetchQ.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if err := rig.svc.handleFetchJob(ctx, job); err != nil {
		t.Fatalf("handle fetch job: %v", err)
	}
	// The dispatcher acks on a nil handler return; do the same here.
	if err := rig.fetchQ.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	n, _ := rig.fetchQ.Pending(ctx, "t1")
	if n != 0 {
		t.Errorf("t1 lane not drained: %d pending", n)
	}
	n, _ = rig.fetchQ.Pending(ctx, "t2")
	if n != 1 {
		t.Errorf("t2 lane must survive the drain: %d pending", n)
	}

	got, _ := rig.store.Get(ctx, "t1", firstJob.RecordID)
	if got.ScrapingStatus != opstore.ScrapeErrorPage {
		t.Errorf("status: %q", got.ScrapingStatus)
	}
}

func TestEmailText(t *testing.T) {
	// HTML body: tags stripped, block boundaries become newlines.
	htmlBody := `<html><body><p>Solicitation: SPE7L5-26-Q-0042</p><p>Quantity: 25</p></body></html>`
	text, err := EmailText(htmlBody, "text/html; charset=utf-8")
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if !strings.Contains(text, "Solicitation: SPE7L5-26-Q-0042") {
		t.Errorf("html text: %q", text)
	}
	if !strings.Contains(text, "\n") {
		t.Error("block boundaries must become line breaks")
	}

	// Entities unescaped after stripping.
	text, err = EmailText(`<p>Buyer &amp; Co</p>`, "text/html")
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if !strings.Contains(text, "Buyer & Co") {
		t.Errorf("entity text: %q", text)
	}

	// Plain text passes through.
	text, err = EmailText("Solicitation: X\nQuantity: 2", "text/plain; charset=utf-8")
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	if text != "Solicitation: X\nQuantity: 2" {
		t.Errorf("plain text: %q", text)
	}

	// Legacy single-byte charset decodes.
	text, err = EmailText("Qt\xe9: 5", "text/plain; charset=windows-1252")
	if err != nil {
		t.Fatalf("charset: %v", err)
	}
	if !strings.Contains(text, "Qté: 5") {
		t.Errorf("decoded text: %q", text)
	}
}
