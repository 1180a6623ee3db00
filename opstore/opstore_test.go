package opstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/procwatch/dbopen"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &Opportunity{
		TenantID:           "t1",
		EmailMessageID:     "msg-1",
		Fingerprint:        "abc123",
		SolicitationNumber: "SPE7L5-26-Q-0042",
		SourceURL:          "https://dibbs.bsm.dla.mil/rfq/1",
		ExtractedData:      json.RawMessage(`{"qty":25}`),
	}
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID == "" {
		t.Fatal("create must assign an ID")
	}

	got, err := s.Get(ctx, "t1", o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusActive || got.ScrapingStatus != ScrapePending {
		t.Errorf("defaults: status=%q scraping=%q", got.Status, got.ScrapingStatus)
	}
	if string(got.ExtractedData) != `{"qty":25}` {
		t.Errorf("extracted data round-trip: %s", got.ExtractedData)
	}

	// Other tenant cannot see it.
	if _, err := s.Get(ctx, "t2", o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant get: %v", err)
	}
}

func TestCreateDuplicateFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Opportunity{TenantID: "t1", EmailMessageID: "msg-1", Fingerprint: "fp1"}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("first create: %v", err)
	}
	b := &Opportunity{TenantID: "t1", EmailMessageID: "msg-1", Fingerprint: "fp1"}
	if err := s.Create(ctx, b); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate create: %v", err)
	}

	// Same fingerprint under a different message is a distinct record.
	c := &Opportunity{TenantID: "t1", EmailMessageID: "msg-2", Fingerprint: "fp1"}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("other-message create: %v", err)
	}
}

func TestScrapingStatusAndSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &Opportunity{TenantID: "t1", Fingerprint: "fp1"}
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetScrapingStatus(ctx, "t1", o.ID, ScrapeTimeout, "context deadline exceeded"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := s.Get(ctx, "t1", o.ID)
	if got.ScrapingStatus != ScrapeTimeout || got.ScrapingError == "" {
		t.Errorf("after status: %+v", got)
	}

	got.ScrapingStatus = ScrapeSuccess
	got.ScrapingError = ""
	got.NSN = "5310-01-111-2222"
	got.Quantity = 25
	got.ScrapedData = json.RawMessage(`{"total_line_items":1}`)
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ = s.Get(ctx, "t1", o.ID)
	if got.NSN != "5310-01-111-2222" || got.ScrapingStatus != ScrapeSuccess {
		t.Errorf("after save: %+v", got)
	}
	if string(got.ScrapedData) != `{"total_line_items":1}` {
		t.Errorf("scraped data: %s", got.ScrapedData)
	}

	if err := s.SetScrapingStatus(ctx, "t1", "nope", ScrapeFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record: %v", err)
	}
}

func TestChildrenAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := &Opportunity{TenantID: "t1", Fingerprint: "fp-parent"}
	if err := s.Create(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	for _, fp := range []string{"fp-c1", "fp-c2"} {
		child := &Opportunity{TenantID: "t1", Fingerprint: fp, ParentID: parent.ID}
		if err := s.Create(ctx, child); err != nil {
			t.Fatalf("create child %s: %v", fp, err)
		}
		if !child.IsChild() {
			t.Error("child must report IsChild")
		}
	}
	if err := s.SetChildrenCount(ctx, "t1", parent.ID, 2); err != nil {
		t.Fatalf("set children count: %v", err)
	}

	kids, err := s.Children(ctx, "t1", parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(kids) != 2 || kids[0].Fingerprint != "fp-c1" {
		t.Errorf("children order: %+v", kids)
	}

	got, _ := s.Get(ctx, "t1", parent.ID)
	if got.ChildrenCount != 2 {
		t.Errorf("children count: %d", got.ChildrenCount)
	}
}

func TestSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &Opportunity{TenantID: "t1", Fingerprint: "fp1"}
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SoftDelete(ctx, "t1", o.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.Get(ctx, "t1", o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted record visible: %v", err)
	}
	// Second delete hits no live row.
	if err := s.SoftDelete(ctx, "t1", o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &Opportunity{TenantID: "t1", Fingerprint: "fp1"}
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SaveSnapshot(ctx, "t1", o.ID, "<html>v1</html>", "# v1"); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	// Replaces on refetch.
	if err := s.SaveSnapshot(ctx, "t1", o.ID, "<html>v2</html>", "# v2"); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	body, md, err := s.GetSnapshot(ctx, "t1", o.ID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if body != "<html>v2</html>" || md != "# v2" {
		t.Errorf("snapshot: %q %q", body, md)
	}
}

func TestListAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{ScrapePending, ScrapePending, ScrapeSuccess} {
		o := &Opportunity{TenantID: "t1", Fingerprint: "fp" + string(rune('a'+i))}
		if err := s.Create(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
		if status != ScrapePending {
			if err := s.SetScrapingStatus(ctx, "t1", o.ID, status, ""); err != nil {
				t.Fatalf("set status: %v", err)
			}
		}
	}

	all, err := s.List(ctx, "t1", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("list all: %d", len(all))
	}
	pending, err := s.List(ctx, "t1", ScrapePending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("list pending: %d", len(pending))
	}

	stats, err := s.Stats(ctx, "t1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[ScrapePending] != 2 || stats[ScrapeSuccess] != 1 {
		t.Errorf("stats: %v", stats)
	}
}
