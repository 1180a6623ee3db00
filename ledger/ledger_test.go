package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/procwatch/dbopen"
)

func testLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db, opts...)
}

func TestRecordThenCheck(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, "tenant-a", "opp_1", "abc123"); err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := l.Check(ctx, "tenant-a", "abc123")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Exists {
		t.Fatal("expected exists")
	}
	if res.RecordID != "opp_1" {
		t.Errorf("record id: got %q", res.RecordID)
	}
	if res.Action != "" {
		t.Errorf("action: got %q, want empty on fresh record", res.Action)
	}

	// Tenant isolation.
	other, _ := l.Check(ctx, "tenant-b", "abc123")
	if other.Exists {
		t.Error("fingerprint must not leak across tenants")
	}
}

func TestCheckResolvesTiesByRecency(t *testing.T) {
	// WHAT: with legacy duplicate rows for one key, the newest row governs.
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := testLedger(t, WithClock(clock))
	ctx := context.Background()

	l.Record(ctx, "t", "opp_old", "dup")
	now = now.Add(time.Hour)
	l.Record(ctx, "t", "opp_new", "dup")

	res, err := l.Check(ctx, "t", "dup")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.RecordID != "opp_new" {
		t.Errorf("record id: got %q, want opp_new (latest)", res.RecordID)
	}
}

func TestCheckMany(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	l.Record(ctx, "t", "opp_1", "fp-a")
	l.Record(ctx, "t", "opp_2", "fp-b")

	res, err := l.CheckMany(ctx, "t", []string{"fp-a", "fp-b", "fp-missing"})
	if err != nil {
		t.Fatalf("check many: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("entries: got %d, want 3 (one per requested fp)", len(res))
	}
	if !res["fp-a"].Exists || res["fp-a"].RecordID != "opp_1" {
		t.Errorf("fp-a: %+v", res["fp-a"])
	}
	if res["fp-missing"].Exists {
		t.Error("fp-missing must default to not found")
	}
}

func TestCheckManyEmpty(t *testing.T) {
	l := testLedger(t)
	res, err := l.CheckMany(context.Background(), "t", nil)
	if err != nil {
		t.Fatalf("check many: %v", err)
	}
	if len(res) != 0 {
		t.Errorf("entries: got %d, want 0", len(res))
	}
}

func TestUpdateAction(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	l.Record(ctx, "t", "opp_1", "fp-a")
	if err := l.UpdateAction(ctx, "t", "opp_1", ActionNotInterested); err != nil {
		t.Fatalf("update action: %v", err)
	}
	res, _ := l.Check(ctx, "t", "fp-a")
	if res.Action != ActionNotInterested {
		t.Errorf("action: got %q", res.Action)
	}

	if err := l.UpdateAction(ctx, "t", "opp_unknown", ActionHidden); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveReopensWindow(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	l.Record(ctx, "t", "opp_1", "fp-a")
	if err := l.Remove(ctx, "t", "opp_1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	res, _ := l.Check(ctx, "t", "fp-a")
	if res.Exists {
		t.Error("removed fingerprint must no longer exist")
	}
}
