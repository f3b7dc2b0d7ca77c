package ledger

import (
	"context"
	"fmt"
	"testing"

	xerrors "AutoSwap-Chain/internal/errors"
)

const testOwner = "0x49c4f4b258b715a4d50e6642f325946e62a6b7ba"

func seedRecord(t *testing.T, store *MemoryStore, id string, status Status, createdAt int64) {
	t.Helper()
	err := store.Append(context.Background(), &Record{
		ID:        id,
		Owner:     testOwner,
		RuleID:    "rule-1",
		Status:    status,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusBridging, true},
		{StatusPending, StatusSuccess, true},
		{StatusPending, StatusFailed, true},
		{StatusBridging, StatusSuccess, true},
		{StatusBridging, StatusFailed, true},
		{StatusBridging, StatusPending, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusSuccess, false},
		{StatusSuccess, StatusPending, false},
		{StatusPending, StatusPending, true},
		{StatusSuccess, StatusSuccess, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			if got := tc.from.CanAdvanceTo(tc.to); got != tc.ok {
				t.Fatalf("CanAdvanceTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
			}
		})
	}
}

func TestUpdateStatusMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedRecord(t, store, "rec-1", StatusPending, 100)

	err := store.UpdateStatus(ctx, "rec-1", StatusUpdate{
		Status: StatusBridging,
		TxHash: "0xaaa",
	})
	if err != nil {
		t.Fatalf("advance to bridging: %v", err)
	}

	err = store.UpdateStatus(ctx, "rec-1", StatusUpdate{
		Status:     StatusSuccess,
		DestTxHash: "0xbbb",
	})
	if err != nil {
		t.Fatalf("advance to success: %v", err)
	}

	record, err := store.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusSuccess {
		t.Fatalf("unexpected status %s", record.Status)
	}
	if record.TxHash != "0xaaa" || record.DestTxHash != "0xbbb" {
		t.Fatalf("hashes not retained: %q %q", record.TxHash, record.DestTxHash)
	}

	err = store.UpdateStatus(ctx, "rec-1", StatusUpdate{Status: StatusPending})
	if err == nil {
		t.Fatalf("expected regression to be rejected")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeConflict {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestUpdateStatusUnknownRecord(t *testing.T) {
	store := NewMemoryStore()
	err := store.UpdateStatus(context.Background(), "missing", StatusUpdate{Status: StatusSuccess})
	if err == nil {
		t.Fatalf("expected not found")
	}
	if code := xerrors.CodeOf(err); code != CodeRecordNotFound {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestListByOwnerNewestFirstWithLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedRecord(t, store, "old", StatusSuccess, 100)
	seedRecord(t, store, "mid", StatusFailed, 200)
	seedRecord(t, store, "new", StatusPending, 300)

	records, err := store.ListByOwner(ctx, testOwner, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "new" || records[1].ID != "mid" {
		t.Fatalf("unexpected order: %s, %s", records[0].ID, records[1].ID)
	}

	all, err := store.ListByOwner(ctx, testOwner, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
}

func TestStatsByOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedRecord(t, store, "a", StatusSuccess, 100)
	seedRecord(t, store, "b", StatusSuccess, 110)
	seedRecord(t, store, "c", StatusFailed, 120)
	seedRecord(t, store, "d", StatusPending, 130)
	seedRecord(t, store, "e", StatusBridging, 140)

	stats, err := store.StatsByOwner(ctx, testOwner)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Success != 2 || stats.Failed != 1 || stats.Pending != 1 || stats.Bridging != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	empty, err := store.StatsByOwner(ctx, "0x0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("stats empty: %v", err)
	}
	if empty.Total != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}
