package outbox

import (
	"testing"
	"time"
)

func TestSweeperRemovesAgedSyncedItemsOnly(t *testing.T) {
	store, err := NewStore(NewInMemoryStateBackend())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	old := now.Add(-8 * 24 * time.Hour)
	recent := now.Add(-time.Hour)
	seed := []QueuedMutation{
		{ID: "aged-synced", Kind: KindCreateRecord, State: StateSynced, EnqueuedAt: old},
		{ID: "fresh-synced", Kind: KindCreateRecord, State: StateSynced, EnqueuedAt: recent},
		{ID: "aged-failed", Kind: KindDecision, State: StateFailedPermanently, EnqueuedAt: old},
		{ID: "aged-pending", Kind: KindDecision, State: StatePending, EnqueuedAt: old},
	}
	for _, m := range seed {
		if err := store.Append(m); err != nil {
			t.Fatalf("append %s failed: %v", m.ID, err)
		}
	}

	sweeper := NewSweeper(store, DefaultRetentionWindow, nil)
	sweeper.now = func() time.Time { return now }

	removed, err := sweeper.SweepOnce()
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := store.Get("aged-synced"); ok {
		t.Fatalf("expected aged synced item removed")
	}
	for _, id := range []string{"fresh-synced", "aged-failed", "aged-pending"} {
		if _, ok := store.Get(id); !ok {
			t.Fatalf("expected %s retained", id)
		}
	}
}

func TestSweeperIdempotentWhenNothingEligible(t *testing.T) {
	store, err := NewStore(NewInMemoryStateBackend())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	sweeper := NewSweeper(store, time.Hour, nil)
	for i := 0; i < 2; i++ {
		removed, err := sweeper.SweepOnce()
		if err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
		if removed != 0 {
			t.Fatalf("expected no removals from empty queue, got %d", removed)
		}
	}
}
