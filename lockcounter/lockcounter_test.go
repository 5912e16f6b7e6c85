package lockcounter

import (
	"sync"
	"testing"

	"github.com/mod-vdo/vdocore/types"
)

func TestLockCounter_InitializeSetsPerEntryLock(t *testing.T) {
	lc := New(4, 311, 1, 1, nil, nil)
	lc.Initialize(0)
	if got, want := lc.PerEntryLock(0), int32(312); got != want {
		t.Fatalf("PerEntryLock = %d, want %d", got, want)
	}
}

func TestLockCounter_AcquireReleaseAggregate(t *testing.T) {
	lc := New(4, 311, 2, 1, nil, nil)

	if lc.IsLocked(0, types.ZoneTypeLogical) {
		t.Fatal("fresh slot should not be locked")
	}

	lc.Acquire(0, types.ZoneTypeLogical, 0)
	if !lc.IsLocked(0, types.ZoneTypeLogical) {
		t.Fatal("expected locked after Acquire")
	}
	lc.Acquire(0, types.ZoneTypeLogical, 1)

	if err := lc.Release(0, types.ZoneTypeLogical, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !lc.IsLocked(0, types.ZoneTypeLogical) {
		t.Fatal("still one zone holding a reference, should remain locked")
	}

	if err := lc.Release(0, types.ZoneTypeLogical, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if lc.IsLocked(0, types.ZoneTypeLogical) {
		t.Fatal("expected unlocked once all zones release")
	}
}

func TestLockCounter_ReleaseNegativeIsError(t *testing.T) {
	lc := New(2, 311, 1, 1, nil, nil)
	if err := lc.Release(0, types.ZoneTypeLogical, 0); err != ErrCountNegative {
		t.Fatalf("expected ErrCountNegative, got %v", err)
	}
}

func TestLockCounter_OnUnlockCoalescesUntilAcknowledged(t *testing.T) {
	var notifications int
	lc := New(2, 311, 1, 1, func(block int, zt types.ZoneType) {
		notifications++
	}, nil)

	lc.Acquire(0, types.ZoneTypeLogical, 0)
	lc.Release(0, types.ZoneTypeLogical, 0)
	if notifications != 1 {
		t.Fatalf("notifications = %d, want 1", notifications)
	}

	// A second acquire/release cycle on the same block and zone before
	// Acknowledge must coalesce into the notification already pending.
	lc.Acquire(0, types.ZoneTypeLogical, 0)
	lc.Release(0, types.ZoneTypeLogical, 0)
	if notifications != 1 {
		t.Fatalf("notification should have coalesced while unacknowledged, got %d", notifications)
	}

	lc.Acknowledge(0, types.ZoneTypeLogical)
	lc.Acquire(0, types.ZoneTypeLogical, 0)
	lc.Release(0, types.ZoneTypeLogical, 0)
	if notifications != 2 {
		t.Fatalf("notifications after acknowledge+retrigger = %d, want 2", notifications)
	}
}

func TestLockCounter_ReleaseJournalZoneReferenceFastPath(t *testing.T) {
	lc := New(1, 4, 1, 1, nil, nil)
	lc.Initialize(0)
	for i := 0; i < 5; i++ {
		if err := lc.ReleaseJournalZoneReference(0); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if err := lc.ReleaseJournalZoneReference(0); err != ErrCountNegative {
		t.Fatalf("expected ErrCountNegative once exhausted, got %v", err)
	}
}

func TestLockCounter_StatsSnapshot(t *testing.T) {
	lc := New(3, 311, 1, 1, nil, nil)
	lc.Initialize(0)
	lc.Initialize(1)
	lc.Acquire(0, types.ZoneTypeLogical, 0)
	lc.Acquire(1, types.ZoneTypePhysical, 0)

	stats := lc.Stats()
	if stats.Slots != 3 {
		t.Fatalf("Slots = %d, want 3", stats.Slots)
	}
	if stats.LogicalLocked != 1 {
		t.Fatalf("LogicalLocked = %d, want 1", stats.LogicalLocked)
	}
	if stats.PhysicalLocked != 1 {
		t.Fatalf("PhysicalLocked = %d, want 1", stats.PhysicalLocked)
	}
	if stats.MaxPerEntry != 312 {
		t.Fatalf("MaxPerEntry = %d, want 312", stats.MaxPerEntry)
	}
}

func TestLockCounter_Concurrent(t *testing.T) {
	lc := New(1, 311, 8, 8, nil, nil)

	var wg sync.WaitGroup
	for zone := 0; zone < 8; zone++ {
		wg.Add(1)
		go func(zoneID int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				lc.Acquire(0, types.ZoneTypeLogical, zoneID)
				lc.Release(0, types.ZoneTypeLogical, zoneID)
			}
		}(zone)
	}
	wg.Wait()

	if lc.IsLocked(0, types.ZoneTypeLogical) {
		t.Fatal("expected fully released after balanced acquire/release")
	}
}
