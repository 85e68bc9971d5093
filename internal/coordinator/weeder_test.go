/*
   Copyright The fncache Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package coordinator

import (
	"testing"
	"time"

	"fncache/internal/bitset"
)

func mustSparse(cis ...uint32) *bitset.Sparse {
	s := bitset.NewSparse()
	for _, ci := range cis {
		s.Set(ci)
	}
	return s
}

func TestWeederRecoveringFalseWhenNotDeleting(t *testing.T) {
	c := newTestCoordinator(t)
	recovering, err := c.WeederRecovering("tok-1", false)
	if err != nil {
		t.Fatalf("WeederRecovering: %v", err)
	}
	if recovering {
		t.Fatalf("expected WeederRecovering false when no weeder is already live")
	}
}

func TestWeederRecoveringReportsLiveWeederBusy(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.WeederRecovering("tok-1", false); err != nil {
		t.Fatalf("WeederRecovering: %v", err)
	}
	recovering, err := c.WeederRecovering("tok-2", false)
	if err != nil {
		t.Fatalf("WeederRecovering: %v", err)
	}
	if !recovering {
		t.Fatalf("expected a second token to see the first weeder as still live")
	}
}

func TestWeederRecoveringClearsStaleHitFilter(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.scalarStore.SetHitFilter(mustSparse(5, 6)); err != nil {
		t.Fatalf("SetHitFilter: %v", err)
	}
	if _, err := c.WeederRecovering("tok-1", false); err != nil {
		t.Fatalf("WeederRecovering: %v", err)
	}
	hf, err := c.scalarStore.GetHitFilter()
	if err != nil {
		t.Fatalf("GetHitFilter: %v", err)
	}
	if !hf.IsEmpty() {
		t.Fatalf("expected WeederRecovering to clear a stale hit filter when not resuming a completed mark")
	}
}

func TestStartMarkFreezesLeasesAndReturnsUsedCIsSnapshot(t *testing.T) {
	c := newTestCoordinator(t)
	_, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	snapshot, _, err := c.StartMark("tok-1")
	if err != nil {
		t.Fatalf("StartMark: %v", err)
	}
	if !snapshot.IsSet(ci) {
		t.Fatalf("expected StartMark's used_cis snapshot to include ci %d", ci)
	}
	if !c.leases.frozen {
		t.Fatalf("expected StartMark to freeze the lease table")
	}

	if err := c.ResumeLeaseExp("tok-1"); err != nil {
		t.Fatalf("ResumeLeaseExp: %v", err)
	}
	if c.leases.frozen {
		t.Fatalf("expected ResumeLeaseExp to unfreeze the lease table")
	}
}

func TestStartMarkWaitsForDeletionToFinish(t *testing.T) {
	c := newTestCoordinator(t)
	_, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if err := c.SetHitFilter("tok-1", []uint32{ci}); err != nil {
		t.Fatalf("SetHitFilter: %v", err)
	}
	if _, err := c.EndMark("tok-1", []uint32{ci}, nil); err != nil {
		t.Fatalf("EndMark: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := c.StartMark("tok-2"); err != nil {
			t.Errorf("StartMark: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("StartMark did not return after the deletion worker finished")
	}
}

func TestEndMarkRunsDeletionWorkerToCompletion(t *testing.T) {
	c := newTestCoordinator(t)
	_, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	if err := c.SetHitFilter("tok-1", []uint32{ci}); err != nil {
		t.Fatalf("SetHitFilter: %v", err)
	}
	if _, err := c.EndMark("tok-1", []uint32{ci}, nil); err != nil {
		t.Fatalf("EndMark: %v", err)
	}

	// The deletion worker runs in the background; wait (bounded) for
	// it to clear the deleting flag before asserting on the result.
	deadline := time.Now().Add(5 * time.Second)
	for {
		deleting, err := c.scalarStore.GetDeleting()
		if err != nil {
			t.Fatalf("GetDeleting: %v", err)
		}
		if !deleting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deletion worker did not clear the deleting flag in time")
		}
		time.Sleep(time.Millisecond)
	}

	if c.usedCIs.IsSet(ci) {
		t.Fatalf("expected ci %d to be reclaimed from used_cis after deletion", ci)
	}
}

func TestEndMarkNoopWithoutPriorSetHitFilter(t *testing.T) {
	c := newTestCoordinator(t)
	_, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	// No SetHitFilter call precedes this: the cache is still Idle, not
	// Filtered, so EndMark must not advance to Deleting.
	if _, err := c.EndMark("tok-1", []uint32{ci}, nil); err != nil {
		t.Fatalf("EndMark: %v", err)
	}
	deleting, err := c.scalarStore.GetDeleting()
	if err != nil {
		t.Fatalf("GetDeleting: %v", err)
	}
	if deleting {
		t.Fatalf("expected EndMark to be a no-op when the cache was not Filtered")
	}
}

func TestEndMarkRejectsEmptyCIs(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.EndMark("tok-1", nil, nil); err == nil {
		t.Fatalf("expected EndMark to reject an empty cis list")
	}
}

func TestSetHitFilterInstallsScreen(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.SetHitFilter("tok-1", []uint32{5, 6}); err != nil {
		t.Fatalf("SetHitFilter: %v", err)
	}
	hf, err := c.scalarStore.GetHitFilter()
	if err != nil {
		t.Fatalf("GetHitFilter: %v", err)
	}
	if !hf.IsSet(5) || !hf.IsSet(6) {
		t.Fatalf("expected hit filter to contain both installed cis")
	}
}

func TestSetHitFilterRejectsWhileDeleting(t *testing.T) {
	c := newTestCoordinator(t)
	_, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if err := c.SetHitFilter("tok-1", []uint32{ci}); err != nil {
		t.Fatalf("SetHitFilter: %v", err)
	}
	if _, err := c.EndMark("tok-1", []uint32{ci}, nil); err != nil {
		t.Fatalf("EndMark: %v", err)
	}

	if err := c.SetHitFilter("tok-1", []uint32{ci}); err == nil {
		t.Fatalf("expected SetHitFilter to reject while deleting")
	}
}
