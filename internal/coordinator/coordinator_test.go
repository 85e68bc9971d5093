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

	"go.uber.org/goleak"

	"fncache/internal/fingerprint"
)

// TestMain verifies that every background goroutine a Coordinator
// spawns (async flushes, cache-log cleans, the deletion worker) is
// joined by Close before the test binary exits.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := Open(Config{Root: t.TempDir(), LeaseTTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})
	return c
}

func pk(s string) fingerprint.Tag { return fingerprint.New([]byte(s)) }

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := newTestCoordinator(t)
	res, err := c.Lookup(pk("pk-1"), 0, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Result != ResultMiss {
		t.Fatalf("expected ResultMiss on an empty cache, got %v", res.Result)
	}
}

func TestLookupEpochMismatch(t *testing.T) {
	c := newTestCoordinator(t)
	// NamesEpoch for a freshly created PK starts at 0; any other id
	// must report a mismatch rather than a plain miss.
	res, err := c.Lookup(pk("pk-1"), 99, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Result != ResultFVMismatch {
		t.Fatalf("expected ResultFVMismatch, got %v", res.Result)
	}
}

func TestAddEntryThenLookupHits(t *testing.T) {
	c := newTestCoordinator(t)
	target := pk("pk-1")

	names := []string{"a", "b"}
	fps := []fingerprint.Tag{pk("a-val"), pk("b-val")}

	res, ci, err := c.AddEntry(target, names, fps, []byte("value"), 7, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if res != EntryAdded {
		t.Fatalf("expected EntryAdded, got %v", res)
	}

	vpk, _, err := c.FindVPKFile(target)
	if err != nil {
		t.Fatalf("FindVPKFile: %v", err)
	}
	vpk.Mu.Lock()
	namesEpoch := vpk.NamesEpoch
	vpk.Mu.Unlock()

	lookup, err := c.Lookup(target, namesEpoch, fps)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if lookup.Result != ResultHit {
		t.Fatalf("expected ResultHit after AddEntry, got %v", lookup.Result)
	}
	if lookup.CI != ci {
		t.Fatalf("expected hit on ci %d, got %d", ci, lookup.CI)
	}
	if string(lookup.Value) != "value" {
		t.Fatalf("expected value %q, got %q", "value", lookup.Value)
	}
}

func TestAddEntryRejectsUnleasedKid(t *testing.T) {
	c := newTestCoordinator(t)
	res, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, []uint32{999}, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if res != NoLease {
		t.Fatalf("expected NoLease when a kid CI has no lease, got %v", res)
	}
	// The CI was still allocated (and is still present in used_cis)
	// even though no entry references it.
	if !c.usedCIs.IsSet(ci) {
		t.Fatalf("expected allocated ci %d to remain in used_cis", ci)
	}
}

func TestAddEntryNamesFpsLengthMismatch(t *testing.T) {
	c := newTestCoordinator(t)
	_, _, err := c.AddEntry(pk("pk-1"), []string{"a"}, nil, []byte("v"), 1, nil, "source.func")
	if err == nil {
		t.Fatalf("expected an error for mismatched names/fps length")
	}
}

func TestNoHitsConfigForcesMiss(t *testing.T) {
	c, err := Open(Config{Root: t.TempDir(), LeaseTTL: time.Hour, NoHits: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	target := pk("pk-1")
	names := []string{"a"}
	fps := []fingerprint.Tag{pk("a-val")}
	if _, _, err := c.AddEntry(target, names, fps, []byte("v"), 1, nil, "source.func"); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	vpk, _, err := c.FindVPKFile(target)
	if err != nil {
		t.Fatalf("FindVPKFile: %v", err)
	}
	vpk.Mu.Lock()
	namesEpoch := vpk.NamesEpoch
	vpk.Mu.Unlock()

	res, err := c.Lookup(target, namesEpoch, fps)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Result != ResultMiss {
		t.Fatalf("expected NoHits to force a miss, got %v", res.Result)
	}
}

func TestCheckpointRejectsUnleasedCI(t *testing.T) {
	c := newTestCoordinator(t)
	err := c.Checkpoint(pk("pkg"), 1, []uint32{42}, false)
	if err == nil {
		t.Fatalf("expected an error checkpointing an unleased ci")
	}
}

func TestCheckpointAcceptsLeasedCI(t *testing.T) {
	c := newTestCoordinator(t)
	_, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.Checkpoint(pk("pkg"), 1, []uint32{ci}, false); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}

func TestFlushAllPublishesAndSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	c, err := Open(Config{Root: root, LeaseTTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	target := pk("pk-1")
	names := []string{"a"}
	fps := []fingerprint.Tag{pk("a-val")}
	_, ci, err := c.AddEntry(target, names, fps, []byte("stable-value"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Root: root, LeaseTTL: time.Hour})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	if !reopened.usedCIs.IsSet(ci) {
		t.Fatalf("expected ci %d to survive a flush + reopen via the stable MultiPKFile", ci)
	}

	lookup, err := reopened.Lookup(target, 1, fps)
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	if lookup.Result != ResultHit {
		t.Fatalf("expected a hit on the flushed, reopened entry, got %v", lookup.Result)
	}
	if string(lookup.Value) != "stable-value" {
		t.Fatalf("expected value %q, got %q", "stable-value", lookup.Value)
	}
}

func TestRenewLeasesReportsUnknownCI(t *testing.T) {
	c := newTestCoordinator(t)
	_, ci, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if !c.RenewLeases([]uint32{ci}) {
		t.Fatalf("expected RenewLeases to succeed for a freshly granted lease")
	}
	if c.RenewLeases([]uint32{ci, 12345}) {
		t.Fatalf("expected RenewLeases to report false when any ci is unknown")
	}
}

func TestGetCacheStateReflectsActivity(t *testing.T) {
	c := newTestCoordinator(t)
	if _, _, err := c.AddEntry(pk("pk-1"), nil, nil, []byte("v"), 1, nil, "source.func"); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := c.Lookup(pk("pk-2"), 1, nil); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	state, err := c.GetCacheState()
	if err != nil {
		t.Fatalf("GetCacheState: %v", err)
	}
	if state.Adds != 1 {
		t.Fatalf("expected Adds=1, got %d", state.Adds)
	}
	if state.Lookups != 1 {
		t.Fatalf("expected Lookups=1, got %d", state.Lookups)
	}
	if state.EntryCount != 1 {
		t.Fatalf("expected EntryCount=1, got %d", state.EntryCount)
	}
}
