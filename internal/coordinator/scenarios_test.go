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

	"fncache/internal/fingerprint"
)

// TestScenarioFreshHit is S1: a first add_entry under a fresh PK must
// hit on an immediate lookup with epoch=1 and ci=0.
func TestScenarioFreshHit(t *testing.T) {
	c := newTestCoordinator(t)
	f := pk("f")
	fps := []fingerprint.Tag{pk("1"), pk("2")}

	res, ci, err := c.AddEntry(f, []string{"a", "b"}, fps, []byte("R1"), 42, nil, "src:1")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if res != EntryAdded || ci != 0 {
		t.Fatalf("expected EntryAdded, ci=0, got %v, ci=%d", res, ci)
	}

	lookup, err := c.Lookup(f, 1, fps)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if lookup.Result != ResultHit || lookup.CI != 0 || string(lookup.Value) != "R1" {
		t.Fatalf("expected Hit ci=0 value=R1, got %+v", lookup)
	}
}

// TestScenarioFVMismatch is S2: adding a second entry that introduces
// a new free-variable name bumps names_epoch, and a lookup pinned to
// the stale epoch reports FVMismatch rather than a plain miss.
func TestScenarioFVMismatch(t *testing.T) {
	c := newTestCoordinator(t)
	f := pk("f")
	fps12 := []fingerprint.Tag{pk("1"), pk("2")}

	if _, _, err := c.AddEntry(f, []string{"a", "b"}, fps12, []byte("R1"), 42, nil, "src:1"); err != nil {
		t.Fatalf("first AddEntry: %v", err)
	}

	fps123 := []fingerprint.Tag{pk("1"), pk("2"), pk("3")}
	res, ci, err := c.AddEntry(f, []string{"a", "b", "c"}, fps123, []byte("R2"), 42, nil, "src:2")
	if err != nil {
		t.Fatalf("second AddEntry: %v", err)
	}
	if res != EntryAdded || ci != 1 {
		t.Fatalf("expected EntryAdded, ci=1, got %v, ci=%d", res, ci)
	}

	vpk, _, err := c.FindVPKFile(f)
	if err != nil {
		t.Fatalf("FindVPKFile: %v", err)
	}
	vpk.Mu.Lock()
	epoch := vpk.NamesEpoch
	vpk.Mu.Unlock()
	if epoch != 2 {
		t.Fatalf("expected names_epoch=2 after introducing a new name, got %d", epoch)
	}

	lookup, err := c.Lookup(f, 1, fps12)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if lookup.Result != ResultFVMismatch {
		t.Fatalf("expected FVMismatch against a stale epoch, got %v", lookup.Result)
	}
}

// TestScenarioWeedRemovesOneEntry is S4: of three leased entries under
// one PK, end_mark naming only the middle CI leaves the other two
// still hitting once the deletion worker quiesces.
func TestScenarioWeedRemovesOneEntry(t *testing.T) {
	c := newTestCoordinator(t)
	h := pk("h")

	type added struct {
		ci  uint32
		fps []fingerprint.Tag
	}
	var entries []added
	for i := 0; i < 3; i++ {
		names := []string{string(rune('a' + i))}
		fps := []fingerprint.Tag{pk(string(rune('0' + i)))}
		_, ci, err := c.AddEntry(h, names, fps, []byte("v"), 1, nil, "src")
		if err != nil {
			t.Fatalf("AddEntry %d: %v", i, err)
		}
		entries = append(entries, added{ci: ci, fps: fps})
	}

	usedCIs, _, err := c.StartMark("weeder-1")
	if err != nil {
		t.Fatalf("StartMark: %v", err)
	}
	for _, e := range entries {
		if !usedCIs.IsSet(e.ci) {
			t.Fatalf("expected ci %d in StartMark's used_cis snapshot", e.ci)
		}
	}

	toDelete := entries[1].ci
	if err := c.SetHitFilter("weeder-1", []uint32{toDelete}); err != nil {
		t.Fatalf("SetHitFilter: %v", err)
	}
	if _, err := c.EndMark("weeder-1", []uint32{toDelete}, []fingerprint.Tag{c.prefixFor(h)}); err != nil {
		t.Fatalf("EndMark: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		deleting, err := c.scalarStore.GetDeleting()
		if err != nil {
			t.Fatalf("GetDeleting: %v", err)
		}
		if !deleting {
			break
		}
		time.Sleep(time.Millisecond)
	}

	for i, e := range entries {
		vpk, _, err := c.FindVPKFile(h)
		if err != nil {
			t.Fatalf("FindVPKFile: %v", err)
		}
		vpk.Mu.Lock()
		epoch := vpk.NamesEpoch
		vpk.Mu.Unlock()
		lookup, err := c.Lookup(h, epoch, e.fps)
		if err != nil {
			t.Fatalf("Lookup entry %d: %v", i, err)
		}
		if e.ci == toDelete {
			if lookup.Result == ResultHit {
				t.Fatalf("expected entry %d (ci=%d) to be gone after weeding", i, e.ci)
			}
		} else if lookup.Result != ResultHit {
			t.Fatalf("expected entry %d (ci=%d) to survive weeding, got %v", i, e.ci, lookup.Result)
		}
	}

	if c.usedCIs.IsSet(toDelete) {
		t.Fatalf("expected ci %d to leave used_cis after weeding", toDelete)
	}
}
