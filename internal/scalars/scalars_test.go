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

package scalars

import (
	"path/filepath"
	"testing"

	"fncache/internal/bitset"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scalars.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeletingDefaultsFalse(t *testing.T) {
	s := tempStore(t)
	got, err := s.GetDeleting()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got {
		t.Fatalf("fresh store should default deleting to false")
	}
}

func TestDeletingRoundTrip(t *testing.T) {
	s := tempStore(t)
	if err := s.SetDeleting(true); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.GetDeleting()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got {
		t.Fatalf("expected deleting=true after SetDeleting(true)")
	}
	if err := s.SetDeleting(false); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = s.GetDeleting()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got {
		t.Fatalf("expected deleting=false after SetDeleting(false)")
	}
}

func TestHitFilterDefaultsEmpty(t *testing.T) {
	s := tempStore(t)
	hf, err := s.GetHitFilter()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hf.IsSet(0) {
		t.Fatalf("fresh store should default hit_filter to empty")
	}
}

func TestHitFilterRoundTrip(t *testing.T) {
	s := tempStore(t)
	want := bitset.NewSparse()
	want.AddInterval(bitset.Interval{Lo: 2, Hi: 5})
	want.AddInterval(bitset.Interval{Lo: 50, Hi: 51})

	if err := s.SetHitFilter(want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.GetHitFilter()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, i := range []uint32{2, 3, 4, 50} {
		if !got.IsSet(i) {
			t.Fatalf("bit %d should be set after round-trip", i)
		}
	}
	if got.IsSet(5) || got.IsSet(1) {
		t.Fatalf("round-trip set bits outside the written intervals")
	}
}

func TestSetBothPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalars.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	hf := bitset.NewSparse()
	hf.AddInterval(bitset.Interval{Lo: 0, Hi: 1})
	if err := s.SetBoth(true, hf); err != nil {
		t.Fatalf("set both: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	deleting, err := s2.GetDeleting()
	if err != nil {
		t.Fatalf("get deleting: %v", err)
	}
	if !deleting {
		t.Fatalf("deleting flag should have survived reopen")
	}
	got, err := s2.GetHitFilter()
	if err != nil {
		t.Fatalf("get hit filter: %v", err)
	}
	if !got.IsSet(0) {
		t.Fatalf("hit filter should have survived reopen")
	}
}
