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

package vpkfile

import (
	"testing"

	"fncache/internal/fingerprint"
)

func TestNewEntryExtendsNamesAndClassifies(t *testing.T) {
	pk := fingerprint.New([]byte("pk"))
	f := New(pk, nil, 0, 0)

	fpA := fingerprint.New([]byte("a"))
	fpB := fingerprint.New([]byte("b"))
	e, commonFP, ok, err := f.NewEntry(1, []string{"a", "b"}, []fingerprint.Tag{fpA, fpB}, []byte("v"), 0, nil)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if ok {
		t.Fatalf("a brand-new PK has no common names yet; entry should be uncommon")
	}
	if len(f.AllNames) != 2 {
		t.Fatalf("AllNames = %v, want 2 entries", f.AllNames)
	}
	if f.NamesEpoch == 0 {
		t.Fatalf("expected NamesEpoch to be bumped after adding new names")
	}

	f.AddEntry("myFunc", e, commonFP, false, nil)
	if len(f.NewUncommon) != 1 {
		t.Fatalf("expected entry to land in NewUncommon")
	}
	if f.SourceFunc != "myFunc" {
		t.Fatalf("SourceFunc = %q, want myFunc", f.SourceFunc)
	}
}

func TestNewEntryRejectsDuplicateNames(t *testing.T) {
	pk := fingerprint.New([]byte("pk"))
	f := New(pk, nil, 0, 0)
	fp := fingerprint.New([]byte("a"))

	before := len(f.AllNames)
	_, _, _, err := f.NewEntry(1, []string{"a", "a"}, []fingerprint.Tag{fp, fp}, nil, 0, nil)
	if err != ErrDuplicateNames {
		t.Fatalf("err = %v, want ErrDuplicateNames", err)
	}
	if len(f.AllNames) != before {
		t.Fatalf("AllNames should be rolled back on duplicate names, got %v", f.AllNames)
	}
}

func TestLookupEpochMismatch(t *testing.T) {
	pk := fingerprint.New([]byte("pk"))
	f := New(pk, nil, 0, 0)
	f.NamesEpoch = 5

	_, _, err := f.Lookup(1, nil)
	if err != ErrEpochMismatch {
		t.Fatalf("err = %v, want ErrEpochMismatch", err)
	}
}

func TestLookupHitsNewUncommon(t *testing.T) {
	pk := fingerprint.New([]byte("pk"))
	f := New(pk, nil, 0, 0)

	fpA := fingerprint.New([]byte("a"))
	e, commonFP, ok, err := f.NewEntry(1, []string{"a"}, []fingerprint.Tag{fpA}, []byte("v"), 0, nil)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	f.AddEntry("f", e, commonFP, ok, nil)

	got, outcome, err := f.Lookup(f.NamesEpoch, []fingerprint.Tag{fpA})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if outcome != OutcomeHit || got == nil || got.CI != 1 {
		t.Fatalf("expected a hit on CI 1, got entry=%+v outcome=%v", got, outcome)
	}
}
