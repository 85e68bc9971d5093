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

package multipkfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"fncache/internal/fingerprint"
	"fncache/internal/pkfile"
)

func TestPutFindRemove(t *testing.T) {
	f := New()
	pk1 := fingerprint.New([]byte("pk1"))
	pk2 := fingerprint.New([]byte("pk2"))
	f.Put(pk1, pkfile.New("f1"))
	f.Put(pk2, pkfile.New("f2"))

	if _, ok := f.Find(pk1); !ok {
		t.Fatalf("expected to find pk1")
	}
	f.Remove(pk1)
	if _, ok := f.Find(pk1); ok {
		t.Fatalf("pk1 should have been removed")
	}
	if _, ok := f.Find(pk2); !ok {
		t.Fatalf("pk2 should still be present")
	}
}

func TestSortedListThreshold(t *testing.T) {
	f := New()
	for i := 0; i < 10; i++ {
		f.Put(fingerprint.New([]byte{byte(i)}), pkfile.New("f"))
	}
	if f.HeaderType != HeaderSortedList {
		t.Fatalf("expected sorted-list header with 10 entries")
	}
	for i := 0; i < 10; i++ {
		if _, ok := f.Find(fingerprint.New([]byte{byte(i)})); !ok {
			t.Fatalf("missed entry %d after sort", i)
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	f := New()
	pk := fingerprint.New([]byte("pk"))
	pf := pkfile.New("myFunc")
	pf.AllNames = []string{"a"}
	pf.PKEpoch = 2
	f.Put(pk, pf)

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadFrom(&buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(got.Entries) != 1 || !got.Entries[0].PK.Equal(pk) {
		t.Fatalf("entries = %+v", got.Entries)
	}
	if got.PKFiles[0].SourceFunc != "myFunc" || got.PKFiles[0].PKEpoch != 2 {
		t.Fatalf("pkfile round-trip mismatch: %+v", got.PKFiles[0])
	}
}

func TestPublishAtomicAndPrune(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gran-08", "ab", "cd")
	if err := PublishAtomic(path, []byte("data")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "data" {
		t.Fatalf("read back = %q, err %v", data, err)
	}
	if err := Delete(root, path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "gran-08")); !os.IsNotExist(err) {
		t.Fatalf("expected empty parent directories to be pruned")
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root should survive pruning: %v", err)
	}
}

func TestPathDeterministic(t *testing.T) {
	pk := fingerprint.New([]byte("some-pk"))
	p1 := Path("/root", pk, 16, 8)
	p2 := Path("/root", pk, 16, 8)
	if p1 != p2 {
		t.Fatalf("Path is not deterministic: %q vs %q", p1, p2)
	}
}
