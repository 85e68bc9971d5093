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

package fnlog

import (
	"os"
	"path/filepath"
	"testing"

	"fncache/internal/bitset"
	"fncache/internal/fingerprint"
)

func tempRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fnlog-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestUsedCILogRoundTrip(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenUsedCILog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := l.Append(UsedCIRecord{Op: UsedCIAdd, Lo: 0, Hi: 10}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(UsedCIRecord{Op: UsedCIRemove, Lo: 4, Hi: 6}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := OpenUsedCILog(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := l2.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	want := bitset.NewSparse()
	want.AddInterval(bitset.Interval{Lo: 0, Hi: 10})
	want.SubtractInterval(bitset.Interval{Lo: 4, Hi: 6})
	if got.Size() != want.Size() {
		t.Fatalf("recovered size = %d, want %d", got.Size(), want.Size())
	}
}

func TestUsedCILogCheckpointPrunes(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenUsedCILog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Append(UsedCIRecord{Op: UsedCIAdd, Lo: 0, Hi: 5}); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap := bitset.NewSparse()
	snap.AddInterval(bitset.Interval{Lo: 0, Hi: 5})
	if err := l.Checkpoint(snap); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCheckpoint := false
	for _, e := range entries {
		if e.Name() == checkpointName {
			hasCheckpoint = true
		}
	}
	if !hasCheckpoint {
		t.Fatalf("expected checkpoint file in %s", root)
	}
	if _, err := os.Stat(l.dir.segmentPath(1)); !os.IsNotExist(err) {
		t.Fatalf("expected segment 1 to be pruned by the checkpoint, stat err = %v", err)
	}
}

func TestEmptyPKLogMonotoneEpoch(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenEmptyPKLog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pk := fingerprint.New([]byte("pk1"))
	if err := l.Append(pk, 5); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(pk, 3); err != nil { // stale, ignored
		t.Fatalf("append: %v", err)
	}
	epoch, ok := l.GetEpoch(pk)
	if !ok || epoch != 5 {
		t.Fatalf("GetEpoch = (%d, %v), want (5, true)", epoch, ok)
	}
}

func TestEmptyPKLogCheckpointFallback(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenEmptyPKLog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pk := fingerprint.New([]byte("pk2"))
	if err := l.Append(pk, 7); err != nil {
		t.Fatalf("append: %v", err)
	}
	keepFrom, err := l.CheckpointBegin()
	if err != nil {
		t.Fatalf("checkpoint begin: %v", err)
	}
	// While a checkpoint is pending, lookups must still see pk via the
	// old table fallback.
	epoch, ok := l.GetEpoch(pk)
	if !ok || epoch != 7 {
		t.Fatalf("GetEpoch during checkpoint = (%d, %v), want (7, true)", epoch, ok)
	}
	if err := l.CheckpointEnd(keepFrom); err != nil {
		t.Fatalf("checkpoint end: %v", err)
	}
	epoch, ok = l.GetEpoch(pk)
	if !ok || epoch != 7 {
		t.Fatalf("GetEpoch after checkpoint = (%d, %v), want (7, true)", epoch, ok)
	}
}

func TestGraphLogNodeRootRoundTrip(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenGraphLog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.AppendNode(NodeRecord{CI: 1, Kids: []uint32{2, 3}}); err != nil {
		t.Fatalf("append node: %v", err)
	}
	if err := l.AppendRoot(RootRecord{CIs: []uint32{1}, PackageFP: fingerprint.New([]byte("pkg")), Model: 9}); err != nil {
		t.Fatalf("append root: %v", err)
	}

	var nodes []NodeRecord
	var roots []RootRecord
	if err := l.ReplayVersion(func(n NodeRecord) { nodes = append(nodes, n) }, func(r RootRecord) { roots = append(roots, r) }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(nodes) != 1 || nodes[0].CI != 1 || len(nodes[0].Kids) != 2 {
		t.Fatalf("nodes = %+v", nodes)
	}
	if len(roots) != 1 || roots[0].Model != 9 {
		t.Fatalf("roots = %+v", roots)
	}
}

func TestGraphLogCommitChkptRejectsWrongVersion(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenGraphLog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ver, err := l.BeginCheckpoint()
	if err != nil {
		t.Fatalf("begin checkpoint: %v", err)
	}

	src := filepath.Join(t.TempDir(), "bogus.ckp")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	ok, err := l.CommitChkpt(ver+1, src)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok {
		t.Fatalf("expected rejection of mismatched version")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("rejected checkpoint file should have been removed")
	}
}

func TestGraphLogCommitChkptAccepts(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenGraphLog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ver, err := l.BeginCheckpoint()
	if err != nil {
		t.Fatalf("begin checkpoint: %v", err)
	}

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, expectedCheckpointName(ver)+".tmp")
	if err := os.WriteFile(src, []byte("pruned-graph"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	ok, err := l.CommitChkpt(ver, src)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !ok {
		t.Fatalf("expected commit to succeed")
	}
	data, found, err := l.Checkpoint()
	if err != nil || !found {
		t.Fatalf("checkpoint read: %v found=%v", err, found)
	}
	if string(data) != "pruned-graph" {
		t.Fatalf("checkpoint data = %q", data)
	}
	if l.Version() != -1 {
		t.Fatalf("version after commit = %d, want -1", l.Version())
	}
}

func TestCacheLogCleanDropsStaleEntries(t *testing.T) {
	root := tempRoot(t)
	l, err := OpenCacheLog(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	emptyRoot := tempRoot(t)
	el, err := OpenEmptyPKLog(emptyRoot)
	if err != nil {
		t.Fatalf("open empty log: %v", err)
	}

	fresh := fingerprint.New([]byte("fresh"))
	stale := fingerprint.New([]byte("stale"))

	if err := l.Append(CacheRecord{SourceFunc: "f", PK: fresh, PKEpoch: 1, CI: 1, Value: []byte("v1")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(CacheRecord{SourceFunc: "f", PK: stale, PKEpoch: 1, CI: 2, Value: []byte("v2")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	lookup := PKEpochLookup(func(pk fingerprint.Tag) (uint32, bool) {
		if pk.Equal(stale) {
			return 5, true // on-disk epoch is newer: this record is stale
		}
		return 0, false
	})

	if err := l.Clean(el, lookup); err != nil {
		t.Fatalf("clean: %v", err)
	}

	var survivors []CacheRecord
	if err := l.Recover(func(rec CacheRecord) error {
		survivors = append(survivors, rec)
		return nil
	}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(survivors) != 1 || !survivors[0].PK.Equal(fresh) {
		t.Fatalf("survivors = %+v, want only the fresh record", survivors)
	}
}
