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

// Package vmultipkfile implements VMultiPKFile (component G): the set
// of VPKFiles in memory sharing one MultiPKFile prefix, the flush
// coordinator that serializes rewrites of that prefix, and the
// rewrite orchestration that reconciles them against the on-disk
// MultiPKFile.
package vmultipkfile

import (
	"fmt"
	"sort"
	"sync"

	"fncache/internal/bitset"
	"fncache/internal/fingerprint"
	"fncache/internal/fnlog"
	"fncache/internal/multipkfile"
	"fncache/internal/pkfile"
	"fncache/internal/vpkfile"
)

// ErrEvicted is returned by Rewrite if a VPKFile being flushed was
// concurrently evicted; this can never legitimately happen (the
// coordinator must not evict a VPKFile with a rewrite in flight) and
// is treated as fatal by the caller, matching ToSCache's assert.
var ErrEvicted = fmt.Errorf("vmultipkfile: evicted VPKFile observed during rewrite")

// File holds every VPKFile whose PK shares one MultiPKFile prefix.
type File struct {
	Prefix fingerprint.Tag

	mu               sync.Mutex
	cond             *sync.Cond
	tbl              map[fingerprint.Tag]*vpkfile.File
	freeEpoch        int // -1 until an entry is added since the last flush
	numWaiting       int
	numRunning       int
	numNewEntries    int
	autoFlushPending bool

	// PauseForTest, if set, is called once after the on-disk rewrite
	// is staged but before VPKFile locks are taken in Rewrite. It
	// exists only so tests can inject a delay to exercise the window
	// during which new entries may race with a rewrite in progress.
	PauseForTest func()
}

// New returns an empty VMultiPKFile for prefix.
func New(prefix fingerprint.Tag) *File {
	f := &File{Prefix: prefix, freeEpoch: -1, tbl: make(map[fingerprint.Tag]*vpkfile.File)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Get returns the VPKFile stored under pk, if any.
func (f *File) Get(pk fingerprint.Tag) (*vpkfile.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vpk, ok := f.tbl[pk]
	return vpk, ok
}

// Put adds vpk under pk, reporting whether an entry already existed.
func (f *File) Put(pk fingerprint.Tag, vpk *vpkfile.File) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.tbl[pk]
	f.tbl[pk] = vpk
	return existed
}

// Delete removes pk, returning the removed VPKFile if present.
func (f *File) Delete(pk fingerprint.Tag) (*vpkfile.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vpk, ok := f.tbl[pk]
	if ok {
		delete(f.tbl, pk)
	}
	return vpk, ok
}

// NumVPKFiles returns the number of VPKFiles held in memory.
func (f *File) NumVPKFiles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tbl)
}

// Snapshot returns a shallow copy of every (pk, VPKFile) pair
// currently held, for the free/evict loop to walk without holding
// this MultiPKFile's lock across per-VPKFile eviction decisions.
func (f *File) Snapshot() map[fingerprint.Tag]*vpkfile.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[fingerprint.Tag]*vpkfile.File, len(f.tbl))
	for pk, vpk := range f.tbl {
		out[pk] = vpk
	}
	return out
}

// IncEntries records that a new entry was added to some VPKFile of
// this MultiPKFile, at epoch currentEpoch; used by IsStale and by
// IsFull's flush threshold.
func (f *File) IncEntries(currentEpoch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numNewEntries++
	f.freeEpoch = currentEpoch
}

// IsFull reports whether the number of new entries exceeds threshold
// and no flush is already pending; if so it latches autoFlushPending
// so repeated calls don't all trigger a flush.
func (f *File) IsFull(threshold int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.numNewEntries > threshold && f.numWaiting == 0 && !f.autoFlushPending
	if res {
		f.autoFlushPending = true
	}
	return res
}

// IsUnmodified reports whether no entry has been added to this
// MultiPKFile since it was last flushed (or created).
func (f *File) IsUnmodified() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeEpoch == -1
}

// FlushRunning reports whether a rewrite of this MultiPKFile is
// currently in progress.
func (f *File) FlushRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numRunning > 0
}

// FlushPending reports whether a thread is queued to rewrite this
// MultiPKFile, or one should start soon.
func (f *File) FlushPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numWaiting > 0 || f.autoFlushPending
}

// IsStale reports whether this MultiPKFile should be flushed by the
// background free/evict loop because its last activity epoch is at or
// before latestEpoch.
func (f *File) IsStale(latestEpoch int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeEpoch >= 0 && f.freeEpoch <= latestEpoch
}

// LockForWrite blocks until no other thread is rewriting this
// MultiPKFile, then reports whether a rewrite should proceed: false
// if there is nothing to do (no deletions requested and no new
// entries). If true, the caller has become the exclusive writer and
// must eventually call either Checkpoint followed by Rewrite, or
// ReleaseWriteLock on early failure.
func (f *File) LockForWrite(toDelete *bitset.Dense) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.numNewEntries == 0 && toDelete == nil {
		return false
	}
	for f.numRunning > 0 {
		f.numWaiting++
		f.cond.Wait()
		f.numWaiting--
	}
	// A previous waiter's work may already have covered ours.
	if f.numNewEntries == 0 && toDelete == nil {
		return false
	}

	f.numRunning++
	f.autoFlushPending = false
	return true
}

// ReleaseWriteLock releases the exclusive write lock taken by
// LockForWrite without completing a rewrite, for use when a step
// between LockForWrite and Rewrite fails (e.g. flushing the graph
// log).
func (f *File) ReleaseWriteLock() {
	f.mu.Lock()
	f.numRunning--
	if f.numRunning != 0 {
		panic("vmultipkfile: numRunning invariant violated")
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Checkpoint snapshots every VPKFile in this MultiPKFile (a superset
// of those represented in the on-disk MultiPKFile) ahead of a
// rewrite, and reports whether a write is actually necessary: false
// iff toDelete is nil and no VPKFile has pending entries. The caller
// must hold the lock acquired by LockForWrite.
func (f *File) Checkpoint(toDelete *bitset.Dense) (toFlush map[fingerprint.Tag]*vpkfile.File, chkpts map[fingerprint.Tag]*vpkfile.Checkpoint, needsWrite bool) {
	f.mu.Lock()
	toFlush = make(map[fingerprint.Tag]*vpkfile.File, len(f.tbl))
	for pk, vpk := range f.tbl {
		toFlush[pk] = vpk
	}
	f.numNewEntries = 0
	f.freeEpoch = -1
	f.mu.Unlock()

	chkpts = make(map[fingerprint.Tag]*vpkfile.Checkpoint, len(toFlush))
	for pk, vpk := range toFlush {
		vpk.Mu.Lock()
		chkpts[pk] = vpk.Checkpoint()
		needsWrite = needsWrite || chkpts[pk].HasNewEntries
		vpk.Mu.Unlock()
	}
	if toDelete != nil {
		needsWrite = true
	}
	if !needsWrite {
		f.ReleaseWriteLock()
	}
	return toFlush, chkpts, needsWrite
}

// RewriteResult reports what a Rewrite produced, for the caller to
// commit to the graph/cache logs before (or, for empty-PK records,
// as part of) publishing.
type RewriteResult struct {
	// NewStable is the MultiPKFile to publish, or nil if every
	// PKFile in this prefix became empty (the file should be
	// deleted instead).
	NewStable *multipkfile.File
	// EmptiedPKs lists (pk, newPKEpoch) pairs whose PKFile became
	// empty during this rewrite, for the empty-PK log.
	EmptiedPKs []EmptiedPK
}

// EmptiedPK is one PK whose PKFile became empty during a rewrite.
type EmptiedPK struct {
	PK      fingerprint.Tag
	PKEpoch uint32
}

// Rewrite reconciles every VPKFile captured by Checkpoint against the
// on-disk stable (possibly nil, if the MultiPKFile did not previously
// exist), applies toDelete, updates every PKFile's in-memory image,
// and finally reconciles each VPKFile in toFlush against its freshly
// rewritten PKFile. The caller must hold the lock acquired by
// LockForWrite and must release it (by calling ReleaseWriteLock, or
// simply letting Rewrite's own final release run) exactly once.
//
// This implementation always rewrites every PKFile present in toFlush
// rather than byte-copying unchanged ones; there is only one file
// format version in this implementation, so there is never anything
// to migrate from.
func (f *File) Rewrite(stable *multipkfile.File, toFlush map[fingerprint.Tag]*vpkfile.File, chkpts map[fingerprint.Tag]*vpkfile.Checkpoint, toDelete *bitset.Dense, emptyLog *fnlog.EmptyPKLog) (RewriteResult, error) {
	if stable == nil {
		stable = multipkfile.New()
	}

	pks := make([]fingerprint.Tag, 0, len(toFlush))
	for pk := range toFlush {
		pks = append(pks, pk)
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].Less(pks[j]) })

	out := multipkfile.New()
	out.Version = stable.Version

	type outcome struct {
		updated     bool
		becameEmpty bool
		upd         pkfile.UpdateResult
		pf          *pkfile.File
	}
	outcomes := make(map[fingerprint.Tag]outcome, len(pks))
	var emptied []EmptiedPK

	for _, pk := range pks {
		ck := chkpts[pk]
		existing, hadDisk := stable.Find(pk)

		if !hadDisk && !ck.HasNewEntries {
			// step 1: no disk presence and nothing new; drop from
			// consideration entirely.
			continue
		}

		if hadDisk && !ck.HasNewEntries && toDelete == nil {
			// unmodified: carry the existing PKFile over untouched.
			out.Put(pk, existing)
			continue
		}

		pf := existing
		if pf == nil {
			pf = pkfile.New(ck.SourceFunc)
		} else if pf.SourceFunc == "" {
			pf.SourceFunc = ck.SourceFunc
		}
		// pf.AllNames is always a prefix of the VPKFile's current
		// AllNames (it was last synced at the previous rewrite); grow
		// it to cover names referenced by entries checkpointed since.
		if len(pf.AllNames) < ck.AllNamesLen {
			pf.AllNames = append(append([]string{}, pf.AllNames...), ck.AllNames[len(pf.AllNames):ck.AllNamesLen]...)
		}
		if pf.NamesEpoch < ck.NamesEpoch {
			pf.NamesEpoch = ck.NamesEpoch
		}

		common, uncommon := ck.CandidateEntries(pf)
		upd := pf.Update(common, uncommon, toDelete, ck.PKEpoch+1)

		if upd.BecameEmpty {
			emptied = append(emptied, EmptiedPK{PK: pk, PKEpoch: ck.PKEpoch + 1})
			outcomes[pk] = outcome{updated: true, becameEmpty: true, upd: upd, pf: pf}
			continue
		}

		out.Put(pk, pf)
		outcomes[pk] = outcome{updated: true, upd: upd, pf: pf}
	}

	for _, e := range emptied {
		if err := emptyLog.Append(e.PK, e.PKEpoch); err != nil {
			return RewriteResult{}, fmt.Errorf("vmultipkfile: empty-pk log append for %v: %w", e.PK, err)
		}
	}

	if f.PauseForTest != nil {
		f.PauseForTest()
	}

	// Step 6: take per-VPK locks in deterministic (PK-sorted) order,
	// then reconcile each against the rewritten PKFile.
	for _, pk := range pks {
		vpk := toFlush[pk]
		vpk.Mu.Lock()
		if vpk.Evicted {
			vpk.Mu.Unlock()
			f.ReleaseWriteLock()
			return RewriteResult{}, fmt.Errorf("%w: pk=%v", ErrEvicted, pk)
		}
		oc, wasUpdated := outcomes[pk]
		if !wasUpdated {
			// Nothing changed for this PK; Checkpoint already
			// incremented PKEpoch speculatively, so undo that.
			if vpk.PKEpoch > 0 {
				vpk.PKEpoch--
			}
			vpk.Mu.Unlock()
			continue
		}
		rewritten := oc.pf
		if oc.becameEmpty {
			rewritten = pkfile.New(vpk.SourceFunc)
		}
		vpk.Update(rewritten, chkpts[pk], oc.upd)
		vpk.Mu.Unlock()
	}

	result := RewriteResult{NewStable: out, EmptiedPKs: emptied}
	if len(out.Entries) == 0 {
		result.NewStable = nil
	}

	f.ReleaseWriteLock()
	return result, nil
}
