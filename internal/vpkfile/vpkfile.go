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

// Package vpkfile implements VPKFile (component F): the volatile,
// in-memory working set of cache entries sharing one primary key. It
// layers two in-memory bins of freshly added entries (newCommon,
// newUncommon) on top of a stable pkfile.File base loaded from disk,
// and reconciles the two after a rewrite via Checkpoint/Update.
package vpkfile

import (
	"errors"
	"sync"

	"fncache/internal/bitset"
	"fncache/internal/cacheentry"
	"fncache/internal/fingerprint"
	"fncache/internal/intintmap"
	"fncache/internal/pkfile"
)

// LookupOutcome classifies a Lookup's result for statistics, beyond
// the coarse hit/miss/mismatch already carried by the error/ok
// returns.
type LookupOutcome int

const (
	OutcomeNone LookupOutcome = iota
	OutcomeHit
	OutcomeAllMisses
)

var (
	// ErrEpochMismatch is returned by Lookup when the caller's free
	// variable id does not match this PK's current NamesEpoch.
	ErrEpochMismatch = errors.New("vpkfile: free variable epoch mismatch")
	// ErrDuplicateNames is returned by NewEntry when names contains a
	// repeat; any names already appended to AllNames are rolled back.
	ErrDuplicateNames = errors.New("vpkfile: duplicate free variable name")
	// ErrTooManyNames is returned by NewEntry when appending names
	// would push this PK's name count past intintmap.MaxNarrowKey.
	ErrTooManyNames = errors.New("vpkfile: too many free variable names for one PK")
)

// File is one PK's volatile working set: the stable contents as last
// loaded (embedded), plus the new entries layered on top of it.
type File struct {
	Mu sync.Mutex

	PK fingerprint.Tag
	pkfile.File

	// NameIndex maps a free-variable name to its index in AllNames;
	// kept in lock-step with AllNames, which is append-only between
	// rewrites.
	NameIndex map[string]int

	// NewUncommon holds newly added entries that do not cover every
	// name in CommonNames. NewCommon holds newly added entries that
	// do, keyed by their combined common fingerprint.
	NewUncommon []*cacheentry.Entry
	NewCommon   map[fingerprint.Tag][]*cacheentry.Entry

	// IsStableEmpty is true when this PK has no entries at all, on
	// disk or in memory: a freshly created PK, or one whose stable
	// PKFile was weeded to nothing with no new entries added since.
	IsStableEmpty bool

	FreeEpoch int // epoch of last activity, for eviction heuristics
	Evicted   bool
}

// New returns an empty VPKFile for pk. If stable is non-nil, it is
// the PKFile most recently loaded from disk for this PK; its
// SourceFunc/PKEpoch/NamesEpoch/AllNames/CommonNames/Groups seed this
// VPKFile directly, matching the "initialize from SPKFile" branch of
// VPKFile's constructor. Otherwise the VPKFile starts out empty with
// newPKEpoch/newNamesEpoch as its initial epochs.
func New(pk fingerprint.Tag, stable *pkfile.File, newPKEpoch, newNamesEpoch uint32) *File {
	f := &File{
		PK:        pk,
		NewCommon: make(map[fingerprint.Tag][]*cacheentry.Entry),
	}
	if stable != nil {
		f.File = *stable
		f.IsStableEmpty = stable.IsEmpty()
	} else {
		f.File = pkfile.File{PKEpoch: newPKEpoch, NamesEpoch: newNamesEpoch, CommonNames: bitset.NewDense()}
		f.IsStableEmpty = true
	}
	f.rebuildNameIndex()
	return f
}

func (f *File) rebuildNameIndex() {
	f.NameIndex = make(map[string]int, len(f.AllNames))
	for i, n := range f.AllNames {
		f.NameIndex[n] = i
	}
}

// IsEmpty reports whether this VPKFile carries no entries anywhere:
// not on disk, and none newly added.
func (f *File) IsEmpty() bool {
	return f.IsStableEmpty && len(f.NewUncommon) == 0 && len(f.NewCommon) == 0
}

// HasNewEntries reports whether any entries are pending in NewCommon
// or NewUncommon.
func (f *File) HasNewEntries() bool {
	return len(f.NewUncommon) > 0 || len(f.NewCommon) > 0
}

// isCommon reports whether names (indices into AllNames) covers every
// bit of CommonNames, i.e. whether an entry touching exactly these
// names belongs in NewCommon rather than NewUncommon.
func (f *File) isCommon(names *bitset.Dense) bool {
	return !f.CommonNames.IsEmpty() && f.CommonNames.Subset(names)
}

// Lookup resolves fps (indexed the same way as AllNames) to a cache
// hit, first scanning NewCommon and NewUncommon, then falling back to
// the stable groups. id must match NamesEpoch or ErrEpochMismatch is
// returned; the caller is expected to retry after fetching the
// current free-variable list.
func (f *File) Lookup(id uint32, fps []fingerprint.Tag) (*cacheentry.Entry, LookupOutcome, error) {
	if id != f.NamesEpoch {
		return nil, OutcomeNone, ErrEpochMismatch
	}
	if len(f.NewCommon) > 0 && !f.CommonNames.IsEmpty() {
		commonFP := fingerprint.Combine(commonTags(fps, f.CommonNames))
		for _, e := range f.NewCommon[commonFP] {
			if e.Match(fps) {
				return e, OutcomeHit, nil
			}
		}
	}
	for _, e := range f.NewUncommon {
		if e.Match(fps) {
			return e, OutcomeHit, nil
		}
	}
	if !f.CommonNames.IsEmpty() {
		commonFP := fingerprint.Combine(commonTags(fps, f.CommonNames))
		if e, ok := f.File.Lookup(commonFP, fps); ok {
			return e, OutcomeHit, nil
		}
	} else {
		for _, g := range f.Groups {
			for _, e := range g.Entries {
				if e.Match(fps) {
					return e, OutcomeHit, nil
				}
			}
		}
	}
	return nil, OutcomeAllMisses, nil
}

func commonTags(fps []fingerprint.Tag, commonNames *bitset.Dense) []fingerprint.Tag {
	bits := commonNames.Bits()
	out := make([]fingerprint.Tag, len(bits))
	for i, b := range bits {
		out[i] = fps[b]
	}
	return out
}

// NewEntry builds a fresh Entry for names/fps/value/model/kids,
// extending AllNames (and bumping NamesEpoch) with any name not yet
// seen for this PK. On DuplicateNames or TooManyNames, any names
// appended during this call are rolled back before returning.
//
// The returned commonFP is non-zero-valued and ok is true iff the
// entry's names cover every bit of CommonNames, matching NewEntry's
// "commonFP OUT parameter" in VPKFile.H.
func (f *File) NewEntry(ci uint32, names []string, fps []fingerprint.Tag, value []byte, model uint64, kids []uint32) (entry *cacheentry.Entry, commonFP fingerprint.Tag, ok bool, err error) {
	if len(names) != len(fps) {
		return nil, fingerprint.Tag{}, false, errors.New("vpkfile: names and fps length mismatch")
	}

	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return nil, fingerprint.Tag{}, false, ErrDuplicateNames
		}
		seen[n] = true
	}

	allNamesLen := len(f.AllNames)
	var appended []string
	rollback := func() {
		f.AllNames = f.AllNames[:allNamesLen]
		for _, n := range appended {
			delete(f.NameIndex, n)
		}
	}

	indices := make([]uint32, len(names))
	for i, n := range names {
		if idx, present := f.NameIndex[n]; present {
			indices[i] = uint32(idx)
			continue
		}
		idx := len(f.AllNames)
		if idx > intintmap.MaxNarrowKey {
			rollback()
			return nil, fingerprint.Tag{}, false, ErrTooManyNames
		}
		f.AllNames = append(f.AllNames, n)
		f.NameIndex[n] = idx
		appended = append(appended, n)
		indices[i] = uint32(idx)
	}
	if len(appended) > 0 {
		f.NamesEpoch++
	}

	imap := intintmap.New()
	used := bitset.NewDense()
	for i, idx := range indices {
		imap.Put(idx, uint32(i))
		used.Set(idx)
	}
	if imap.Identity(len(fps)) {
		imap = nil
	}

	isEntryCommon := f.isCommon(used)
	uncommonNames := used
	if isEntryCommon {
		uncommonNames = used.Diff(f.CommonNames)
	}

	e := cacheentry.New(ci, f.PK, model, value, kids, fps, imap, uncommonNames)
	if isEntryCommon {
		commonFP = e.CombineFP(f.CommonNames)
		ok = true
	}
	return e, commonFP, ok, nil
}

// AddEntry adds an entry previously built by NewEntry to either
// NewCommon (when ok is true, keyed by commonFP) or NewUncommon.
// SourceFunc is set if not already known. If newPKEpoch is non-nil it
// replaces PKEpoch (it is a checked error for it to be smaller).
func (f *File) AddEntry(sourceFunc string, e *cacheentry.Entry, commonFP fingerprint.Tag, ok bool, newPKEpoch *uint32) {
	if f.SourceFunc == "" {
		f.SourceFunc = sourceFunc
	}
	if newPKEpoch != nil {
		if *newPKEpoch < f.PKEpoch {
			panic("vpkfile: AddEntry newPKEpoch must not go backward")
		}
		f.PKEpoch = *newPKEpoch
	}
	if ok {
		f.NewCommon[commonFP] = append(f.NewCommon[commonFP], e)
	} else {
		f.NewUncommon = append(f.NewUncommon, e)
	}
	f.IsStableEmpty = false
}

// RecoverEntry reinstalls a cache-log entry recovered at startup,
// bypassing NewEntry's name-string resolution since the log only
// records AllNames indices, not the names themselves. names must
// already be valid indices into f.AllNames; the caller is responsible
// for extending it first (e.g. with placeholder names) if the log
// references indices beyond the table loaded from the stable PKFile.
func (f *File) RecoverEntry(sourceFunc string, ci uint32, pkEpoch uint32, names []uint32, fps []fingerprint.Tag, value []byte, model uint64, kids []uint32) {
	used := bitset.NewDense()
	imap := intintmap.New()
	for i, idx := range names {
		used.Set(idx)
		imap.Put(idx, uint32(i))
	}
	if imap.Identity(len(fps)) {
		imap = nil
	}

	isEntryCommon := f.isCommon(used)
	uncommonNames := used
	if isEntryCommon {
		uncommonNames = used.Diff(f.CommonNames)
	}

	e := cacheentry.New(ci, f.PK, model, value, kids, fps, imap, uncommonNames)
	var commonFP fingerprint.Tag
	if isEntryCommon {
		commonFP = e.CombineFP(f.CommonNames)
	}
	f.AddEntry(sourceFunc, e, commonFP, isEntryCommon, &pkEpoch)
}

// Checkpoint is a point-in-time snapshot of the pending new entries,
// taken so a rewrite can work from a fixed view while lookups and
// AddEntry keep running against the live VPKFile.
type Checkpoint struct {
	SourceFunc    string
	PKEpoch       uint32
	NamesEpoch    uint32
	AllNamesLen   int
	// AllNames is the VPKFile's full name table as of this checkpoint,
	// shared by reference (it is append-only, so the prefix up to
	// AllNamesLen never changes underneath this snapshot). The rewrite
	// orchestration uses it to extend a stable PKFile's own AllNames
	// — always a prefix of this one — to cover names referenced by
	// freshly checkpointed entries before packing (VPKFileChkPt.H's
	// "allNames" pointer field exists for the same reason).
	AllNames      []string
	NewUncommon   []*cacheentry.Entry
	NewCommon     map[fingerprint.Tag][]*cacheentry.Entry
	HasNewEntries bool
}

// Checkpoint snapshots the current pending entries (cloning them,
// since a rewrite may mutate entries in place) and atomically bumps
// PKEpoch, matching VPKFile::CheckPoint.
func (f *File) Checkpoint() *Checkpoint {
	ck := &Checkpoint{
		SourceFunc:  f.SourceFunc,
		PKEpoch:     f.PKEpoch,
		NamesEpoch:  f.NamesEpoch,
		AllNamesLen: len(f.AllNames),
		AllNames:    f.AllNames,
		NewCommon:   make(map[fingerprint.Tag][]*cacheentry.Entry, len(f.NewCommon)),
	}
	for _, e := range f.NewUncommon {
		ck.NewUncommon = append(ck.NewUncommon, e.Clone())
	}
	for fp, entries := range f.NewCommon {
		cloned := make([]*cacheentry.Entry, len(entries))
		for i, e := range entries {
			cloned[i] = e.Clone()
		}
		ck.NewCommon[fp] = cloned
	}
	ck.HasNewEntries = len(ck.NewUncommon) > 0 || len(ck.NewCommon) > 0
	f.PKEpoch++
	return ck
}

// CandidateEntries returns (common, uncommon) ready to pass to
// pkfile.File.Update: the stable groups' entries plus every checkpointed
// new entry, classified the same way it is stored (NewCommon vs
// NewUncommon). Called by the MultiPKFile rewrite orchestration, which
// owns the stable *pkfile.File for this PK.
func (ck *Checkpoint) CandidateEntries(stable *pkfile.File) (common, uncommon []*cacheentry.Entry) {
	for _, g := range stable.Groups {
		common = append(common, g.Entries...)
	}
	for _, entries := range ck.NewCommon {
		common = append(common, entries...)
	}
	uncommon = append(uncommon, ck.NewUncommon...)
	return common, uncommon
}

// Update reconciles this VPKFile after a rewrite has produced
// rewritten (the new stable contents) from a checkpoint taken
// earlier, following VPKFile::Update's steps 1, 4 and 5 (steps 2 and
// 3 are the KeepNewOnFlush/KeepOldOnFlush retention policy over the
// stable groups, which this package always keeps, and the
// checkpoint-to-now name-growth augmentation of mask/remap, which is
// not replayed here — see DESIGN.md):
//
//  1. entries present in ck are dropped from NewUncommon/NewCommon —
//     rewritten already accounts for them.
//  2. every surviving NewCommon entry is unconditionally demoted to
//     the uncommon, full-name-set convention by unioning back in the
//     *old* CommonNames (matching MoveCommonToUncommon's XOR, valid
//     here because an entry's UncommonNames and the old CommonNames
//     are disjoint by construction).
//  3. the stable base becomes rewritten, every surviving new entry is
//     packed through Mask/Remap (no ExCommon/ExUncommon delta — that
//     delta only has meaning for entries already stored under the old
//     CommonNames convention, which these no longer are), and every
//     entry is reclassified against the new CommonNames from scratch.
func (f *File) Update(rewritten *pkfile.File, ck *Checkpoint, upd pkfile.UpdateResult) {
	uncommonTail := f.NewUncommon[minInt(len(ck.NewUncommon), len(f.NewUncommon)):]
	f.NewUncommon = nil

	oldCommon := f.CommonNames
	var pending []*cacheentry.Entry
	pending = append(pending, uncommonTail...)
	for fp, entries := range f.NewCommon {
		n := len(ck.NewCommon[fp])
		if n >= len(entries) {
			continue
		}
		for _, e := range entries[n:] {
			e.UncommonNames = e.UncommonNames.Union(oldCommon)
			pending = append(pending, e)
		}
	}
	f.NewCommon = make(map[fingerprint.Tag][]*cacheentry.Entry)

	f.File = *rewritten
	f.rebuildNameIndex()

	for _, e := range pending {
		e.Pack(upd.Mask, upd.Remap)
	}
	for _, e := range pending {
		if f.isCommon(e.UncommonNames) {
			fp := e.CombineFP(f.CommonNames)
			e.UncommonNames = e.UncommonNames.Diff(f.CommonNames)
			f.NewCommon[fp] = append(f.NewCommon[fp], e)
		} else {
			f.NewUncommon = append(f.NewUncommon, e)
		}
	}

	f.IsStableEmpty = rewritten.IsEmpty() && !f.HasNewEntries()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Evict marks this VPKFile as evicted; the caller must already have
// removed every reference to it from the coordinator's PK table and
// its owning VMultiPKFile.
func (f *File) Evict() { f.Evicted = true }

// Touch records epoch as the free/evict loop tick of this VPKFile's
// most recent activity (a lookup hit or a new entry), the basis
// ReadyForEviction and the warm-entry purge heuristic both compare
// against.
func (f *File) Touch(epoch int) { f.FreeEpoch = epoch }

// HasWarmEntries reports whether this VPKFile still carries any
// stable, on-disk-sourced groups in memory.
func (f *File) HasWarmEntries() bool {
	return len(f.Groups) > 0
}

// ReadyForPurgeWarm reports whether this VPKFile has gone untouched
// for at least purgeTicks (relative to latestEpoch) and carries warm,
// on-disk-sourced entries worth dropping: no new entries pending (they
// would be lost) and at least one warm entry to actually free.
func (f *File) ReadyForPurgeWarm(latestEpoch, purgeTicks int) bool {
	return f.FreeEpoch <= latestEpoch-purgeTicks && !f.HasNewEntries() && f.HasWarmEntries()
}

// ReadyForEviction reports whether this VPKFile has gone untouched for
// at least evictTicks (relative to latestEpoch) and carries nothing
// that would be lost by dropping it entirely: no new entries pending
// and no warm entries left (those must already have been purged by
// ReadyForPurgeWarm, or never existed).
func (f *File) ReadyForEviction(latestEpoch, evictTicks int) bool {
	return f.FreeEpoch <= latestEpoch-evictTicks && !f.HasNewEntries() && !f.HasWarmEntries()
}

// DropWarmEntries discards this VPKFile's stable warm groups, freeing
// the memory they hold without evicting the VPKFile itself: used by
// the free/evict loop once it has gone untouched for purge_warm_period
// ticks.
func (f *File) DropWarmEntries() {
	f.Groups = nil
}
