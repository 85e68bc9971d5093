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

// Package cacheentry implements CacheEntry (component C): one
// memoized result, its uncommon-name bitset, lazy uncommon
// fingerprint, value blob, child CIs, and per-entry name->FP index
// map.
package cacheentry

import (
	"fmt"

	"fncache/internal/bitset"
	"fncache/internal/fingerprint"
	"fncache/internal/intintmap"
)

// UncommonTag is the XOR/combine pair used to match a cache entry: the
// XOR word is always valid; the combined FP is computed lazily and
// invalidated whenever the order of the underlying names changes.
type UncommonTag struct {
	XorWord uint64
	fp      fingerprint.Tag
	fpValid bool
}

// Entry is one memoized function result.
type Entry struct {
	CI    uint32
	PK    fingerprint.Tag
	Model uint64
	Value []byte
	Kids  []uint32

	// FPs holds the fingerprint of every free variable this entry
	// depends on, in the order supplied at insertion (NewEntry).
	FPs []fingerprint.Tag

	// IMap maps an index into the owning PKFile's all_names to an
	// index into FPs. A nil IMap means the identity map: FPs is
	// already ordered the same way as the used names.
	IMap *intintmap.Map

	// UncommonNames holds the indices (into the owning PKFile's
	// all_names) of this entry's free variables that are not common
	// to the PKFile as of the entry's last update.
	UncommonNames *bitset.Dense

	UncommonTag UncommonTag
}

// New builds a fresh entry from insertion arguments. uncommonNames,
// fps and imap ownership passes to the returned Entry; callers must
// not mutate them afterward.
func New(ci uint32, pk fingerprint.Tag, model uint64, value []byte, kids []uint32,
	fps []fingerprint.Tag, imap *intintmap.Map, uncommonNames *bitset.Dense) *Entry {

	e := &Entry{
		CI:            ci,
		PK:            pk,
		Model:         model,
		Value:         value,
		Kids:          kids,
		FPs:           fps,
		IMap:          imap,
		UncommonNames: uncommonNames,
	}
	e.recomputeXor()
	return e
}

// Clone makes a deep-enough copy for checkpointing: mutable fields
// (UncommonNames, IMap, UncommonTag) are copied; immutable fields
// (Value, Kids, FPs) are shared by reference, matching the teacher's
// "copy mutable, share immutable" idiom.
func (e *Entry) Clone() *Entry {
	out := &Entry{
		CI:            e.CI,
		PK:            e.PK,
		Model:         e.Model,
		Value:         e.Value,
		Kids:          e.Kids,
		FPs:           e.FPs,
		UncommonNames: e.UncommonNames.Clone(),
		UncommonTag:   e.UncommonTag,
	}
	if e.IMap != nil {
		out.IMap = e.IMap.Clone()
	}
	return out
}

// fpAt returns the fingerprint for owning-PKFile name index i,
// resolving through IMap when present.
func (e *Entry) fpAt(i uint32) fingerprint.Tag {
	if e.IMap == nil {
		return e.FPs[i]
	}
	idx, ok := e.IMap.Get(i)
	if !ok {
		panic(fmt.Sprintf("cacheentry: imap has no entry for name index %d (ci=%d)", i, e.CI))
	}
	return e.FPs[idx]
}

func (e *Entry) recomputeXor() {
	var w uint64
	for _, i := range e.UncommonNames.Bits() {
		w ^= e.fpAt(i).Low()
	}
	e.UncommonTag = UncommonTag{XorWord: w}
}

// CombineFP returns the combined fingerprint of the fingerprints at
// mask's set bit indices, in ascending bit-index order.
func (e *Entry) CombineFP(mask *bitset.Dense) fingerprint.Tag {
	bits := mask.Bits()
	tags := make([]fingerprint.Tag, len(bits))
	for i, b := range bits {
		tags[i] = e.fpAt(b)
	}
	return fingerprint.Combine(tags)
}

// unlazyFP computes and caches the combined uncommon fingerprint.
func (e *Entry) unlazyFP() fingerprint.Tag {
	if !e.UncommonTag.fpValid {
		e.UncommonTag.fp = e.CombineFP(e.UncommonNames)
		e.UncommonTag.fpValid = true
	}
	return e.UncommonTag.fp
}

// Match reports whether requestFPs (indexed the same way as the
// owning PKFile's all_names, i.e. requestFPs[i] is the fingerprint of
// name i) agrees with this entry's uncommon fingerprints. The cheap
// XOR word is checked first; only on agreement is the ordered combine
// compared, so a false positive on the XOR is never a safety issue.
func (e *Entry) Match(requestFPs []fingerprint.Tag) bool {
	var xw uint64
	for _, i := range e.UncommonNames.Bits() {
		xw ^= requestFPs[i].Low()
	}
	if xw != e.UncommonTag.XorWord {
		return false
	}

	bits := e.UncommonNames.Bits()
	reqTags := make([]fingerprint.Tag, len(bits))
	for i, b := range bits {
		reqTags[i] = requestFPs[b]
	}
	return fingerprint.Combine(reqTags).Equal(e.unlazyFP())
}

// CycleNames rebinds UncommonNames and IMap when a rewrite appends
// previously deleted names at higher indices. The XOR word is
// unaffected (XOR is order-insensitive), but any cached combined FP
// is invalidated because renumbering can change iteration order.
func (e *Entry) CycleNames(delBV *bitset.Dense, delMap *intintmap.Map) {
	if delBV.IsEmpty() {
		return
	}
	newUncommon := bitset.NewDense()
	for _, i := range e.UncommonNames.Bits() {
		if nw, ok := delMap.Get(i); ok {
			newUncommon.Set(nw)
		} else {
			newUncommon.Set(i)
		}
	}
	e.UncommonNames = newUncommon

	if e.IMap != nil {
		e.IMap = e.IMap.RemapKeys(func(old uint32) (uint32, bool) {
			if nw, ok := delMap.Get(old); ok {
				return nw, true
			}
			return old, true
		})
	}
	e.UncommonTag.fpValid = false
}

// Pack shrinks UncommonNames and IMap after a rewrite drops names
// from all_names: bits not present in remap's domain are removed
// (the caller guarantees they were already unset), surviving bits are
// reindexed, and IMap's keys are rewritten via remap. If the result
// is the identity map, IMap is dropped.
func (e *Entry) Pack(mask *bitset.Dense, remap *bitset.Remap) {
	if mask == nil && remap == nil {
		return
	}
	e.UncommonNames = e.UncommonNames.Pack(remap)
	if e.IMap != nil {
		e.IMap = e.IMap.RemapKeys(func(old uint32) (uint32, bool) {
			return remap.Lookup(old)
		})
		if e.IMap.Identity(e.IMap.Len()) {
			e.IMap = nil
		}
	}
}

// Update adjusts the entry to a new owning-PK common-names set: bits
// are flipped between UncommonNames and "common" as directed by
// exCommonNames (now-uncommon: names the entry must add to its own
// uncommon set) and exUncommonNames (now-common: names to drop from
// its uncommon set), the uncommon tag is rebuilt, and then Pack is
// applied.
func (e *Entry) Update(exCommonNames, exUncommonNames *bitset.Dense, mask *bitset.Dense, remap *bitset.Remap) {
	changed := false
	if exCommonNames != nil && !exCommonNames.IsEmpty() {
		e.UncommonNames = e.UncommonNames.Union(exCommonNames)
		changed = true
	}
	if exUncommonNames != nil && !exUncommonNames.IsEmpty() {
		e.UncommonNames = e.UncommonNames.Diff(exUncommonNames)
		changed = true
	}
	if changed {
		e.recomputeXor()
	}
	e.Pack(mask, remap)
}

// CheckUsedNames verifies that every key of IMap is a member of
// uncommonNames ∪ commonNames. commonNames may be nil for a new,
// fully-uncommon entry. Returns the first offending index on failure.
func (e *Entry) CheckUsedNames(commonNames *bitset.Dense) (missing uint32, ok bool) {
	if e.IMap == nil {
		return 0, true
	}
	for _, k := range e.IMap.Keys() {
		if e.UncommonNames.IsSet(k) {
			continue
		}
		if commonNames != nil && commonNames.IsSet(k) {
			continue
		}
		return k, false
	}
	return 0, true
}
