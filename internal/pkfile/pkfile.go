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

// Package pkfile implements the on-disk layout of a group of cache
// entries that share a primary key: a small secondary index over
// common-fingerprint groups (list or sorted-list), the free-variable
// name table, the common-names bitset, and the rewrite algorithm that
// reconciles survivors from the on-disk file with newly flushed
// entries.
package pkfile

import (
	"sort"

	"fncache/internal/bitset"
	"fncache/internal/cacheentry"
	"fncache/internal/fingerprint"
)

// sortedListThreshold is the group count above which the common-fp
// index switches from a linear list to a binary-searchable sorted
// list.
const sortedListThreshold = 8

// HeaderType selects the secondary-index layout over Groups.
type HeaderType byte

const (
	HeaderList       HeaderType = 0
	HeaderSortedList HeaderType = 1
)

// Group is every entry sharing one common fingerprint.
type Group struct {
	CommonFP fingerprint.Tag
	Entries  []*cacheentry.Entry
}

// File is the decoded, in-memory form of one stable PKFile.
type File struct {
	SourceFunc  string
	PKEpoch     uint32
	NamesEpoch  uint32
	AllNames    []string
	CommonNames *bitset.Dense
	Groups      []Group
	HeaderType  HeaderType
}

// New returns an empty PKFile for sourceFunc.
func New(sourceFunc string) *File {
	return &File{SourceFunc: sourceFunc, CommonNames: bitset.NewDense()}
}

// IsEmpty reports whether the file carries no entries at all; such a
// file is represented on disk as is_stable_empty at the VPK level
// rather than as a zero-group MultiPKFile entry.
func (f *File) IsEmpty() bool {
	return len(f.Groups) == 0
}

func (f *File) rebuildIndex() {
	if len(f.Groups) >= sortedListThreshold {
		f.HeaderType = HeaderSortedList
		sort.Slice(f.Groups, func(i, j int) bool { return f.Groups[i].CommonFP.Less(f.Groups[j].CommonFP) })
	} else {
		f.HeaderType = HeaderList
	}
}

// FindGroup resolves the entry group for commonFP: binary search when
// the index is a sorted list, linear scan otherwise.
func (f *File) FindGroup(commonFP fingerprint.Tag) (*Group, bool) {
	if f.HeaderType == HeaderSortedList {
		n := len(f.Groups)
		i := sort.Search(n, func(i int) bool { return !f.Groups[i].CommonFP.Less(commonFP) })
		if i < n && f.Groups[i].CommonFP.Equal(commonFP) {
			return &f.Groups[i], true
		}
		return nil, false
	}
	for i := range f.Groups {
		if f.Groups[i].CommonFP.Equal(commonFP) {
			return &f.Groups[i], true
		}
	}
	return nil, false
}

// Lookup resolves commonFP to its group and scans it applying Match
// against requestFPs, which must be indexed the same way as AllNames.
func (f *File) Lookup(commonFP fingerprint.Tag, requestFPs []fingerprint.Tag) (*cacheentry.Entry, bool) {
	g, ok := f.FindGroup(commonFP)
	if !ok {
		return nil, false
	}
	for _, e := range g.Entries {
		if e.Match(requestFPs) {
			return e, true
		}
	}
	return nil, false
}

// UpdateResult reports what Update changed, for the caller (VM
// rewrite) to propagate to the owning VPKFile.
type UpdateResult struct {
	Changed     bool
	ExCommon    *bitset.Dense // names that were common and no longer are
	ExUncommon  *bitset.Dense // names that were not common and now are
	Mask        *bitset.Dense // surviving name indices, in the pre-update index space
	Remap       *bitset.Remap
	BecameEmpty bool
}

func packNames(names []string, mask *bitset.Dense) []string {
	bits := mask.Bits()
	out := make([]string, len(bits))
	for i, b := range bits {
		out[i] = names[int(b)]
	}
	return out
}

// Update reconciles the file's previous surviving entries (common,
// already stored relative to CommonNames) with newUncommon, newly
// flushed entries whose UncommonNames still holds their entire
// free-variable set, against deletions named by toDeleteCIs.
//
// This follows a seven-step reconciliation algorithm, with one
// asymmetry carried over from how entries reach a PKFile: a common
// entry's UncommonNames only ever records names beyond CommonNames,
// so its full name set is CommonNames ∪ UncommonNames; an uncommon
// entry's UncommonNames already *is* its full name set, since nothing
// has established that it covers every current common name. The
// join/meet of full name sets is accumulated directly from candidates
// and newUncommon's raw UncommonNames, and CommonNames is folded in
// only once, after the fact, and only if a common entry survived —
// never per-entry.
func (f *File) Update(candidates, newUncommon []*cacheentry.Entry, toDeleteCIs *bitset.Dense, newPKEpoch uint32) UpdateResult {
	var common, uncommon []*cacheentry.Entry
	for _, e := range candidates {
		if toDeleteCIs != nil && toDeleteCIs.IsSet(e.CI) {
			continue
		}
		common = append(common, e)
	}
	for _, e := range newUncommon {
		if toDeleteCIs != nil && toDeleteCIs.IsSet(e.CI) {
			continue
		}
		uncommon = append(uncommon, e)
	}

	if len(common) == 0 && len(uncommon) == 0 {
		*f = File{SourceFunc: f.SourceFunc, PKEpoch: newPKEpoch, CommonNames: bitset.NewDense()}
		return UpdateResult{Changed: true, BecameEmpty: true}
	}

	join := bitset.NewDense()
	var meet *bitset.Dense
	accumulate := func(names *bitset.Dense) {
		join = join.Union(names)
		if meet == nil {
			meet = names.Clone()
		} else {
			meet = meet.Intersect(names)
		}
	}
	for _, e := range common {
		accumulate(e.UncommonNames)
	}
	for _, e := range uncommon {
		accumulate(e.UncommonNames)
	}
	if len(common) > 0 {
		join = join.Union(f.CommonNames)
		meet = meet.Union(f.CommonNames)
	}

	oldCommon := f.CommonNames
	exCommon := oldCommon.Diff(meet).Intersect(join)
	exUncommon := meet.Diff(oldCommon)

	mask := join
	remap := bitset.NewRemap(mask, len(f.AllNames))
	namesDropped := mask.Size() != len(f.AllNames)

	changed := !exCommon.IsEmpty() || !exUncommon.IsEmpty() || namesDropped ||
		len(common) != len(candidates) || len(uncommon) != len(newUncommon)

	for _, e := range common {
		e.Update(exCommon, exUncommon, mask, remap)
	}
	for _, e := range uncommon {
		// Per the original: an uncommon entry's UncommonNames is its
		// own full free-variable set, so it is never unioned with
		// exCommonNames; instead the new CommonNames is subtracted
		// off directly, demoting it to the "beyond common" form used
		// by every entry once stored.
		e.Update(nil, meet, mask, remap)
	}

	newAllNames := packNames(f.AllNames, mask)
	newCommon := meet.Pack(remap)

	survivors := append(append([]*cacheentry.Entry{}, common...), uncommon...)
	groupsByFP := make(map[fingerprint.Tag][]*cacheentry.Entry)
	var order []fingerprint.Tag
	for _, e := range survivors {
		fp := e.CombineFP(newCommon)
		if _, ok := groupsByFP[fp]; !ok {
			order = append(order, fp)
		}
		groupsByFP[fp] = append(groupsByFP[fp], e)
	}
	groups := make([]Group, len(order))
	for i, fp := range order {
		groups[i] = Group{CommonFP: fp, Entries: groupsByFP[fp]}
	}

	f.AllNames = newAllNames
	f.CommonNames = newCommon
	f.Groups = groups
	f.rebuildIndex()
	f.PKEpoch = newPKEpoch
	if namesDropped {
		f.NamesEpoch++
	}

	return UpdateResult{Changed: changed, ExCommon: exCommon, ExUncommon: exUncommon, Mask: mask, Remap: remap}
}
