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

// Package bitset implements the dense and sparse bit sets used to
// track PKFile name sets (all_names/common_names/uncommon_names),
// the used-CI set, and the hit filter.
//
// Dense is used where the index space is known to be small and
// contiguous (per-PKFile name bitsets); Sparse is used for the
// process-wide used-CI and hit-filter sets, where indices can be
// arbitrarily large and are usually clustered into runs.
package bitset

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

const wordBits = 64

// Dense is a fixed small bit set over word-packed uint64s, used for
// per-PKFile name sets where the universe size is the PKFile's
// all_names length.
type Dense struct {
	words []uint64
}

// NewDense returns an empty Dense bit set.
func NewDense() *Dense {
	return &Dense{}
}

// Clone returns an independent copy.
func (d *Dense) Clone() *Dense {
	if d == nil {
		return NewDense()
	}
	w := make([]uint64, len(d.words))
	copy(w, d.words)
	return &Dense{words: w}
}

func (d *Dense) ensure(word int) {
	for len(d.words) <= word {
		d.words = append(d.words, 0)
	}
}

// Set sets bit i.
func (d *Dense) Set(i uint32) {
	w := int(i / wordBits)
	d.ensure(w)
	d.words[w] |= 1 << (i % wordBits)
}

// Clear resets bit i.
func (d *Dense) Clear(i uint32) {
	w := int(i / wordBits)
	if w >= len(d.words) {
		return
	}
	d.words[w] &^= 1 << (i % wordBits)
}

// IsSet reports whether bit i is set.
func (d *Dense) IsSet(i uint32) bool {
	w := int(i / wordBits)
	if w >= len(d.words) {
		return false
	}
	return d.words[w]&(1<<(i%wordBits)) != 0
}

// IsEmpty reports whether no bits are set.
func (d *Dense) IsEmpty() bool {
	for _, w := range d.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Size returns the number of set bits.
func (d *Dense) Size() int {
	n := 0
	for _, w := range d.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Bits returns the set bit indices in ascending order.
func (d *Dense) Bits() []uint32 {
	out := make([]uint32, 0, d.Size())
	for wi, w := range d.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, uint32(wi*wordBits+tz))
			w &^= 1 << tz
		}
	}
	return out
}

// Union returns a new Dense set containing every bit in d or o.
func (d *Dense) Union(o *Dense) *Dense {
	n := len(d.words)
	if len(o.words) > n {
		n = len(o.words)
	}
	out := &Dense{words: make([]uint64, n)}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(d.words) {
			a = d.words[i]
		}
		if i < len(o.words) {
			b = o.words[i]
		}
		out.words[i] = a | b
	}
	return out
}

// Intersect returns a new Dense set containing every bit in both d and o.
func (d *Dense) Intersect(o *Dense) *Dense {
	n := len(d.words)
	if len(o.words) < n {
		n = len(o.words)
	}
	out := &Dense{words: make([]uint64, n)}
	for i := 0; i < n; i++ {
		out.words[i] = d.words[i] & o.words[i]
	}
	return out
}

// Diff returns a new Dense set containing the bits in d but not in o
// (d minus o).
func (d *Dense) Diff(o *Dense) *Dense {
	out := &Dense{words: make([]uint64, len(d.words))}
	for i, w := range d.words {
		var b uint64
		if i < len(o.words) {
			b = o.words[i]
		}
		out.words[i] = w &^ b
	}
	return out
}

// Xor returns a new Dense set that is the symmetric difference of d and o.
func (d *Dense) Xor(o *Dense) *Dense {
	n := len(d.words)
	if len(o.words) > n {
		n = len(o.words)
	}
	out := &Dense{words: make([]uint64, n)}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(d.words) {
			a = d.words[i]
		}
		if i < len(o.words) {
			b = o.words[i]
		}
		out.words[i] = a ^ b
	}
	return out
}

// Subset reports whether every bit set in d is also set in o.
func (d *Dense) Subset(o *Dense) bool {
	for i, w := range d.words {
		var b uint64
		if i < len(o.words) {
			b = o.words[i]
		}
		if w&^b != 0 {
			return false
		}
	}
	return true
}

// Remap describes an old-index -> new-index renumbering produced by
// a Pack operation: it is built once from a mask and then applied to
// every bit set that shares the same universe.
type Remap struct {
	// oldToNew[i] is the new index of old index i, or -1 if i was
	// dropped by the mask.
	oldToNew []int32
}

// NewRemap builds a Remap from a mask: bits set in mask survive and
// are packed toward zero preserving their relative order; bits unset
// in mask are dropped (oldToNew == -1).
func NewRemap(mask *Dense, universe int) *Remap {
	r := &Remap{oldToNew: make([]int32, universe)}
	next := int32(0)
	for i := 0; i < universe; i++ {
		if mask.IsSet(uint32(i)) {
			r.oldToNew[i] = next
			next++
		} else {
			r.oldToNew[i] = -1
		}
	}
	return r
}

// IsIdentity reports whether the remap does not move or drop any bit.
func (r *Remap) IsIdentity() bool {
	for i, v := range r.oldToNew {
		if v != int32(i) {
			return false
		}
	}
	return true
}

// Lookup returns the new index of old index i and whether it survived.
func (r *Remap) Lookup(old uint32) (uint32, bool) {
	if int(old) >= len(r.oldToNew) {
		return 0, false
	}
	v := r.oldToNew[old]
	if v < 0 {
		return 0, false
	}
	return uint32(v), true
}

// Pack applies a Remap to d, producing a new Dense set whose bit i is
// set iff some old bit j with r.Lookup(j) == (i, true) was set in d.
// Bits dropped by the mask (not present in r's domain) are silently
// omitted; this matches the CacheEntry.Pack contract, which requires
// callers to ensure dropped bits were already unset.
func (d *Dense) Pack(r *Remap) *Dense {
	out := NewDense()
	for _, old := range d.Bits() {
		if nw, ok := r.Lookup(old); ok {
			out.Set(nw)
		}
	}
	return out
}

// Sparse is an index set over an unbounded index space (CI values),
// represented as sorted disjoint half-open intervals. It favors the
// used-CI and hit-filter use cases where allocation is monotone and
// deletions arrive as explicit intervals.
type Sparse struct {
	// ivals are sorted, non-overlapping, non-adjacent [lo, hi) ranges.
	ivals []Interval
}

// Interval is a half-open range [Lo, Hi).
type Interval struct {
	Lo, Hi uint32
}

// NewSparse returns an empty Sparse set.
func NewSparse() *Sparse {
	return &Sparse{}
}

// Clone returns an independent copy.
func (s *Sparse) Clone() *Sparse {
	out := &Sparse{ivals: make([]Interval, len(s.ivals))}
	copy(out.ivals, s.ivals)
	return out
}

// IsSet reports whether i is a member.
func (s *Sparse) IsSet(i uint32) bool {
	lo, hi := 0, len(s.ivals)
	for lo < hi {
		mid := (lo + hi) / 2
		if i < s.ivals[mid].Lo {
			hi = mid
		} else if i >= s.ivals[mid].Hi {
			lo = mid + 1
		} else {
			return true
		}
	}
	return false
}

// Set adds i to the set.
func (s *Sparse) Set(i uint32) {
	s.AddInterval(Interval{Lo: i, Hi: i + 1})
}

// AddInterval merges [iv.Lo, iv.Hi) into the set, coalescing with
// adjacent/overlapping intervals.
func (s *Sparse) AddInterval(iv Interval) {
	if iv.Lo >= iv.Hi {
		return
	}
	out := make([]Interval, 0, len(s.ivals)+1)
	inserted := false
	for _, cur := range s.ivals {
		switch {
		case cur.Hi < iv.Lo:
			out = append(out, cur)
		case iv.Hi < cur.Lo:
			if !inserted {
				out = append(out, iv)
				inserted = true
			}
			out = append(out, cur)
		default:
			if cur.Lo < iv.Lo {
				iv.Lo = cur.Lo
			}
			if cur.Hi > iv.Hi {
				iv.Hi = cur.Hi
			}
		}
	}
	if !inserted {
		out = append(out, iv)
	}
	s.ivals = out
}

// Clear removes i from the set.
func (s *Sparse) Clear(i uint32) {
	s.SubtractInterval(Interval{Lo: i, Hi: i + 1})
}

// SubtractInterval removes [iv.Lo, iv.Hi) from the set.
func (s *Sparse) SubtractInterval(iv Interval) {
	if iv.Lo >= iv.Hi {
		return
	}
	out := make([]Interval, 0, len(s.ivals))
	for _, cur := range s.ivals {
		if cur.Hi <= iv.Lo || cur.Lo >= iv.Hi {
			out = append(out, cur)
			continue
		}
		if cur.Lo < iv.Lo {
			out = append(out, Interval{Lo: cur.Lo, Hi: iv.Lo})
		}
		if cur.Hi > iv.Hi {
			out = append(out, Interval{Lo: iv.Hi, Hi: cur.Hi})
		}
	}
	s.ivals = out
}

// Subtract removes every member of o from s, returning a new Sparse.
func (s *Sparse) Subtract(o *Sparse) *Sparse {
	out := s.Clone()
	for _, iv := range o.ivals {
		out.SubtractInterval(iv)
	}
	return out
}

// Union returns a new Sparse containing every member of s or o.
func (s *Sparse) Union(o *Sparse) *Sparse {
	out := s.Clone()
	for _, iv := range o.ivals {
		out.AddInterval(iv)
	}
	return out
}

// IsEmpty reports whether the set has no members.
func (s *Sparse) IsEmpty() bool {
	return len(s.ivals) == 0
}

// Size returns the number of members.
func (s *Sparse) Size() int {
	n := 0
	for _, iv := range s.ivals {
		n += int(iv.Hi - iv.Lo)
	}
	return n
}

// Intervals returns the set's intervals in ascending order. The
// returned slice must not be mutated by the caller.
func (s *Sparse) Intervals() []Interval {
	return s.ivals
}

// NextAvail returns the lowest index not a member of s and not a
// member of except (except may be nil).
func (s *Sparse) NextAvail(except *Sparse) uint32 {
	blocked := s
	if except != nil {
		blocked = s.Union(except)
	}
	var cand uint32
	for _, iv := range blocked.ivals {
		if cand < iv.Lo {
			return cand
		}
		if cand < iv.Hi {
			cand = iv.Hi
		}
	}
	return cand
}

// Contains reports whether every member of o is also a member of s.
func (s *Sparse) Contains(o *Sparse) bool {
	for _, iv := range o.ivals {
		for i := iv.Lo; i < iv.Hi; i++ {
			if !s.IsSet(i) {
				return false
			}
		}
	}
	return true
}

// WriteTo encodes s as an interval count followed by (lo, hi) pairs,
// used to persist the hit filter and other stable bitset scalars.
func (s *Sparse) WriteTo(w io.Writer) (int64, error) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(s.ivals)))
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	total := int64(n)
	var buf [8]byte
	for _, iv := range s.ivals {
		binary.BigEndian.PutUint32(buf[0:4], iv.Lo)
		binary.BigEndian.PutUint32(buf[4:8], iv.Hi)
		n, err := w.Write(buf[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadSparseFrom decodes a Sparse written by WriteTo.
func ReadSparseFrom(r io.Reader) (*Sparse, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("bitset: read sparse count: %w", err)
	}
	count := binary.BigEndian.Uint32(hdr[:])
	ivals := make([]Interval, count)
	var buf [8]byte
	for i := range ivals {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("bitset: read sparse interval %d: %w", i, err)
		}
		ivals[i] = Interval{Lo: binary.BigEndian.Uint32(buf[0:4]), Hi: binary.BigEndian.Uint32(buf[4:8])}
	}
	return &Sparse{ivals: ivals}, nil
}
