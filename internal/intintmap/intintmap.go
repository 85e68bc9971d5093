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

// Package intintmap implements a compact uint32->uint32 map that
// serializes through WriteTo/ReadFrom in two on-disk width formats; it
// has no log/recover protocol of its own.
// It backs CacheEntry.imap (owning-PKFile all_names index -> index
// into the entry's fps) and the rewrite-time remap tables.
package intintmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Width selects the on-disk key/value encoding. Entries whose domain
// and range both fit in 16 bits use WidthNarrow for a denser log and
// PKFile extras tail; anything else upgrades to WidthWide.
type Width uint8

const (
	WidthNarrow Width = 0 // 16-bit keys and values
	WidthWide   Width = 1 // 32-bit keys and values
)

// Map is an insertion-ordered uint32->uint32 map. Ordering is
// preserved so that WriteTo reproduces a deterministic byte stream,
// which matters for the "was this PKFile rewritten with the same
// bytes" style tests.
type Map struct {
	order []uint32
	vals  map[uint32]uint32
}

// New returns an empty Map.
func New() *Map {
	return &Map{vals: make(map[uint32]uint32)}
}

// Identity reports whether m is nil or maps every key to itself over
// the given domain size; CacheEntry drops imap altogether when this
// holds, per spec.
func (m *Map) Identity(domainSize int) bool {
	if m == nil {
		return true
	}
	if len(m.vals) != domainSize {
		return false
	}
	for k, v := range m.vals {
		if k != v {
			return false
		}
	}
	return true
}

// Put associates key with value. Re-putting an existing key updates
// the value in place without disturbing insertion order.
func (m *Map) Put(key, value uint32) {
	if _, ok := m.vals[key]; !ok {
		m.order = append(m.order, key)
	}
	m.vals[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key uint32) (uint32, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.vals)
}

// Keys returns the domain in ascending order.
func (m *Map) Keys() []uint32 {
	keys := make([]uint32, 0, len(m.vals))
	for k := range m.vals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clone returns an independent copy preserving insertion order.
func (m *Map) Clone() *Map {
	out := New()
	for _, k := range m.order {
		out.Put(k, m.vals[k])
	}
	return out
}

// RemapKeys replaces every key k in m's domain with newKey(k),
// keeping the associated value. Used by CacheEntry.CycleNames and
// Pack to rebind imap after a PKFile's all_names is renumbered.
func (m *Map) RemapKeys(newKey func(old uint32) (uint32, bool)) *Map {
	out := New()
	for _, k := range m.order {
		if nk, ok := newKey(k); ok {
			out.Put(nk, m.vals[k])
		}
	}
	return out
}

// widthFor returns the narrowest width that can represent every key
// and value currently in m.
func (m *Map) widthFor() Width {
	for k, v := range m.vals {
		if k > 0xffff || v > 0xffff {
			return WidthWide
		}
	}
	return WidthNarrow
}

// WriteTo serializes m as: width byte, uint32 count, then count
// (key,value) pairs at the chosen width, in insertion order. This is
// used both for the CacheEntry "extras" tail and for the compact
// remap tables produced during a rewrite.
func (m *Map) WriteTo(w io.Writer) error {
	width := m.widthFor()
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(byte(width)); err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(m.order)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	for _, k := range m.order {
		v := m.vals[k]
		if width == WidthNarrow {
			var buf [4]byte
			binary.BigEndian.PutUint16(buf[0:2], uint16(k))
			binary.BigEndian.PutUint16(buf[2:4], uint16(v))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		} else {
			var buf [8]byte
			binary.BigEndian.PutUint32(buf[0:4], k)
			binary.BigEndian.PutUint32(buf[4:8], v)
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadFrom decodes a Map previously written by WriteTo.
func ReadFrom(r io.Reader) (*Map, error) {
	br := bufio.NewReader(r)
	wb, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("intintmap: read width: %w", err)
	}
	width := Width(wb)
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("intintmap: read count: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	m := New()
	for i := uint32(0); i < n; i++ {
		switch width {
		case WidthNarrow:
			var buf [4]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return nil, fmt.Errorf("intintmap: read narrow entry %d: %w", i, err)
			}
			m.Put(uint32(binary.BigEndian.Uint16(buf[0:2])), uint32(binary.BigEndian.Uint16(buf[2:4])))
		case WidthWide:
			var buf [8]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return nil, fmt.Errorf("intintmap: read wide entry %d: %w", i, err)
			}
			m.Put(binary.BigEndian.Uint32(buf[0:4]), binary.BigEndian.Uint32(buf[4:8]))
		default:
			return nil, fmt.Errorf("intintmap: unknown width %d", width)
		}
	}
	return m, nil
}

// MaxNarrowKey is the per-PK name-index ceiling under WidthNarrow,
// i.e. the point at which NewEntry must fail with TooManyNames rather
// than silently upgrading: a PKFile's width is fixed when it is first
// written and upgrading requires a full rewrite, not a single insert.
const MaxNarrowKey = 0xffff
