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

package pkfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"fncache/internal/bitset"
	"fncache/internal/cacheentry"
	"fncache/internal/fingerprint"
	"fncache/internal/intintmap"
)

// WriteTo encodes the file: header-type tag, header entries (each
// group's common_fp; no offsets are written), source_func, epochs, a
// shared-prefix encoding
// of all_names, the common_names bitset, then each group's entries
// with their imap/fps "extras" tail.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	if err := writeByte(cw, byte(f.HeaderType)); err != nil {
		return cw.n, err
	}
	if err := writeUint32(cw, uint32(len(f.Groups))); err != nil {
		return cw.n, err
	}
	for _, g := range f.Groups {
		if err := writeTag(cw, g.CommonFP); err != nil {
			return cw.n, err
		}
	}

	if err := writeString(cw, f.SourceFunc); err != nil {
		return cw.n, err
	}
	if err := writeUint32(cw, f.PKEpoch); err != nil {
		return cw.n, err
	}
	if err := writeUint32(cw, f.NamesEpoch); err != nil {
		return cw.n, err
	}
	if err := writeNames(cw, f.AllNames); err != nil {
		return cw.n, err
	}
	if err := writeDense(cw, f.CommonNames); err != nil {
		return cw.n, err
	}

	for _, g := range f.Groups {
		if err := writeUint32(cw, uint32(len(g.Entries))); err != nil {
			return cw.n, err
		}
		for _, e := range g.Entries {
			if err := writeEntry(cw, e); err != nil {
				return cw.n, err
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// ReadFrom decodes a file written by WriteTo.
func ReadFrom(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)

	headerType, err := readByte(br)
	if err != nil {
		return nil, err
	}
	nGroups, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	fps := make([]fingerprint.Tag, nGroups)
	for i := range fps {
		fps[i], err = readTag(br)
		if err != nil {
			return nil, err
		}
	}

	sourceFunc, err := readString(br)
	if err != nil {
		return nil, err
	}
	pkEpoch, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	namesEpoch, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	allNames, err := readNames(br)
	if err != nil {
		return nil, err
	}
	commonNames, err := readDense(br)
	if err != nil {
		return nil, err
	}

	groups := make([]Group, nGroups)
	for i := range groups {
		nEntries, err := readUint32(br)
		if err != nil {
			return nil, err
		}
		entries := make([]*cacheentry.Entry, nEntries)
		for j := range entries {
			e, err := readEntry(br)
			if err != nil {
				return nil, err
			}
			entries[j] = e
		}
		groups[i] = Group{CommonFP: fps[i], Entries: entries}
	}

	return &File{
		SourceFunc:  sourceFunc,
		PKEpoch:     pkEpoch,
		NamesEpoch:  namesEpoch,
		AllNames:    allNames,
		CommonNames: commonNames,
		Groups:      groups,
		HeaderType:  HeaderType(headerType),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeTag(w io.Writer, t fingerprint.Tag) error {
	b := t.Bytes()
	_, err := w.Write(b[:])
	return err
}

func readTag(r io.Reader) (fingerprint.Tag, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fingerprint.Tag{}, err
	}
	return fingerprint.FromBytes(b), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeNames encodes all_names with a shared-prefix table: each name
// is stored as (common-prefix length with the previous name, literal
// suffix), exploiting the typically path-like structure of free
// variable names.
func writeNames(w io.Writer, names []string) error {
	if err := writeUint32(w, uint32(len(names))); err != nil {
		return err
	}
	prev := ""
	for _, name := range names {
		shared := commonPrefixLen(prev, name)
		if err := writeUint32(w, uint32(shared)); err != nil {
			return err
		}
		if err := writeString(w, name[shared:]); err != nil {
			return err
		}
		prev = name
	}
	return nil
}

func readNames(r io.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	prev := ""
	for i := range names {
		shared, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		suffix, err := readString(r)
		if err != nil {
			return nil, err
		}
		if int(shared) > len(prev) {
			return nil, fmt.Errorf("pkfile: shared-prefix length %d exceeds previous name length %d", shared, len(prev))
		}
		var b strings.Builder
		b.WriteString(prev[:shared])
		b.WriteString(suffix)
		names[i] = b.String()
		prev = names[i]
	}
	return names, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeDense(w io.Writer, d *bitset.Dense) error {
	bits := d.Bits()
	if err := writeUint32(w, uint32(len(bits))); err != nil {
		return err
	}
	for _, b := range bits {
		if err := writeUint32(w, b); err != nil {
			return err
		}
	}
	return nil
}

func readDense(r io.Reader) (*bitset.Dense, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	d := bitset.NewDense()
	for i := uint32(0); i < n; i++ {
		b, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		d.Set(b)
	}
	return d, nil
}

// writeEntry encodes one CacheEntry: the fixed fields, the uncommon
// names bitset, then the "extras" tail (imap, fps). uncommon_tag is
// not persisted; Entry construction on decode recomputes it from fps,
// matching the teacher's preference for rebuilding cheap derived
// state over trusting it on disk.
func writeEntry(w io.Writer, e *cacheentry.Entry) error {
	if err := writeUint32(w, e.CI); err != nil {
		return err
	}
	if err := writeTag(w, e.PK); err != nil {
		return err
	}
	if err := writeUint64(w, e.Model); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(e.Value))); err != nil {
		return err
	}
	if _, err := w.Write(e.Value); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(e.Kids))); err != nil {
		return err
	}
	for _, k := range e.Kids {
		if err := writeUint32(w, k); err != nil {
			return err
		}
	}
	if err := writeDense(w, e.UncommonNames); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(e.FPs))); err != nil {
		return err
	}
	for _, fp := range e.FPs {
		if err := writeTag(w, fp); err != nil {
			return err
		}
	}
	hasIMap := e.IMap != nil
	if err := writeByte(w, boolByte(hasIMap)); err != nil {
		return err
	}
	if hasIMap {
		if err := e.IMap.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

func readEntry(r io.Reader) (*cacheentry.Entry, error) {
	ci, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	pk, err := readTag(r)
	if err != nil {
		return nil, err
	}
	model, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	vn, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	value := make([]byte, vn)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, err
	}
	nk, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	kids := make([]uint32, nk)
	for i := range kids {
		kids[i], err = readUint32(r)
		if err != nil {
			return nil, err
		}
	}
	uncommon, err := readDense(r)
	if err != nil {
		return nil, err
	}
	nf, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	fps := make([]fingerprint.Tag, nf)
	for i := range fps {
		fps[i], err = readTag(r)
		if err != nil {
			return nil, err
		}
	}
	hasIMapByte, err := readByte(r)
	if err != nil {
		return nil, err
	}
	var imap *intintmap.Map
	if hasIMapByte != 0 {
		imap, err = intintmap.ReadFrom(r)
		if err != nil {
			return nil, err
		}
	}

	return cacheentry.New(ci, pk, model, value, kids, fps, imap, uncommon), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
