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
	"encoding/binary"
	"fmt"

	"fncache/internal/fingerprint"
)

// CacheRecord is one committed cache entry: (source_func, pk,
// pk_epoch, ci, value, model, kids, names, fps). Names holds the
// owning PKFile's all_names indices the entry's free variables bind
// to, in FPs order.
type CacheRecord struct {
	SourceFunc string
	PK         fingerprint.Tag
	PKEpoch    uint32
	CI         uint32
	Value      []byte
	Model      uint64
	Kids       []uint32
	Names      []uint32
	FPs        []fingerprint.Tag
}

// CacheLog is the append-only log of newly committed entries, with a
// background clean that drops entries superseded by a later PKFile
// epoch.
type CacheLog struct {
	dir *Dir
}

// OpenCacheLog opens (or creates) the cache-log directory.
func OpenCacheLog(root string) (*CacheLog, error) {
	d, err := Open(root)
	if err != nil {
		return nil, err
	}
	return &CacheLog{dir: d}, nil
}

// Append commits one new-entry record. It is step 3 of the commit
// order: after used-CI and graph-log, before the stable MultiPKFile
// rewrite.
func (l *CacheLog) Append(rec CacheRecord) error {
	return l.dir.Append(encodeCacheRecord(rec))
}

// PKEpochLookup resolves the on-disk epoch recorded for pk, if any.
// Clean calls this once per surviving record to test staleness;
// callers wire it to the stable MultiPKFile layer.
type PKEpochLookup func(pk fingerprint.Tag) (epoch uint32, found bool)

// Clean runs the cache-log clean pass: every entry whose owning
// PKFile has (on disk, or via the empty-PK log) an epoch newer than
// the entry's own is dropped; everything else survives into a
// fresh checkpoint. The six-step commit order is followed exactly:
// (a) begin an empty checkpoint on emptyLog, (b) begin this log's
// checkpoint, (c) write filtered entries, (d) commit this log's
// checkpoint, (e) prune this log, (f) commit emptyLog's checkpoint.
func (l *CacheLog) Clean(emptyLog *EmptyPKLog, lookupEpoch PKEpochLookup) error {
	keepFromEmpty, err := emptyLog.CheckpointBegin() // (a)
	if err != nil {
		return fmt.Errorf("cachelog: clean: begin empty checkpoint: %w", err)
	}

	if err := l.dir.BeginCheckpoint(); err != nil { // (b)
		return fmt.Errorf("cachelog: clean: begin checkpoint: %w", err)
	}
	keepFromCache := l.dir.CurrentSegment()

	stale := func(pk fingerprint.Tag, pkEpoch uint32) bool {
		if epoch, ok := lookupEpoch(pk); ok && epoch > pkEpoch {
			return true
		}
		if epoch, ok := emptyLog.GetEpoch(pk); ok && epoch > pkEpoch {
			return true
		}
		return false
	}

	var kept [][]byte

	if data, ok, err := l.dir.Checkpoint(); err != nil {
		return fmt.Errorf("cachelog: clean: read checkpoint: %w", err)
	} else if ok {
		recs, err := decodeCacheCheckpoint(data)
		if err != nil {
			return fmt.Errorf("cachelog: clean: decode checkpoint: %w", err)
		}
		for _, rec := range recs {
			if !stale(rec.PK, rec.PKEpoch) {
				kept = append(kept, encodeCacheRecord(rec))
			}
		}
	}

	err = l.dir.ReplaySegments(func(rec []byte) error { // (c)
		cr, err := decodeCacheRecord(rec)
		if err != nil {
			return err
		}
		if !stale(cr.PK, cr.PKEpoch) {
			kept = append(kept, encodeCacheRecord(cr))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cachelog: clean: replay: %w", err)
	}

	if err := l.dir.WriteCheckpoint(encodeCacheCheckpoint(kept)); err != nil { // (d)
		return fmt.Errorf("cachelog: clean: write checkpoint: %w", err)
	}
	if err := l.dir.PruneBefore(keepFromCache); err != nil { // (e)
		return fmt.Errorf("cachelog: clean: prune: %w", err)
	}
	if err := emptyLog.CheckpointEnd(keepFromEmpty); err != nil { // (f)
		return fmt.Errorf("cachelog: clean: commit empty checkpoint: %w", err)
	}
	return nil
}

// Recover replays the checkpoint plus every subsequent record,
// calling fn with each surviving CacheRecord in commit order.
func (l *CacheLog) Recover(fn func(CacheRecord) error) error {
	if data, ok, err := l.dir.Checkpoint(); err != nil {
		return err
	} else if ok {
		recs, err := decodeCacheCheckpoint(data)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return l.dir.ReplaySegments(func(rec []byte) error {
		cr, err := decodeCacheRecord(rec)
		if err != nil {
			return err
		}
		return fn(cr)
	})
}

// Close flushes and closes the underlying segment.
func (l *CacheLog) Close() error { return l.dir.Close() }

func encodeCacheRecord(rec CacheRecord) []byte {
	size := 2 + len(rec.SourceFunc) + 16 + 4 + 4 + 8 +
		4 + 4*len(rec.Kids) +
		4 + 4*len(rec.Names) +
		4 + 16*len(rec.FPs) +
		4 + len(rec.Value)
	buf := make([]byte, size)
	off := 0

	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(rec.SourceFunc)))
	off += 2
	off += copy(buf[off:], rec.SourceFunc)

	pkb := rec.PK.Bytes()
	copy(buf[off:off+16], pkb[:])
	off += 16

	binary.BigEndian.PutUint32(buf[off:off+4], rec.PKEpoch)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], rec.CI)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], rec.Model)
	off += 8

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(rec.Kids)))
	off += 4
	for _, k := range rec.Kids {
		binary.BigEndian.PutUint32(buf[off:off+4], k)
		off += 4
	}

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(rec.Names)))
	off += 4
	for _, n := range rec.Names {
		binary.BigEndian.PutUint32(buf[off:off+4], n)
		off += 4
	}

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(rec.FPs)))
	off += 4
	for _, fp := range rec.FPs {
		b := fp.Bytes()
		copy(buf[off:off+16], b[:])
		off += 16
	}

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(rec.Value)))
	off += 4
	off += copy(buf[off:], rec.Value)

	return buf
}

func decodeCacheRecord(rec []byte) (CacheRecord, error) {
	var out CacheRecord
	off := 0
	need := func(n int) error {
		if off+n > len(rec) {
			return fmt.Errorf("cachelog: truncated record at offset %d", off)
		}
		return nil
	}

	if err := need(2); err != nil {
		return out, err
	}
	fnLen := int(binary.BigEndian.Uint16(rec[off : off+2]))
	off += 2
	if err := need(fnLen); err != nil {
		return out, err
	}
	out.SourceFunc = string(rec[off : off+fnLen])
	off += fnLen

	if err := need(16); err != nil {
		return out, err
	}
	var pkb [16]byte
	copy(pkb[:], rec[off:off+16])
	out.PK = fingerprint.FromBytes(pkb)
	off += 16

	if err := need(4 + 4 + 8); err != nil {
		return out, err
	}
	out.PKEpoch = binary.BigEndian.Uint32(rec[off : off+4])
	off += 4
	out.CI = binary.BigEndian.Uint32(rec[off : off+4])
	off += 4
	out.Model = binary.BigEndian.Uint64(rec[off : off+8])
	off += 8

	if err := need(4); err != nil {
		return out, err
	}
	nk := int(binary.BigEndian.Uint32(rec[off : off+4]))
	off += 4
	out.Kids = make([]uint32, nk)
	for i := range out.Kids {
		if err := need(4); err != nil {
			return out, err
		}
		out.Kids[i] = binary.BigEndian.Uint32(rec[off : off+4])
		off += 4
	}

	if err := need(4); err != nil {
		return out, err
	}
	nn := int(binary.BigEndian.Uint32(rec[off : off+4]))
	off += 4
	out.Names = make([]uint32, nn)
	for i := range out.Names {
		if err := need(4); err != nil {
			return out, err
		}
		out.Names[i] = binary.BigEndian.Uint32(rec[off : off+4])
		off += 4
	}

	if err := need(4); err != nil {
		return out, err
	}
	nf := int(binary.BigEndian.Uint32(rec[off : off+4]))
	off += 4
	out.FPs = make([]fingerprint.Tag, nf)
	for i := range out.FPs {
		if err := need(16); err != nil {
			return out, err
		}
		var b [16]byte
		copy(b[:], rec[off:off+16])
		out.FPs[i] = fingerprint.FromBytes(b)
		off += 16
	}

	if err := need(4); err != nil {
		return out, err
	}
	vn := int(binary.BigEndian.Uint32(rec[off : off+4]))
	off += 4
	if err := need(vn); err != nil {
		return out, err
	}
	out.Value = append([]byte(nil), rec[off:off+vn]...)
	off += vn

	return out, nil
}

func encodeCacheCheckpoint(recs [][]byte) []byte {
	size := 4
	for _, r := range recs {
		size += 4 + len(r)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(recs)))
	off := 4
	for _, r := range recs {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(r)))
		off += 4
		off += copy(buf[off:], r)
	}
	return buf
}

func decodeCacheCheckpoint(data []byte) ([]CacheRecord, error) {
	if len(data) < 4 {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(data[0:4])
	off := 4
	out := make([]CacheRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("cachelog: truncated checkpoint entry header")
		}
		l := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if off+l > len(data) {
			return nil, fmt.Errorf("cachelog: truncated checkpoint entry body")
		}
		rec, err := decodeCacheRecord(data[off : off+l])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		off += l
	}
	return out, nil
}
