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

	"fncache/internal/bitset"
)

// UsedCIOp distinguishes an interval being added to or removed from
// the live used-CI set.
type UsedCIOp byte

const (
	UsedCIAdd    UsedCIOp = 0
	UsedCIRemove UsedCIOp = 1
)

// UsedCIRecord is one {op, lo, hi} interval record.
type UsedCIRecord struct {
	Op UsedCIOp
	Lo uint32
	Hi uint32
}

// UsedCILog is the append-only log of used-CI interval operations,
// checkpointed as a full copy of the live bitset.
type UsedCILog struct {
	dir *Dir
}

// OpenUsedCILog opens (or creates) the used-CI log directory.
func OpenUsedCILog(root string) (*UsedCILog, error) {
	d, err := Open(root)
	if err != nil {
		return nil, err
	}
	return &UsedCILog{dir: d}, nil
}

// Append commits one interval operation. It is step 1 of the commit
// order: it must happen before the graph-log and cache-log records
// for the same AddEntry.
func (l *UsedCILog) Append(rec UsedCIRecord) error {
	buf := make([]byte, 9)
	buf[0] = byte(rec.Op)
	binary.BigEndian.PutUint32(buf[1:5], rec.Lo)
	binary.BigEndian.PutUint32(buf[5:9], rec.Hi)
	return l.dir.Append(buf)
}

// Checkpoint drains the pending in-memory picture by writing a full
// snapshot of used_cis (the caller's snapshot, as given) as the new
// checkpoint, then prunes segments older than the post-checkpoint
// cursor. Callers must have already locked out concurrent Appends for
// the duration of obtaining the snapshot.
func (l *UsedCILog) Checkpoint(snapshot *bitset.Sparse) error {
	data := encodeIntervals(snapshot.Intervals())
	if err := l.dir.BeginCheckpoint(); err != nil {
		return err
	}
	keepFrom := l.dir.CurrentSegment()
	if err := l.dir.WriteCheckpoint(data); err != nil {
		return err
	}
	return l.dir.PruneBefore(keepFrom)
}

// Recover replays the checkpoint (a full bitset) followed by every
// subsequent interval op, reconstructing used_cis as of the crash.
func (l *UsedCILog) Recover() (*bitset.Sparse, error) {
	used := bitset.NewSparse()
	data, ok, err := l.dir.Checkpoint()
	if err != nil {
		return nil, err
	}
	if ok {
		for _, iv := range decodeIntervals(data) {
			used.AddInterval(iv)
		}
	}
	err = l.dir.ReplaySegments(func(rec []byte) error {
		if len(rec) != 9 {
			return fmt.Errorf("usedcilog: malformed record of length %d", len(rec))
		}
		op := UsedCIOp(rec[0])
		lo := binary.BigEndian.Uint32(rec[1:5])
		hi := binary.BigEndian.Uint32(rec[5:9])
		iv := bitset.Interval{Lo: lo, Hi: hi}
		switch op {
		case UsedCIAdd:
			used.AddInterval(iv)
		case UsedCIRemove:
			used.SubtractInterval(iv)
		default:
			return fmt.Errorf("usedcilog: unknown op %d", op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return used, nil
}

// Close flushes and closes the underlying segment.
func (l *UsedCILog) Close() error { return l.dir.Close() }

func encodeIntervals(ivs []bitset.Interval) []byte {
	out := make([]byte, 4+8*len(ivs))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(ivs)))
	off := 4
	for _, iv := range ivs {
		binary.BigEndian.PutUint32(out[off:off+4], iv.Lo)
		binary.BigEndian.PutUint32(out[off+4:off+8], iv.Hi)
		off += 8
	}
	return out
}

func decodeIntervals(data []byte) []bitset.Interval {
	if len(data) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(data[0:4])
	out := make([]bitset.Interval, 0, n)
	off := 4
	for i := uint32(0); i < n && off+8 <= len(data); i++ {
		out = append(out, bitset.Interval{
			Lo: binary.BigEndian.Uint32(data[off : off+4]),
			Hi: binary.BigEndian.Uint32(data[off+4 : off+8]),
		})
		off += 8
	}
	return out
}
