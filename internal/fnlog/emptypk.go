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
	"sync"

	"fncache/internal/fingerprint"
)

// EmptyPKLog records (pk, pk_epoch) pairs for PKs last observed
// empty. Its checkpoint is always empty (the "checkpoint" exists only
// to let a checkpoint_begin swap the live table aside for recovery
// consistency); the real state lives in the in-memory current/old
// tables rebuilt by Recover.
type EmptyPKLog struct {
	dir *Dir

	mu      sync.RWMutex
	current map[fingerprint.Tag]uint32
	old     map[fingerprint.Tag]uint32// non-nil only between checkpoint begin/end
}

// OpenEmptyPKLog opens (or creates) the empty-PK log directory.
func OpenEmptyPKLog(root string) (*EmptyPKLog, error) {
	d, err := Open(root)
	if err != nil {
		return nil, err
	}
	return &EmptyPKLog{dir: d, current: make(map[fingerprint.Tag]uint32)}, nil
}

// Append records that pk was observed empty as of pk_epoch. Ignored
// if not strictly newer than the currently recorded epoch, matching
// the monotone-epoch guarantee of pk_epoch.
func (l *EmptyPKLog) Append(pk fingerprint.Tag, pkEpoch uint32) error {
	l.mu.Lock()
	if cur, ok := l.current[pk]; ok && cur >= pkEpoch {
		l.mu.Unlock()
		return nil
	}
	l.current[pk] = pkEpoch
	l.mu.Unlock()

	rec := encodeEmptyPKRecord(pk, pkEpoch)
	return l.dir.Append(rec)
}

// GetEpoch looks up pk in the current table, falling back to the old
// table if a checkpoint is in flight.
func (l *EmptyPKLog) GetEpoch(pk fingerprint.Tag) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.current[pk]; ok {
		return e, true
	}
	if l.old != nil {
		if e, ok := l.old[pk]; ok {
			return e, true
		}
	}
	return 0, false
}

// CheckpointBegin writes an empty checkpoint and swaps the current
// table to "old". Cache-log clean's step (a).
func (l *EmptyPKLog) CheckpointBegin() (int, error) {
	l.mu.Lock()
	l.old = l.current
	l.current = make(map[fingerprint.Tag]uint32)
	l.mu.Unlock()

	keepFrom := l.dir.CurrentSegment()
	if err := l.dir.BeginCheckpoint(); err != nil {
		return 0, err
	}
	if err := l.dir.WriteCheckpoint(nil); err != nil {
		return 0, err
	}
	return keepFrom, nil
}

// CheckpointEnd commits the checkpoint begun by CheckpointBegin,
// drops the old table, and prunes segments before keepFrom.
func (l *EmptyPKLog) CheckpointEnd(keepFrom int) error {
	l.mu.Lock()
	// Fold anything still only in "old" back into "current" so it
	// isn't lost once the old table is dropped.
	for pk, epoch := range l.old {
		if cur, ok := l.current[pk]; !ok || cur < epoch {
			l.current[pk] = epoch
		}
	}
	l.old = nil
	l.mu.Unlock()

	return l.dir.PruneBefore(keepFrom)
}

// Recover replays the log (the checkpoint itself carries no state)
// to rebuild the current table.
func (l *EmptyPKLog) Recover() error {
	l.mu.Lock()
	l.current = make(map[fingerprint.Tag]uint32)
	l.mu.Unlock()

	return l.dir.ReplaySegments(func(rec []byte) error {
		pk, epoch, err := decodeEmptyPKRecord(rec)
		if err != nil {
			return err
		}
		l.mu.Lock()
		if cur, ok := l.current[pk]; !ok || cur < epoch {
			l.current[pk] = epoch
		}
		l.mu.Unlock()
		return nil
	})
}

// Close flushes and closes the underlying segment.
func (l *EmptyPKLog) Close() error { return l.dir.Close() }

func encodeEmptyPKRecord(pk fingerprint.Tag, epoch uint32) []byte {
	buf := make([]byte, 20)
	b := pk.Bytes()
	copy(buf[0:16], b[:])
	binary.BigEndian.PutUint32(buf[16:20], epoch)
	return buf
}

func decodeEmptyPKRecord(rec []byte) (fingerprint.Tag, uint32, error) {
	if len(rec) != 20 {
		return fingerprint.Tag{}, 0, fmt.Errorf("emptypklog: malformed record of length %d", len(rec))
	}
	var b [16]byte
	copy(b[:], rec[0:16])
	return fingerprint.FromBytes(b), binary.BigEndian.Uint32(rec[16:20]), nil
}
