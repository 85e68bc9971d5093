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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"fncache/internal/fingerprint"
)

const (
	graphRecNode = 0
	graphRecRoot = 1

	chkptSuffix = ".ckp"
)

// NodeRecord is one reachability edge: entry ci depends on kids.
type NodeRecord struct {
	CI   uint32
	Kids []uint32
}

// RootRecord is one client Checkpoint call: every CI in CIs is
// reachable from the named package at the given model.
type RootRecord struct {
	CIs       []uint32
	PackageFP fingerprint.Tag
	Model     uint64
}

// GraphLog records the reachability graph a weeder traverses to
// compute a mark. Unlike the other three logs, its checkpoint is
// produced out-of-band by the marking client and merely adopted here
// via CommitChkpt; GraphLog itself never interprets checkpoint bytes.
type GraphLog struct {
	dir *Dir

	mu          sync.Mutex
	chkptVer    int // -1 when no checkpoint is pending
	pendingFrom int // segment number a successful commit may prune before
}

// OpenGraphLog opens (or creates) the graph-log directory.
func OpenGraphLog(root string) (*GraphLog, error) {
	d, err := Open(root)
	if err != nil {
		return nil, err
	}
	return &GraphLog{dir: d, chkptVer: -1}, nil
}

// AppendNode commits a reachability edge once every kid CI has been
// verified leased.
func (l *GraphLog) AppendNode(rec NodeRecord) error {
	buf := make([]byte, 1+4+4+4*len(rec.Kids))
	buf[0] = graphRecNode
	binary.BigEndian.PutUint32(buf[1:5], rec.CI)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(rec.Kids)))
	off := 9
	for _, k := range rec.Kids {
		binary.BigEndian.PutUint32(buf[off:off+4], k)
		off += 4
	}
	return l.dir.Append(buf)
}

// AppendRoot commits a "checkpoint root" record for a client
// Checkpoint call.
func (l *GraphLog) AppendRoot(rec RootRecord) error {
	buf := make([]byte, 1+4+4*len(rec.CIs)+16+8)
	buf[0] = graphRecRoot
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(rec.CIs)))
	off := 5
	for _, ci := range rec.CIs {
		binary.BigEndian.PutUint32(buf[off:off+4], ci)
		off += 4
	}
	fpb := rec.PackageFP.Bytes()
	copy(buf[off:off+16], fpb[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:off+8], rec.Model)
	return l.dir.Append(buf)
}

// DecodeRecord interprets a raw record from Replay as either a
// NodeRecord or a RootRecord.
func DecodeRecord(rec []byte) (node *NodeRecord, root *RootRecord, err error) {
	if len(rec) < 1 {
		return nil, nil, fmt.Errorf("graphlog: empty record")
	}
	switch rec[0] {
	case graphRecNode:
		if len(rec) < 9 {
			return nil, nil, fmt.Errorf("graphlog: short node record")
		}
		ci := binary.BigEndian.Uint32(rec[1:5])
		n := binary.BigEndian.Uint32(rec[5:9])
		kids := make([]uint32, n)
		off := 9
		for i := range kids {
			if off+4 > len(rec) {
				return nil, nil, fmt.Errorf("graphlog: truncated node kids")
			}
			kids[i] = binary.BigEndian.Uint32(rec[off : off+4])
			off += 4
		}
		return &NodeRecord{CI: ci, Kids: kids}, nil, nil
	case graphRecRoot:
		if len(rec) < 5 {
			return nil, nil, fmt.Errorf("graphlog: short root record")
		}
		n := binary.BigEndian.Uint32(rec[1:5])
		cis := make([]uint32, n)
		off := 5
		for i := range cis {
			if off+4 > len(rec) {
				return nil, nil, fmt.Errorf("graphlog: truncated root cis")
			}
			cis[i] = binary.BigEndian.Uint32(rec[off : off+4])
			off += 4
		}
		if off+16+8 > len(rec) {
			return nil, nil, fmt.Errorf("graphlog: truncated root trailer")
		}
		var b [16]byte
		copy(b[:], rec[off:off+16])
		off += 16
		model := binary.BigEndian.Uint64(rec[off : off+8])
		return nil, &RootRecord{CIs: cis, PackageFP: fingerprint.FromBytes(b), Model: model}, nil
	default:
		return nil, nil, fmt.Errorf("graphlog: unknown record tag %d", rec[0])
	}
}

// ReplayVersion replays every node and root record, in order, passing
// each to the matching callback. Used both at startup recovery and by
// an external marking client building its own reachability graph.
func (l *GraphLog) ReplayVersion(onNode func(NodeRecord), onRoot func(RootRecord)) error {
	return l.dir.ReplaySegments(func(rec []byte) error {
		node, root, err := DecodeRecord(rec)
		if err != nil {
			return err
		}
		if node != nil {
			onNode(*node)
		}
		if root != nil {
			onRoot(*root)
		}
		return nil
	})
}

// BeginCheckpoint rotates the current segment so a marking client can
// read a stable prefix of the log, aborting (superseding) any
// previously pending checkpoint version, and returns the new version
// number: starting a mark aborts any stale graph-log checkpoint and
// starts a new one.
func (l *GraphLog) BeginCheckpoint() (version int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keepFrom := l.dir.CurrentSegment()
	if err := l.dir.BeginCheckpoint(); err != nil {
		return 0, err
	}
	l.chkptVer++
	l.pendingFrom = keepFrom
	return l.chkptVer, nil
}

// Version returns the currently pending checkpoint version, or -1 if
// none is pending.
func (l *GraphLog) Version() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chkptVer
}

// expectedCheckpointName returns "<version>.ckp", the base filename a
// commit_chkpt call must match (allowing an arbitrary suffix after it).
func expectedCheckpointName(version int) string {
	return strconv.Itoa(version) + chkptSuffix
}

// CommitChkpt adopts a client-supplied pruned graph-log checkpoint
// file. It is accepted only when version matches the currently
// pending checkpoint and srcPath's base name matches the expected
// "<version>.ckp" prefix (with any suffix); the directory part of
// srcPath is not checked. On acceptance the file is renamed into place
// as the new checkpoint, segments before the pending cut are pruned,
// and the pending checkpoint is cleared. On rejection srcPath is
// removed, the pending checkpoint is left as it was, and false is
// returned.
func (l *GraphLog) CommitChkpt(version int, srcPath string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	valid := version == l.chkptVer && l.chkptVer >= 0
	if valid {
		dir, base := filepath.Split(srcPath)
		_ = dir
		if !strings.HasPrefix(base, expectedCheckpointName(version)) {
			valid = false
		}
	}
	if valid {
		if _, err := os.Stat(srcPath); err != nil {
			valid = false
		}
	}
	if !valid {
		os.Remove(srcPath)
		return false, nil
	}

	if err := os.Rename(srcPath, l.dir.checkpointPath()); err != nil {
		os.Remove(srcPath)
		return false, fmt.Errorf("graphlog: adopt checkpoint: %w", err)
	}
	if err := l.dir.PruneBefore(l.pendingFrom); err != nil {
		return false, err
	}
	l.chkptVer = -1
	return true, nil
}

// Checkpoint returns the raw bytes of the currently adopted
// checkpoint, for a marking client to read before replaying segments
// written since BeginCheckpoint.
func (l *GraphLog) Checkpoint() ([]byte, bool, error) {
	return l.dir.Checkpoint()
}

// Close flushes and closes the underlying segment.
func (l *GraphLog) Close() error { return l.dir.Close() }
