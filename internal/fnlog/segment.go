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

// Package fnlog implements the four write-ahead logs: the cache-log,
// graph-log, used-CI log, and empty-PK log. Each log is
// a directory holding one checkpoint file plus a sequence of numbered
// append-only segments; this file implements the shared
// append/checkpoint/prune/recover machinery they all build on.
package fnlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/containerd/log"
)

const (
	checkpointName = "checkpoint"
	segmentPrefix  = "seg-"
	segmentSuffix  = ".log"
)

// Dir manages one log's on-disk directory: a checkpoint file and a
// numbered sequence of append-only segments. It provides the framing
// (4-byte big-endian length prefix per record) shared by all four
// logs; each log type layers its own record encoding on top.
type Dir struct {
	mu   sync.Mutex
	root string

	cur    *os.File
	curBuf *bufio.Writer
	curNum int
}

// Open creates root if necessary and opens (or starts) the current
// append segment. It does not read any records; call Checkpoint and
// ReplaySegments to replay the checkpoint plus segments during recovery.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fnlog: mkdir %s: %w", root, err)
	}
	d := &Dir{root: root}
	nums, err := d.segmentNums()
	if err != nil {
		return nil, err
	}
	next := 1
	if len(nums) > 0 {
		next = nums[len(nums)-1]
	}
	if err := d.openSegment(next); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) segmentPath(n int) string {
	return filepath.Join(d.root, fmt.Sprintf("%s%06d%s", segmentPrefix, n, segmentSuffix))
}

func (d *Dir) checkpointPath() string {
	return filepath.Join(d.root, checkpointName)
}

func (d *Dir) segmentNums() ([]int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("fnlog: readdir %s: %w", d.root, err)
	}
	var nums []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func (d *Dir) openSegment(n int) error {
	f, err := os.OpenFile(d.segmentPath(n), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("fnlog: open segment %d: %w", n, err)
	}
	d.cur = f
	d.curBuf = bufio.NewWriter(f)
	d.curNum = n
	return nil
}

// Append writes one length-prefixed record to the current segment and
// fsyncs it: every commit-path write blocks only the caller and must
// be durable before Append returns.
func (d *Dir) Append(rec []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(rec)))
	if _, err := d.curBuf.Write(hdr[:]); err != nil {
		return fmt.Errorf("fnlog: write record header: %w", err)
	}
	if _, err := d.curBuf.Write(rec); err != nil {
		return fmt.Errorf("fnlog: write record: %w", err)
	}
	if err := d.curBuf.Flush(); err != nil {
		return fmt.Errorf("fnlog: flush: %w", err)
	}
	if err := d.cur.Sync(); err != nil {
		return fmt.Errorf("fnlog: fsync: %w", err)
	}
	return nil
}

// BeginCheckpoint flushes and closes the current segment and opens the
// next-numbered one as the append target; the caller is responsible
// for writing a new checkpoint file and, on success, pruning the old
// segments via PruneBefore.
func (d *Dir) BeginCheckpoint() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.curBuf.Flush(); err != nil {
		return err
	}
	if err := d.cur.Close(); err != nil {
		return err
	}
	return d.openSegment(d.curNum + 1)
}

// WriteCheckpoint atomically publishes a new checkpoint file via
// write-to-sibling-then-rename, matching the MultiPKFile publish
// discipline reused here for log checkpoints.
func (d *Dir) WriteCheckpoint(data []byte) error {
	tmp := d.checkpointPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("fnlog: create checkpoint tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("fnlog: write checkpoint tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fnlog: fsync checkpoint tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fnlog: close checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmp, d.checkpointPath()); err != nil {
		return fmt.Errorf("fnlog: rename checkpoint: %w", err)
	}
	return nil
}

// PruneBefore removes every segment strictly older than keepFrom,
// the segment number a successful checkpoint made redundant.
func (d *Dir) PruneBefore(keepFrom int) error {
	nums, err := d.segmentNums()
	if err != nil {
		return err
	}
	for _, n := range nums {
		if n >= keepFrom {
			continue
		}
		if err := os.Remove(d.segmentPath(n)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fnlog: prune segment %d: %w", n, err)
		}
	}
	return nil
}

// CurrentSegment returns the segment number currently being appended
// to; a checkpoint recorded against this number is up to date as of
// the call.
func (d *Dir) CurrentSegment() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curNum
}

// Checkpoint reads the raw checkpoint bytes, or (nil, false) if none
// exists yet (fresh cache).
func (d *Dir) Checkpoint() ([]byte, bool, error) {
	b, err := os.ReadFile(d.checkpointPath())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fnlog: read checkpoint: %w", err)
	}
	return b, true, nil
}

// ReplaySegments calls fn with every record in every segment from the
// lowest surviving segment number through the current one, in file
// and in-file order. A truncated trailing record (a crash mid-Append)
// is treated as the end of the log, tolerating a crash that leaves a
// prefix of committed records.
func (d *Dir) ReplaySegments(fn func(rec []byte) error) error {
	nums, err := d.segmentNums()
	if err != nil {
		return err
	}
	for _, n := range nums {
		if err := replayOne(d.segmentPath(n), fn); err != nil {
			return err
		}
	}
	return nil
}

func replayOne(path string, fn func(rec []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("fnlog: open segment %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("fnlog: read record header in %s: %w", path, err)
		}
		n := binary.BigEndian.Uint32(hdr[:])
		rec := make([]byte, n)
		if _, err := io.ReadFull(br, rec); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				log.L.WithField("segment", path).Warn("fnlog: truncated trailing record, stopping replay")
				return nil
			}
			return fmt.Errorf("fnlog: read record body in %s: %w", path, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close flushes and closes the current segment.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.curBuf.Flush(); err != nil {
		return err
	}
	return d.cur.Close()
}
