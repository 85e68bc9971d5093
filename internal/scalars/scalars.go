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

// Package scalars stores the cache's two durable, atomically-written
// scalars outside of any of the four write-ahead logs: the weeder's
// "deleting" flag and its "hit_filter" bitset. Both live in a single
// bbolt database under the cache metadata root, keyed by a fixed
// bucket/key pair rather than a bespoke file format.
package scalars

import (
	"bytes"
	"fmt"
	"time"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"

	"fncache/internal/bitset"
)

var (
	bucketName    = []byte("scalars")
	deletingKey   = []byte("deleting")
	hitFilterKey  = []byte("hit_filter")
	boltOpenSince = 10 * time.Second
)

// Store is the bbolt-backed holder for the deleting flag and hit
// filter. Opening it never blocks indefinitely on a held file lock
// without at least logging that it's waiting, matching the teacher's
// bolt-open watchdog goroutine.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the scalars database at path.
func Open(path string) (*Store, error) {
	options := *bolt.DefaultOptions
	// Matches the teacher's rationale for metadata stores: a
	// corrupted freelist on this database should not block recovery
	// of the rest of the cache.
	options.NoFreelistSync = true
	options.Timeout = 0

	done := make(chan struct{})
	go func() {
		t := time.NewTimer(boltOpenSince)
		defer t.Stop()
		select {
		case <-t.C:
			log.L.WithField("path", path).Warn("waiting for response from boltdb open")
		case <-done:
		}
	}()
	db, err := bolt.Open(path, 0o644, &options)
	close(done)
	if err != nil {
		return nil, fmt.Errorf("scalars: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("scalars: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// GetDeleting reads the deleting flag, defaulting to false if unset
// (a fresh cache, or one that has never entered a deletion phase).
func (s *Store) GetDeleting() (bool, error) {
	var deleting bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(deletingKey)
		deleting = len(v) == 1 && v[0] == 1
		return nil
	})
	return deleting, err
}

// SetDeleting atomically writes the deleting flag.
func (s *Store) SetDeleting(deleting bool) error {
	v := byte(0)
	if deleting {
		v = 1
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(deletingKey, []byte{v})
	})
}

// GetHitFilter reads the hit filter, defaulting to empty if unset.
func (s *Store) GetHitFilter() (*bitset.Sparse, error) {
	var hf *bitset.Sparse
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(hitFilterKey)
		if v == nil {
			hf = bitset.NewSparse()
			return nil
		}
		decoded, err := bitset.ReadSparseFrom(bytes.NewReader(v))
		if err != nil {
			return err
		}
		hf = decoded
		return nil
	})
	return hf, err
}

// SetHitFilter atomically writes the hit filter. A nil or empty
// filter is still written explicitly (rather than deleting the key)
// so GetHitFilter's "unset means empty" default and an explicitly
// cleared filter are indistinguishable, which is the only state that
// matters to callers.
func (s *Store) SetHitFilter(hf *bitset.Sparse) error {
	if hf == nil {
		hf = bitset.NewSparse()
	}
	var buf bytes.Buffer
	if _, err := hf.WriteTo(&buf); err != nil {
		return fmt.Errorf("scalars: encode hit filter: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(hitFilterKey, buf.Bytes())
	})
}

// SetBoth atomically writes both scalars in a single bbolt
// transaction, so that end_mark and the end of the weeder's deletion
// pass change the deleting flag and hit filter together.
func (s *Store) SetBoth(deleting bool, hf *bitset.Sparse) error {
	if hf == nil {
		hf = bitset.NewSparse()
	}
	v := byte(0)
	if deleting {
		v = 1
	}
	var buf bytes.Buffer
	if _, err := hf.WriteTo(&buf); err != nil {
		return fmt.Errorf("scalars: encode hit filter: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Put(deletingKey, []byte{v}); err != nil {
			return err
		}
		return b.Put(hitFilterKey, buf.Bytes())
	})
}
