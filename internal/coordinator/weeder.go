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

package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"fncache/internal/bitset"
	"fncache/internal/fingerprint"
	"fncache/internal/fnlog"
)

// weederLivenessTTL bounds how long a registered weeder token is
// considered live without a refreshing call before WeederRecovering
// allows a new weeder to take over. There is no connection object to
// probe the way SRPC::alive() does, so liveness is approximated by
// recency of the weeder's own RPC traffic.
const weederLivenessTTL = 30 * time.Second

// weederState holds the in-memory progress of the current deletion
// pass: which MultiPKFile prefixes still need rewriting to drop dead
// CIs, and how far the background worker has gotten. Unlike the
// deleting flag and hit filter, this progress is not itself made
// stable: a crash mid-deletion loses it, and WeederRecovering reports
// that loss so the weeder client knows to redrive EndMark rather than
// silently resume from a stale cursor.
//
// deleting mirrors the persisted flag in memory so StartMark can wait
// on cond rather than poll the scalar store; token/lastSeen stand in
// for the connection handle a weeder would otherwise be identified by.
type weederState struct {
	mu            sync.Mutex
	cond          *sync.Cond
	mpksToWeed    []fingerprint.Tag
	nextMPKToWeed int
	running       bool
	deleting      bool
	token         string
	lastSeen      time.Time
}

// weederAlive reports whether a registered token is still within its
// liveness TTL. Callers must hold c.weeder.mu.
func (w *weederState) weederAlive() bool {
	return w.token != "" && time.Since(w.lastSeen) < weederLivenessTTL
}

// touchWeeder refreshes the liveness heartbeat for token, rejecting
// calls from a stale or unregistered token once another weeder has
// taken over the registration.
func (c *Coordinator) touchWeeder(token string) error {
	c.weeder.mu.Lock()
	defer c.weeder.mu.Unlock()
	if c.weeder.token != "" && c.weeder.token != token {
		return fmt.Errorf("coordinator: weeder token mismatch: %w", errdefs.ErrFailedPrecondition)
	}
	c.weeder.token = token
	c.weeder.lastSeen = time.Now()
	return nil
}

// WeederRecovering registers token as the live weeder connection and
// reports whether another weeder is already live. If a weeder is
// already live (a call within weederLivenessTTL of this one), it
// returns true without touching any state, mirroring
// CacheS::WeederRecovering's "srpc already alive" early return. A
// fresh registration always re-enables lease expiration and, when the
// caller is not resuming an in-progress mark (doneMarking is false)
// and the cache is not already Deleting, clears any stale hit filter
// left over from an interrupted mark, reverting Filtered back to
// Idle.
func (c *Coordinator) WeederRecovering(token string, doneMarking bool) (bool, error) {
	c.weeder.mu.Lock()
	if c.weeder.weederAlive() && c.weeder.token != token {
		c.weeder.mu.Unlock()
		return true, nil
	}
	c.weeder.token = token
	c.weeder.lastSeen = time.Now()
	deleting := c.weeder.deleting
	c.weeder.mu.Unlock()

	c.leases.Unfreeze()

	if !doneMarking && !deleting {
		hf, err := c.scalarStore.GetHitFilter()
		if err != nil {
			return false, fmt.Errorf("coordinator: weeder_recovering: %w", err)
		}
		if !hf.IsEmpty() {
			if err := c.scalarStore.SetHitFilter(bitset.NewSparse()); err != nil {
				return false, fmt.Errorf("coordinator: weeder_recovering: %w", err)
			}
		}
	}
	return false, nil
}

// StartMark waits for any in-progress deletion to finish, disables
// lease expiration (so the weeder's external reachability trace sees
// a consistent snapshot of what evaluators currently depend on), and
// rotates the graph log's checkpoint. It returns a snapshot of every
// CI currently allocated (used_cis), the universe the weeder traces
// reachability against, and the new checkpoint version the weeder
// must read the log up to.
func (c *Coordinator) StartMark(token string) (usedCIs *bitset.Sparse, graphLogVersion int, err error) {
	if err := c.touchWeeder(token); err != nil {
		return nil, 0, err
	}

	c.weeder.mu.Lock()
	for c.weeder.deleting {
		c.weeder.cond.Wait()
	}
	c.weeder.mu.Unlock()

	c.leases.Freeze()
	ver, err := c.graphLog.BeginCheckpoint()
	if err != nil {
		c.leases.Unfreeze()
		return nil, 0, fmt.Errorf("coordinator: start_mark: %w", err)
	}

	c.mu.Lock()
	snapshot := c.usedCIs.Clone()
	c.mu.Unlock()

	return snapshot, ver, nil
}

// SetHitFilter installs cis as the current set of CIs the weeder
// believes unreachable: from this point Lookup treats any of them
// without a fresh lease as a miss, so an evaluator touching a
// candidate either gets a real reprieve (by re-adding the entry) or
// never observes a deleted one. It is only valid outside the Deleting
// state.
func (c *Coordinator) SetHitFilter(token string, cis []uint32) error {
	if err := c.touchWeeder(token); err != nil {
		return err
	}

	c.weeder.mu.Lock()
	deleting := c.weeder.deleting
	c.weeder.mu.Unlock()
	if deleting {
		return fmt.Errorf("coordinator: set_hit_filter: %w", errdefs.ErrFailedPrecondition)
	}

	hf := bitset.NewSparse()
	for _, ci := range cis {
		hf.Set(ci)
	}
	if err := c.scalarStore.SetHitFilter(hf); err != nil {
		return fmt.Errorf("coordinator: set_hit_filter: %w", err)
	}
	return nil
}

// GetLeases returns a fresh snapshot of every CI currently holding a
// lease, for a weeder client that wants to refresh its view mid-mark
// without restarting StartMark.
func (c *Coordinator) GetLeases(token string) (*bitset.Dense, error) {
	if err := c.touchWeeder(token); err != nil {
		return nil, err
	}
	return c.leases.Snapshot(time.Now()), nil
}

// ResumeLeaseExp re-enables lease expiration once marking has
// finished computing its reachability snapshot.
func (c *Coordinator) ResumeLeaseExp(token string) error {
	if err := c.touchWeeder(token); err != nil {
		return err
	}
	c.leases.Unfreeze()
	return nil
}

// EndMark installs toDelete as the hit filter, marks the cache
// deleting, and launches the background worker that rewrites every
// MultiPKFile named by prefixes to drop entries in toDelete. The
// transition only proceeds if the cache is currently Filtered (a
// non-empty hit filter already installed by SetHitFilter) and not
// already Deleting; toDelete must be non-empty and, if a hit filter is
// already installed, must be a subset of it. CommitChkpt's checkpoint
// version is returned in every case once preconditions pass, whether
// or not the transition to Deleting actually occurs.
func (c *Coordinator) EndMark(token string, toDelete []uint32, prefixes []fingerprint.Tag) (int, error) {
	if err := c.touchWeeder(token); err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, fmt.Errorf("coordinator: end_mark: empty cis: %w", errdefs.ErrInvalidArgument)
	}

	curHF, err := c.scalarStore.GetHitFilter()
	if err != nil {
		return 0, fmt.Errorf("coordinator: end_mark: %w", err)
	}
	emptyHF := curHF.IsEmpty()
	if !emptyHF {
		for _, ci := range toDelete {
			if !curHF.IsSet(ci) {
				return 0, fmt.Errorf("coordinator: end_mark: cis not subset of hit filter: %w", errdefs.ErrFailedPrecondition)
			}
		}
	}

	chkptVer := c.graphLog.Version()

	c.weeder.mu.Lock()
	deleting2 := c.weeder.deleting
	c.weeder.mu.Unlock()

	if emptyHF || deleting2 {
		// Not currently Filtered (or already Deleting): no-op other
		// than reporting the checkpoint version the caller should
		// read the graph log up to.
		return chkptVer, nil
	}

	hf := bitset.NewSparse()
	for _, ci := range toDelete {
		hf.Set(ci)
	}
	if err := c.scalarStore.SetBoth(true, hf); err != nil {
		return 0, fmt.Errorf("coordinator: end_mark: %w", err)
	}

	c.weeder.mu.Lock()
	c.weeder.deleting = true
	c.weeder.mpksToWeed = prefixes
	c.weeder.nextMPKToWeed = 0
	c.weeder.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runDeletionWorker()
	}()
	return chkptVer, nil
}

// CommitChkpt adopts the weeder's pruned, post-mark graph log
// checkpoint, completing the marking phase's bookkeeping
// independently of when the deletion worker itself finishes.
func (c *Coordinator) CommitChkpt(token string, version int, checkpointPath string) (bool, error) {
	if err := c.touchWeeder(token); err != nil {
		return false, err
	}
	ok, err := c.graphLog.CommitChkpt(version, checkpointPath)
	if err != nil {
		return false, fmt.Errorf("coordinator: commit_chkpt: %w", err)
	}
	return ok, nil
}

// runDeletionWorker is the always-at-most-one-running background
// pass that physically removes dead entries: it rewrites every
// pending MultiPKFile prefix dropping CIs in the hit filter, then
// reclaims those CIs from used_cis, clears the hit filter and the
// deleting flag, and finally triggers a cache-log clean.
func (c *Coordinator) runDeletionWorker() {
	c.weeder.mu.Lock()
	if c.weeder.running {
		c.weeder.mu.Unlock()
		return
	}
	c.weeder.running = true
	prefixes := c.weeder.mpksToWeed
	start := c.weeder.nextMPKToWeed
	c.weeder.mu.Unlock()

	defer func() {
		c.weeder.mu.Lock()
		c.weeder.running = false
		c.weeder.mu.Unlock()
	}()

	hf, err := c.scalarStore.GetHitFilter()
	if err != nil {
		log.L.WithError(err).Error("weeder: read hit filter")
		return
	}
	toDelete := sparseToDense(hf)

	for i := start; i < len(prefixes); i++ {
		prefix := prefixes[i]
		if err := c.flushPrefix(prefix, toDelete); err != nil {
			log.L.WithError(err).WithField("prefix", prefix.String()).Error("weeder: rewrite failed")
			c.weeder.mu.Lock()
			c.weeder.nextMPKToWeed = i
			c.weeder.mu.Unlock()
			return
		}
		c.weeder.mu.Lock()
		c.weeder.nextMPKToWeed = i + 1
		c.weeder.mu.Unlock()
	}

	c.mu.Lock()
	for _, iv := range hf.Intervals() {
		c.usedCIs.SubtractInterval(iv)
		if err := c.ciLog.Append(fnlog.UsedCIRecord{Op: fnlog.UsedCIRemove, Lo: iv.Lo, Hi: iv.Hi}); err != nil {
			log.L.WithError(err).Error("weeder: log ci reclamation")
		}
	}
	c.mu.Unlock()

	if err := c.scalarStore.SetBoth(false, bitset.NewSparse()); err != nil {
		log.L.WithError(err).Error("weeder: clear deleting flag and hit filter")
		return
	}

	c.weeder.mu.Lock()
	c.weeder.deleting = false
	c.weeder.cond.Broadcast()
	c.weeder.mu.Unlock()

	if err := c.cacheLog.Clean(c.emptyPKLog, c.pkEpochLookup); err != nil {
		log.L.WithError(err).Error("weeder: cache log clean failed")
	}
}

func sparseToDense(s *bitset.Sparse) *bitset.Dense {
	d := bitset.NewDense()
	for _, iv := range s.Intervals() {
		for i := iv.Lo; i < iv.Hi; i++ {
			d.Set(i)
		}
	}
	return d
}
