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
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"fncache/internal/fingerprint"
	"fncache/internal/vmultipkfile"
	"fncache/internal/vpkfile"
)

// runFreeEvictLoop is the background thread that bounds how much of
// the stable cache a long-running server keeps resident: on every
// FreeEvictInterval tick it advances the free-epoch counter, flushes
// any MultiPKFile that has carried unflushed entries past
// FlushNewPeriod, drops the warm (on-disk-sourced) groups of VPKFiles
// whose MultiPKFile has gone unmodified past PurgeWarmPeriod, and
// finally evicts any VPKFile that has sat idle with nothing left to
// lose past EvictPeriod. It exits once Close cancels the
// Coordinator's context.
func (c *Coordinator) runFreeEvictLoop() {
	ticker := time.NewTicker(c.cfg.FreeEvictInterval)
	defer ticker.Stop()

	flushTicks := c.cfg.ticks(c.cfg.FlushNewPeriod)
	purgeTicks := c.cfg.ticks(c.cfg.PurgeWarmPeriod)
	evictTicks := c.cfg.ticks(c.cfg.EvictPeriod)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.freeEvictTick(flushTicks, purgeTicks, evictTicks)
		}
	}
}

// freeEvictTick runs one sweep of the free/evict loop's three passes.
func (c *Coordinator) freeEvictTick(flushTicks, purgeTicks, evictTicks int) {
	c.mu.Lock()
	lastEpoch := c.freeMPKEpoch
	c.freeMPKEpoch++
	prefixes := make([]fingerprint.Tag, 0, len(c.mpkTbl))
	vms := make([]*vmultipkfile.File, 0, len(c.mpkTbl))
	for prefix, vm := range c.mpkTbl {
		prefixes = append(prefixes, prefix)
		vms = append(vms, vm)
	}
	c.mu.Unlock()

	var toFlush, toPurge []int
	for i, vm := range vms {
		switch {
		case vm.IsStale(lastEpoch - flushTicks):
			toFlush = append(toFlush, i)
		case vm.IsUnmodified():
			toPurge = append(toPurge, i)
		}
	}

	if len(toFlush) > 0 {
		g, ctx := errgroup.WithContext(c.ctx)
		for _, i := range toFlush {
			prefix := prefixes[i]
			g.Go(func() error {
				if err := c.flushSem.Acquire(ctx, 1); err != nil {
					return nil
				}
				defer c.flushSem.Release(1)
				if err := c.flushPrefix(prefix, nil); err != nil {
					log.L.WithError(err).WithField("prefix", prefix.String()).Error("free/evict loop: flush failed")
				}
				return nil
			})
		}
		g.Wait()

		if err := c.cacheLog.Clean(c.emptyPKLog, c.pkEpochLookup); err != nil {
			log.L.WithError(err).Error("free/evict loop: cache log clean failed")
		}
	}

	for _, i := range toPurge {
		c.purgeWarmEntries(vms[i], lastEpoch, purgeTicks)
	}

	c.evictIdleVPKFiles(lastEpoch, evictTicks)
}

// purgeWarmEntries drops the on-disk-sourced groups of every VPKFile
// in vm that has gone idle long enough, freeing their memory without
// evicting the VPKFiles themselves.
func (c *Coordinator) purgeWarmEntries(vm *vmultipkfile.File, lastEpoch, purgeTicks int) {
	for _, vpk := range vm.Snapshot() {
		vpk.Mu.Lock()
		if vpk.ReadyForPurgeWarm(lastEpoch, purgeTicks) {
			vpk.DropWarmEntries()
		}
		vpk.Mu.Unlock()
	}
}

// evictIdleVPKFiles removes every VPKFile in the whole cache that has
// gone idle past evictTicks and carries nothing left to lose, unless
// its MultiPKFile is currently being (or about to be) rewritten, in
// which case evicting now would just force it to be recreated.
func (c *Coordinator) evictIdleVPKFiles(lastEpoch, evictTicks int) {
	type candidate struct {
		prefix fingerprint.Tag
		vpk    *vpkfile.File
	}

	c.mu.Lock()
	candidates := make(map[fingerprint.Tag]candidate, len(c.cache))
	for pk, vpk := range c.cache {
		candidates[pk] = candidate{prefix: c.prefixFor(pk), vpk: vpk}
	}
	c.mu.Unlock()

	for pk, cand := range candidates {
		vpk := cand.vpk
		prefix := cand.prefix

		vpk.Mu.Lock()
		ready := vpk.ReadyForEviction(lastEpoch, evictTicks)
		var (
			evictNamesEpoch uint32
			rememberEpoch   bool
		)
		if ready && vpk.IsStableEmpty && vpk.NamesEpoch != 0 {
			evictNamesEpoch = vpk.NamesEpoch
			rememberEpoch = true
		}
		vpk.Mu.Unlock()
		if !ready {
			continue
		}

		c.mu.Lock()
		vm := c.mpkTbl[prefix]
		if vm == nil || vm.FlushRunning() || vm.FlushPending() {
			c.mu.Unlock()
			continue
		}
		delete(c.cache, pk)
		vm.Delete(pk)
		if rememberEpoch {
			c.evictedNamesEpochs[pk] = evictNamesEpoch
		}
		c.mu.Unlock()

		vpk.Mu.Lock()
		vpk.Evict()
		vpk.Mu.Unlock()
	}
}
