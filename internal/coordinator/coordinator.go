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

// Package coordinator implements the cache server's public operations:
// find_vpk, lookup, add_entry, checkpoint, flush_all, the weeder state
// machine, and the lease table and hit filter that back them. It
// wires together every other internal/ package: bitset for usedCIs
// and the hit filter, vpkfile/vmultipkfile for the in-memory cache,
// fnlog for the four write-ahead logs, and scalars for the two
// durable flags.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/moby/locker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fncache/internal/bitset"
	"fncache/internal/fingerprint"
	"fncache/internal/fnlog"
	"fncache/internal/multipkfile"
	"fncache/internal/pkfile"
	"fncache/internal/scalars"
	"fncache/internal/vmultipkfile"
	"fncache/internal/vpkfile"
)

// Config holds the tunables a cache server instance is opened with.
type Config struct {
	// Root is the stable-cache metadata root: MultiPKFiles live under
	// Root/gran-NN/..., the four logs and the scalars database live in
	// their own subdirectories of Root.
	Root string

	// GranularityBits and ArcBits control MultiPKFile grouping and
	// on-disk directory fan-out; see multipkfile.Path.
	GranularityBits int
	ArcBits         int

	// FlushThreshold is the number of new entries a MultiPKFile
	// accumulates before an async flush is triggered.
	FlushThreshold int

	// MaxFlushWorkers bounds how many MultiPKFiles may be flushing
	// concurrently.
	MaxFlushWorkers int64

	// LeaseTTL is how long a lease survives without renewal.
	LeaseTTL time.Duration

	// NoHits, if true, makes Lookup always report a miss: used by a
	// client that wants to force recomputation without disturbing the
	// cache's stored entries.
	NoHits bool

	// FreeEvictInterval is the free/evict loop's own tick period; each
	// tick advances the free-epoch counter ReadyForEviction/IsStale/
	// IsUnmodified compare VPKFile and MultiPKFile activity against.
	FreeEvictInterval time.Duration
	// EvictPeriod, PurgeWarmPeriod, and FlushNewPeriod are converted
	// to a number of free/evict ticks (relative to FreeEvictInterval)
	// at Open time: how long a VPKFile must sit untouched before it is
	// evicted, how long an unmodified MultiPKFile sits before its
	// VPKFiles' warm entries are dropped, and how long a MultiPKFile
	// may go without a flush before the loop forces one.
	EvictPeriod     time.Duration
	PurgeWarmPeriod time.Duration
	FlushNewPeriod  time.Duration

	// CheckpointQueueLen bounds the checkpoint worker's FIFO of
	// pending async (done=false) checkpoint requests.
	CheckpointQueueLen int
}

func (c Config) withDefaults() Config {
	if c.GranularityBits == 0 {
		c.GranularityBits = 8
	}
	if c.ArcBits == 0 {
		c.ArcBits = 4
	}
	if c.FlushThreshold == 0 {
		c.FlushThreshold = 200
	}
	if c.MaxFlushWorkers == 0 {
		c.MaxFlushWorkers = 4
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 2 * time.Hour
	}
	if c.FreeEvictInterval == 0 {
		c.FreeEvictInterval = 5 * time.Minute
	}
	if c.EvictPeriod == 0 {
		c.EvictPeriod = 5 * time.Minute
	}
	if c.PurgeWarmPeriod == 0 {
		c.PurgeWarmPeriod = time.Minute
	}
	if c.FlushNewPeriod == 0 {
		c.FlushNewPeriod = 10 * time.Minute
	}
	if c.CheckpointQueueLen == 0 {
		c.CheckpointQueueLen = 64
	}
	return c
}

// ticks converts a duration expressed relative to FreeEvictInterval
// into a whole number of free/evict loop ticks, never less than one.
func (c Config) ticks(d time.Duration) int {
	if c.FreeEvictInterval <= 0 {
		return 1
	}
	n := int(d / c.FreeEvictInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Coordinator is the cache server's single in-process instance.
type Coordinator struct {
	cfg Config

	// prefixLocks serializes rewrites of the same MultiPKFile prefix,
	// keyed by the prefix's hex string; the coarser mu below protects
	// the cache/mpkTbl maps themselves, not the rewrite critical
	// section, matching VMultiPKFile's own internal lock for that.
	prefixLocks *locker.Locker

	mu           sync.RWMutex
	cache        map[fingerprint.Tag]*vpkfile.File
	mpkTbl       map[fingerprint.Tag]*vmultipkfile.File
	usedCIs      *bitset.Sparse
	entryCnt     int
	freeMPKEpoch int // advanced once per free/evict tick

	// evictedNamesEpochs remembers the NamesEpoch an evicted, stable-
	// empty VPKFile carried at eviction time, so a PK recreated later
	// by loadOrCreateVPKFile never regresses below it (an evaluator
	// holding a FreeVariables result spanning the eviction must still
	// see a monotone epoch on its next Lookup). In-memory only: a
	// crash loses it, which only costs an evaluator an extra
	// FreeVariables/Lookup round trip, never correctness.
	evictedNamesEpochs map[fingerprint.Tag]uint32

	leases *leaseTable

	scalarStore *scalars.Store
	emptyPKLog  *fnlog.EmptyPKLog
	cacheLog    *fnlog.CacheLog
	graphLog    *fnlog.GraphLog
	ciLog       *fnlog.UsedCILog

	flushSem *semaphore.Weighted

	instanceFP fingerprint.Tag
	startTime  time.Time
	stats      *Stats

	// wg tracks every background goroutine this Coordinator has
	// launched (async flushes, cache-log cleans, the deletion worker,
	// the checkpoint worker, the free/evict loop), so Close can wait
	// for them before tearing down the logs they use.
	wg sync.WaitGroup

	// ctx/cancel stop the checkpoint worker and free/evict loop on
	// Close; unlike flushes and the deletion worker, these two run for
	// the Coordinator's entire lifetime and need an explicit signal to
	// stop rather than finishing on their own.
	ctx    context.Context
	cancel context.CancelFunc

	checkpointCh chan *checkpointRequest

	weeder weederState
}

// Open recovers (or creates) a cache server instance rooted at
// cfg.Root.
func Open(cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if cfg.Root == "" {
		return nil, fmt.Errorf("coordinator: Root must be set: %w", errdefs.ErrInvalidArgument)
	}

	scalarStore, err := scalars.Open(filepath.Join(cfg.Root, "scalars.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open scalars: %w", err)
	}
	emptyPKLog, err := fnlog.OpenEmptyPKLog(filepath.Join(cfg.Root, "log", "empty-pk"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open empty-pk log: %w", err)
	}
	cacheLog, err := fnlog.OpenCacheLog(filepath.Join(cfg.Root, "log", "cache"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open cache log: %w", err)
	}
	graphLog, err := fnlog.OpenGraphLog(filepath.Join(cfg.Root, "log", "graph"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open graph log: %w", err)
	}
	ciLog, err := fnlog.OpenUsedCILog(filepath.Join(cfg.Root, "log", "used-ci"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open used-ci log: %w", err)
	}

	c := &Coordinator{
		cfg:                cfg,
		prefixLocks:        locker.New(),
		cache:              make(map[fingerprint.Tag]*vpkfile.File),
		mpkTbl:             make(map[fingerprint.Tag]*vmultipkfile.File),
		evictedNamesEpochs: make(map[fingerprint.Tag]uint32),
		leases:             newLeaseTable(cfg.LeaseTTL),
		scalarStore:        scalarStore,
		emptyPKLog:         emptyPKLog,
		cacheLog:           cacheLog,
		graphLog:           graphLog,
		ciLog:              ciLog,
		flushSem:           semaphore.NewWeighted(cfg.MaxFlushWorkers),
		startTime:          time.Now(),
		stats:              newStats(),
	}

	if err := c.recover(); err != nil {
		return nil, fmt.Errorf("coordinator: recover: %w", err)
	}

	c.weeder.cond = sync.NewCond(&c.weeder.mu)
	deleting, err := c.scalarStore.GetDeleting()
	if err != nil {
		return nil, fmt.Errorf("coordinator: read deleting flag: %w", err)
	}
	c.weeder.deleting = deleting

	nonce := uuid.New()
	c.instanceFP = fingerprint.New(nonce[:]).ExtendUint64(uint64(c.entryCnt))

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.checkpointCh = make(chan *checkpointRequest, cfg.CheckpointQueueLen)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runCheckpointWorker()
	}()
	go func() {
		defer c.wg.Done()
		c.runFreeEvictLoop()
	}()

	return c, nil
}

// Close waits for every background goroutine launched by this
// Coordinator to finish, then releases every open log and database
// handle.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(c.scalarStore.Close())
	record(c.emptyPKLog.Close())
	record(c.cacheLog.Close())
	record(c.graphLog.Close())
	record(c.ciLog.Close())
	return firstErr
}

// GetCacheInstance returns the fingerprint identifying this process's
// instance of the cache server, stable for its lifetime.
func (c *Coordinator) GetCacheInstance() fingerprint.Tag { return c.instanceFP }

// recover rebuilds in-memory state from the four logs and the
// scalars database, in the order a cold start needs them: used_cis
// first (so CI allocation below is safe), then the empty-PK table,
// then the cache log's surviving entries layered back onto their
// VPKFiles.
func (c *Coordinator) recover() error {
	used, err := c.ciLog.Recover()
	if err != nil {
		return fmt.Errorf("used-ci log: %w", err)
	}
	c.usedCIs = used
	c.entryCnt = used.Size()

	if err := c.emptyPKLog.Recover(); err != nil {
		return fmt.Errorf("empty-pk log: %w", err)
	}

	if err := c.cacheLog.Recover(c.replayCacheRecord); err != nil {
		return fmt.Errorf("cache log: %w", err)
	}
	return nil
}

// replayCacheRecord reinstalls one committed-but-not-yet-flushed entry
// into its VPKFile. rec.Names indexes the owning PKFile's all_names
// table as it stood when the record was appended. For a PK with a
// stable MultiPKFile on disk this is always a prefix of the table
// loaded from it; an entry that introduced brand-new free-variable
// names since the last flush cannot have those names' strings
// recovered from this log (it only records index positions), so a
// placeholder name fills the gap to keep index arithmetic consistent.
// TODO: extend CacheRecord to also log the free-variable name strings
// so cold-start recovery no longer needs this fallback.
func (c *Coordinator) replayCacheRecord(rec fnlog.CacheRecord) error {
	vpk, _, err := c.FindVPKFile(rec.PK)
	if err != nil {
		return err
	}
	vpk.Mu.Lock()
	defer vpk.Mu.Unlock()

	var maxIdx uint32
	for _, idx := range rec.Names {
		if idx+1 > maxIdx {
			maxIdx = idx + 1
		}
	}
	for uint32(len(vpk.AllNames)) < maxIdx {
		placeholder := fmt.Sprintf("\x00recovered-name-%d", len(vpk.AllNames))
		vpk.AllNames = append(vpk.AllNames, placeholder)
		vpk.NameIndex[placeholder] = len(vpk.AllNames) - 1
	}

	vpk.RecoverEntry(rec.SourceFunc, rec.CI, rec.PKEpoch, rec.Names, rec.FPs, rec.Value, rec.Model, rec.Kids)
	return nil
}

func (c *Coordinator) prefixFor(pk fingerprint.Tag) fingerprint.Tag {
	return pk.Prefix(c.cfg.GranularityBits)
}

func (c *Coordinator) multiPKPath(prefix fingerprint.Tag) string {
	return multipkfile.Path(c.cfg.Root, prefix, c.cfg.GranularityBits, c.cfg.ArcBits)
}

// FindVPKFile returns the in-memory VPKFile for pk, creating it
// (loading a stable header from disk if present) if absent. The
// second return reports whether it already existed in memory.
func (c *Coordinator) FindVPKFile(pk fingerprint.Tag) (*vpkfile.File, bool, error) {
	for {
		c.mu.RLock()
		vpk, ok := c.cache[pk]
		c.mu.RUnlock()
		if ok {
			vpk.Mu.Lock()
			evicted := vpk.Evicted
			vpk.Mu.Unlock()
			if evicted {
				// Lost a race with eviction; retry the lookup.
				continue
			}
			return vpk, true, nil
		}
		created, err := c.loadOrCreateVPKFile(pk)
		if err != nil {
			return nil, false, err
		}
		return created, false, nil
	}
}

func (c *Coordinator) loadOrCreateVPKFile(pk fingerprint.Tag) (*vpkfile.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vpk, ok := c.cache[pk]; ok {
		return vpk, nil
	}

	prefix := c.prefixFor(pk)
	var stable *pkfile.File
	if mf, err := c.readMultiPKFile(prefix); err == nil && mf != nil {
		if pf, ok := mf.Find(pk); ok {
			stable = pf
		}
	}

	namesEpochFloor, hadNamesEpoch := c.evictedNamesEpochs[pk]
	if hadNamesEpoch {
		delete(c.evictedNamesEpochs, pk)
	}

	if epoch, ok := c.emptyPKLog.GetEpoch(pk); ok {
		if stable == nil || epoch >= stable.PKEpoch {
			newNamesEpoch := uint32(0)
			if hadNamesEpoch && namesEpochFloor > newNamesEpoch {
				newNamesEpoch = namesEpochFloor
			}
			vpk := vpkfile.New(pk, nil, epoch+1, newNamesEpoch)
			c.cache[pk] = vpk
			c.attach(prefix, pk, vpk)
			return vpk, nil
		}
	}

	var newEpoch, newNamesEpoch uint32 = 1, 0
	if stable != nil {
		newEpoch, newNamesEpoch = stable.PKEpoch, stable.NamesEpoch
	}
	if hadNamesEpoch && namesEpochFloor > newNamesEpoch {
		newNamesEpoch = namesEpochFloor
	}
	vpk := vpkfile.New(pk, stable, newEpoch, newNamesEpoch)
	c.cache[pk] = vpk
	c.attach(prefix, pk, vpk)
	return vpk, nil
}

func (c *Coordinator) attach(prefix, pk fingerprint.Tag, vpk *vpkfile.File) {
	mpk, ok := c.mpkTbl[prefix]
	if !ok {
		mpk = vmultipkfile.New(prefix)
		c.mpkTbl[prefix] = mpk
	}
	mpk.Put(pk, vpk)
}

func (c *Coordinator) readMultiPKFile(prefix fingerprint.Tag) (*multipkfile.File, error) {
	path := c.multiPKPath(prefix)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return multipkfile.ReadFrom(f)
}

// Lookup resolves (pk, id, fps) to a cache hit or miss, screening
// against the hit filter and taking or renewing a lease on a hit.
func (c *Coordinator) Lookup(pk fingerprint.Tag, id uint32, fps []fingerprint.Tag) (CacheEntryLookup, error) {
	c.stats.incLookups()
	vpk, _, err := c.FindVPKFile(pk)
	if err != nil {
		return CacheEntryLookup{}, err
	}

	c.mu.RLock()
	currentEpoch := c.freeMPKEpoch
	c.mu.RUnlock()

	vpk.Mu.Lock()
	vpk.Touch(currentEpoch)
	entry, outcome, err := vpk.Lookup(id, fps)
	vpk.Mu.Unlock()

	if err != nil {
		if err == vpkfile.ErrEpochMismatch {
			c.stats.incFVMismatch()
			return CacheEntryLookup{Result: ResultFVMismatch}, nil
		}
		return CacheEntryLookup{}, err
	}
	if outcome != vpkfile.OutcomeHit || c.cfg.NoHits {
		c.stats.incMisses()
		return CacheEntryLookup{Result: ResultMiss}, nil
	}

	hf, err := c.scalarStore.GetHitFilter()
	if err != nil {
		return CacheEntryLookup{}, fmt.Errorf("coordinator: lookup hit filter: %w", err)
	}
	now := time.Now()
	if hf.IsSet(entry.CI) && !c.leases.IsLeased(entry.CI, now) {
		c.stats.incMisses()
		return CacheEntryLookup{Result: ResultMiss}, nil
	}

	c.mu.RLock()
	inUse := c.usedCIs.IsSet(entry.CI)
	c.mu.RUnlock()
	if !inUse {
		panic(fmt.Sprintf("coordinator: lookup hit on CI %d not present in used_cis", entry.CI))
	}

	c.leases.Grant(entry.CI, now)
	c.stats.incHits()
	return CacheEntryLookup{Result: ResultHit, CI: entry.CI, Value: entry.Value}, nil
}

// FreeVariables returns the free-variable names a caller must
// fingerprint (in this order) to build a Lookup/AddEntry request for
// pk, along with the epoch a Lookup call must pass as id. A client
// that last saw an older epoch should call this again before retrying
// a mismatched Lookup.
func (c *Coordinator) FreeVariables(pk fingerprint.Tag) (names []string, epoch uint32, err error) {
	vpk, _, err := c.FindVPKFile(pk)
	if err != nil {
		return nil, 0, err
	}
	vpk.Mu.Lock()
	defer vpk.Mu.Unlock()
	names = append([]string(nil), vpk.AllNames...)
	return names, vpk.NamesEpoch, nil
}

// LookupResult enumerates Lookup's three outcomes.
type LookupResult int

const (
	ResultMiss LookupResult = iota
	ResultHit
	ResultFVMismatch
)

// CacheEntryLookup is Lookup's return value.
type CacheEntryLookup struct {
	Result LookupResult
	CI     uint32
	Value  []byte
}

// AddEntryResult enumerates AddEntry's outcomes.
type AddEntryResult int

const (
	EntryAdded AddEntryResult = iota
	NoLease
)

// AddEntry installs a new cache entry for pk, built from the
// evaluation of source_func over the free variables named by names
// (with values fingerprinted by fps), producing value via model and
// depending on kids. It fails closed (NoLease) if any kid lacks a
// current lease, leaving the freshly allocated CI unused by any
// entry but still present in used_cis and the graph log untouched.
func (c *Coordinator) AddEntry(pk fingerprint.Tag, names []string, fps []fingerprint.Tag, value []byte, model uint64, kids []uint32, sourceFunc string) (AddEntryResult, uint32, error) {
	if len(names) != len(fps) {
		return 0, 0, fmt.Errorf("coordinator: add_entry names/fps length mismatch: %w", errdefs.ErrInvalidArgument)
	}

	vpk, _, err := c.FindVPKFile(pk)
	if err != nil {
		return 0, 0, err
	}

	ci, err := c.allocateCI()
	if err != nil {
		return 0, 0, err
	}

	now := time.Now()
	c.leases.Grant(ci, now)

	for _, kid := range kids {
		if !c.leases.IsLeased(kid, now) {
			c.stats.incNoLease()
			return NoLease, ci, nil
		}
	}

	if err := c.graphLog.AppendNode(fnlog.NodeRecord{CI: ci, Kids: kids}); err != nil {
		return 0, 0, fmt.Errorf("coordinator: add_entry graph log: %w", err)
	}

	c.mu.RLock()
	currentEpoch := c.freeMPKEpoch
	c.mu.RUnlock()

	vpk.Mu.Lock()
	vpk.Touch(currentEpoch)
	entry, commonFP, ok, err := vpk.NewEntry(ci, names, fps, value, model, kids)
	if err != nil {
		vpk.Mu.Unlock()
		return 0, 0, fmt.Errorf("coordinator: add_entry build entry: %w", err)
	}
	namesIdx := make([]uint32, len(names))
	for i, n := range names {
		namesIdx[i] = uint32(vpk.NameIndex[n])
	}
	pkEpoch := vpk.PKEpoch
	vpk.AddEntry(sourceFunc, entry, commonFP, ok, nil)
	vpk.Mu.Unlock()

	if err := c.cacheLog.Append(fnlog.CacheRecord{
		SourceFunc: sourceFunc,
		PK:         pk,
		PKEpoch:    pkEpoch,
		CI:         ci,
		Value:      value,
		Model:      model,
		Kids:       kids,
		Names:      namesIdx,
		FPs:        fps,
	}); err != nil {
		return 0, 0, fmt.Errorf("coordinator: add_entry cache log: %w", err)
	}

	prefix := c.prefixFor(pk)
	c.mu.RLock()
	mpk := c.mpkTbl[prefix]
	c.mu.RUnlock()
	if mpk != nil {
		mpk.IncEntries(currentEpoch)
		if mpk.IsFull(c.cfg.FlushThreshold) {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.flushPrefixAsync(prefix, "flush threshold reached")
			}()
		}
	}

	c.stats.incAdds()
	return EntryAdded, ci, nil
}

func (c *Coordinator) allocateCI() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleting, err := c.scalarStore.GetDeleting()
	if err != nil {
		return 0, fmt.Errorf("coordinator: allocate ci: %w", err)
	}
	var except *bitset.Sparse
	if deleting {
		hf, err := c.scalarStore.GetHitFilter()
		if err != nil {
			return 0, fmt.Errorf("coordinator: allocate ci: %w", err)
		}
		except = hf
	}
	ci := c.usedCIs.NextAvail(except)
	c.usedCIs.Set(ci)
	c.entryCnt++
	if err := c.ciLog.Append(fnlog.UsedCIRecord{Op: fnlog.UsedCIAdd, Lo: ci, Hi: ci + 1}); err != nil {
		c.usedCIs.Clear(ci)
		c.entryCnt--
		return 0, fmt.Errorf("coordinator: allocate ci log: %w", err)
	}
	return ci, nil
}

// RenewLeases renews every lease named in cis, returning true iff
// every one was known and leased.
func (c *Coordinator) RenewLeases(cis []uint32) bool {
	return c.leases.RenewAll(cis, time.Now())
}

// flushPrefixAsync is the body of a background flush worker; it
// bounds concurrency with flushSem and logs (rather than propagates)
// any error, matching FlushWorker's fire-and-forget contract.
func (c *Coordinator) flushPrefixAsync(prefix fingerprint.Tag, reason string) {
	ctx := context.Background()
	if err := c.flushSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.flushSem.Release(1)
	if err := c.flushPrefix(prefix, nil); err != nil {
		log.L.WithError(err).WithField("prefix", prefix.String()).WithField("reason", reason).Error("flush failed")
	}
}

// flushPrefix rewrites the MultiPKFile for prefix, applying toDelete
// (if non-nil) to every entry's CI, and publishes the result.
func (c *Coordinator) flushPrefix(prefix fingerprint.Tag, toDelete *bitset.Dense) error {
	key := prefix.String()
	c.prefixLocks.Lock(key)
	defer c.prefixLocks.Unlock(key)

	c.mu.RLock()
	mpk := c.mpkTbl[prefix]
	c.mu.RUnlock()
	if mpk == nil {
		return nil
	}
	if !mpk.LockForWrite(toDelete) {
		return nil
	}

	path := c.multiPKPath(prefix)
	stable, err := c.readMultiPKFile(prefix)
	if err != nil {
		stable = nil
	}

	toFlush, chkpts, needsWrite := mpk.Checkpoint(toDelete)
	if !needsWrite {
		return nil
	}

	result, err := mpk.Rewrite(stable, toFlush, chkpts, toDelete, c.emptyPKLog)
	if err != nil {
		return fmt.Errorf("coordinator: rewrite prefix %s: %w", key, err)
	}

	if result.NewStable == nil {
		if err := multipkfile.Delete(c.cfg.Root, path); err != nil {
			return fmt.Errorf("coordinator: delete empty multipkfile %s: %w", key, err)
		}
	} else {
		var buf bytes.Buffer
		if _, err := result.NewStable.WriteTo(&buf); err != nil {
			return fmt.Errorf("coordinator: encode multipkfile %s: %w", key, err)
		}
		if err := multipkfile.PublishAtomic(path, buf.Bytes()); err != nil {
			return fmt.Errorf("coordinator: publish multipkfile %s: %w", key, err)
		}
	}

	c.stats.incFlushes()
	return nil
}

// FlushAll flushes every MultiPKFile currently resident in memory,
// waiting for every flush to finish, then triggers a cache-log clean.
func (c *Coordinator) FlushAll() error {
	c.mu.RLock()
	prefixes := make([]fingerprint.Tag, 0, len(c.mpkTbl))
	for prefix := range c.mpkTbl {
		prefixes = append(prefixes, prefix)
	}
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(context.Background())
	for _, prefix := range prefixes {
		prefix := prefix
		g.Go(func() error {
			if err := c.flushSem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer c.flushSem.Release(1)
			return c.flushPrefix(prefix, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("coordinator: flush_all: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.cacheLog.Clean(c.emptyPKLog, c.pkEpochLookup); err != nil {
			log.L.WithError(err).Error("cache log clean failed after flush_all")
		}
	}()
	return nil
}

func (c *Coordinator) pkEpochLookup(pk fingerprint.Tag) (uint32, bool) {
	c.mu.RLock()
	vpk, ok := c.cache[pk]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	vpk.Mu.Lock()
	defer vpk.Mu.Unlock()
	return vpk.PKEpoch, true
}

// Checkpoint makes every entry reachable from cis stable (flushing
// the cache log) and, if every named CI is currently leased, appends
// a root record protecting them from weeding. It runs the flush
// synchronously iff done is true; otherwise the flush is handed to the
// checkpoint worker's FIFO and this call returns once the root record
// is durable, without waiting for the flush itself.
func (c *Coordinator) Checkpoint(packageFP fingerprint.Tag, model uint64, cis []uint32, done bool) error {
	now := time.Now()
	for _, ci := range cis {
		if !c.leases.IsLeased(ci, now) {
			return fmt.Errorf("coordinator: checkpoint: ci %d has no lease: %w", ci, errdefs.ErrFailedPrecondition)
		}
	}
	if err := c.graphLog.AppendRoot(fnlog.RootRecord{CIs: cis, PackageFP: packageFP, Model: model}); err != nil {
		return fmt.Errorf("coordinator: checkpoint append root: %w", err)
	}
	if !done {
		req := newCheckpointRequest(packageFP, model, cis)
		select {
		case c.checkpointCh <- req:
		case <-c.ctx.Done():
			releaseCheckpointRequest(req)
		}
		return nil
	}
	return c.FlushAll()
}

// GetCacheId is the read-only identity/version telemetry surface.
type CacheId struct {
	InstanceFP fingerprint.Tag
	Version    int
}

func (c *Coordinator) GetCacheId() CacheId {
	return CacheId{InstanceFP: c.instanceFP, Version: int(multipkfile.CurrentVersion)}
}

// CacheState is the read-only counters/memory-size telemetry surface.
type CacheState struct {
	StartTime    time.Time
	EntryCount   int
	NumVPKFiles  int
	NumMultiPKs  int
	HitFilterLen int
	Lookups      uint64
	Hits         uint64
	Misses       uint64
	FVMismatches uint64
	Adds         uint64
	NoLeases     uint64
	Flushes      uint64
}

func (c *Coordinator) GetCacheState() (CacheState, error) {
	hf, err := c.scalarStore.GetHitFilter()
	if err != nil {
		return CacheState{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats.snapshot()
	return CacheState{
		StartTime:    c.startTime,
		EntryCount:   c.entryCnt,
		NumVPKFiles:  len(c.cache),
		NumMultiPKs:  len(c.mpkTbl),
		HitFilterLen: hf.Size(),
		Lookups:      s.lookups,
		Hits:         s.hits,
		Misses:       s.misses,
		FVMismatches: s.fvMismatches,
		Adds:         s.adds,
		NoLeases:     s.noLeases,
		Flushes:      s.flushes,
	}, nil
}
