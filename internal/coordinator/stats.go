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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lookupsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fncache",
		Name:      "lookups_total",
		Help:      "Total number of lookup requests handled.",
	})
	hitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fncache",
		Name:      "lookup_hits_total",
		Help:      "Total number of lookup requests that hit an entry.",
	})
	missesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fncache",
		Name:      "lookup_misses_total",
		Help:      "Total number of lookup requests that missed.",
	})
	fvMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fncache",
		Name:      "lookup_fv_mismatches_total",
		Help:      "Total number of lookup requests rejected for a free-variable epoch mismatch.",
	})
	addsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fncache",
		Name:      "entries_added_total",
		Help:      "Total number of cache entries successfully added.",
	})
	noLeaseTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fncache",
		Name:      "add_entry_no_lease_total",
		Help:      "Total number of add_entry calls rejected because a kid CI had no lease.",
	})
	flushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fncache",
		Name:      "multipkfile_flushes_total",
		Help:      "Total number of MultiPKFile rewrites published.",
	})
)

func init() {
	prometheus.MustRegister(lookupsTotal, hitsTotal, missesTotal, fvMismatchesTotal, addsTotal, noLeaseTotal, flushesTotal)
}

// Stats holds the coordinator's running counters, both as atomics for
// lock-free updates on the request path and mirrored into the
// package's prometheus counters for scraping.
type Stats struct {
	lookups      uint64
	hits         uint64
	misses       uint64
	fvMismatches uint64
	adds         uint64
	noLeases     uint64
	flushes      uint64
}

func newStats() *Stats { return &Stats{} }

func (s *Stats) incLookups()    { atomic.AddUint64(&s.lookups, 1); lookupsTotal.Inc() }
func (s *Stats) incHits()       { atomic.AddUint64(&s.hits, 1); hitsTotal.Inc() }
func (s *Stats) incMisses()     { atomic.AddUint64(&s.misses, 1); missesTotal.Inc() }
func (s *Stats) incFVMismatch() { atomic.AddUint64(&s.fvMismatches, 1); fvMismatchesTotal.Inc() }
func (s *Stats) incAdds()       { atomic.AddUint64(&s.adds, 1); addsTotal.Inc() }
func (s *Stats) incNoLease()    { atomic.AddUint64(&s.noLeases, 1); noLeaseTotal.Inc() }
func (s *Stats) incFlushes()    { atomic.AddUint64(&s.flushes, 1); flushesTotal.Inc() }

type statsSnapshot struct {
	lookups      uint64
	hits         uint64
	misses       uint64
	fvMismatches uint64
	adds         uint64
	noLeases     uint64
	flushes      uint64
}

func (s *Stats) snapshot() statsSnapshot {
	return statsSnapshot{
		lookups:      atomic.LoadUint64(&s.lookups),
		hits:         atomic.LoadUint64(&s.hits),
		misses:       atomic.LoadUint64(&s.misses),
		fvMismatches: atomic.LoadUint64(&s.fvMismatches),
		adds:         atomic.LoadUint64(&s.adds),
		noLeases:     atomic.LoadUint64(&s.noLeases),
		flushes:      atomic.LoadUint64(&s.flushes),
	}
}
