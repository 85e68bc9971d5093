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
	"sync"
	"time"

	"fncache/internal/bitset"
)

// leaseTable tracks time-bounded promises to evaluators that a CI's
// entry (and everything it transitively depends on) will survive
// until the lease expires, unless expiration has been globally
// disabled for the duration of a weeder mark phase.
type leaseTable struct {
	ttl time.Duration

	mu       sync.Mutex
	deadline map[uint32]time.Time
	frozen   bool // expiration disabled: StartMark through ResumeLeaseExp
}

func newLeaseTable(ttl time.Duration) *leaseTable {
	return &leaseTable{ttl: ttl, deadline: make(map[uint32]time.Time)}
}

// Grant creates or renews a lease on ci, extending its deadline to
// now+ttl regardless of whether it previously existed or had expired.
func (l *leaseTable) Grant(ci uint32, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadline[ci] = now.Add(l.ttl)
}

// IsLeased reports whether ci currently holds an unexpired lease.
// While expiration is frozen, any previously granted lease (even one
// whose wall-clock deadline has passed) still counts as leased.
func (l *leaseTable) IsLeased(ci uint32, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deadline[ci]
	if !ok {
		return false
	}
	return l.frozen || now.Before(d)
}

// Renew renews ci's lease if it exists (even if expired), reporting
// whether it existed.
func (l *leaseTable) Renew(ci uint32, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.deadline[ci]; !ok {
		return false
	}
	l.deadline[ci] = now.Add(l.ttl)
	return true
}

// RenewAll renews every CI in cis that holds a (possibly expired)
// lease, returning whether all of them did.
func (l *leaseTable) RenewAll(cis []uint32, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := true
	for _, ci := range cis {
		if _, ok := l.deadline[ci]; ok {
			l.deadline[ci] = now.Add(l.ttl)
		} else {
			all = false
		}
	}
	return all
}

// Freeze disables expiration: IsLeased treats every granted lease as
// current regardless of wall-clock time, matching StartMark's
// "disable lease expiration" step.
func (l *leaseTable) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
}

// Unfreeze re-enables expiration (ResumeLeaseExp).
func (l *leaseTable) Unfreeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = false
}

// Snapshot returns a newly allocated bit vector of every CI that
// currently holds a lease (GetLeases). While frozen this includes
// leases whose wall-clock deadline has already passed.
func (l *leaseTable) Snapshot(now time.Time) *bitset.Dense {
	l.mu.Lock()
	defer l.mu.Unlock()
	bv := bitset.NewDense()
	for ci, d := range l.deadline {
		if l.frozen || now.Before(d) {
			bv.Set(ci)
		}
	}
	return bv
}

// ExpireOnce drops every non-frozen lease whose deadline has passed,
// for a periodic background sweep. It is a no-op while frozen.
func (l *leaseTable) ExpireOnce(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return
	}
	for ci, d := range l.deadline {
		if now.After(d) {
			delete(l.deadline, ci)
		}
	}
}
