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
	"testing"
	"time"
)

func TestLeaseTableGrantAndExpire(t *testing.T) {
	now := time.Now()
	l := newLeaseTable(time.Minute)

	if l.IsLeased(1, now) {
		t.Fatalf("expected ci 1 unleased before Grant")
	}
	l.Grant(1, now)
	if !l.IsLeased(1, now) {
		t.Fatalf("expected ci 1 leased right after Grant")
	}
	if !l.IsLeased(1, now.Add(30*time.Second)) {
		t.Fatalf("expected ci 1 still leased before ttl elapses")
	}
	if l.IsLeased(1, now.Add(2*time.Minute)) {
		t.Fatalf("expected ci 1 expired after ttl elapses")
	}
}

func TestLeaseTableRenewAllRequiresEveryCI(t *testing.T) {
	now := time.Now()
	l := newLeaseTable(time.Minute)
	l.Grant(1, now)
	l.Grant(2, now)

	if !l.RenewAll([]uint32{1, 2}, now.Add(time.Second)) {
		t.Fatalf("expected RenewAll to succeed when every ci is known")
	}
	if l.RenewAll([]uint32{1, 3}, now.Add(time.Second)) {
		t.Fatalf("expected RenewAll to fail when any ci is unknown")
	}
}

func TestLeaseTableFreezeIgnoresExpiry(t *testing.T) {
	now := time.Now()
	l := newLeaseTable(time.Minute)
	l.Grant(1, now)

	l.Freeze()
	if !l.IsLeased(1, now.Add(time.Hour)) {
		t.Fatalf("expected a frozen lease table to treat every granted lease as current")
	}
	l.ExpireOnce(now.Add(time.Hour))
	if !l.IsLeased(1, now.Add(time.Hour)) {
		t.Fatalf("expected ExpireOnce to be a no-op while frozen")
	}

	l.Unfreeze()
	if l.IsLeased(1, now.Add(time.Hour)) {
		t.Fatalf("expected the lease to resume reporting expired once unfrozen")
	}
}

func TestLeaseTableSnapshot(t *testing.T) {
	now := time.Now()
	l := newLeaseTable(time.Minute)
	l.Grant(1, now)
	l.Grant(2, now)

	snap := l.Snapshot(now)
	if !snap.IsSet(1) || !snap.IsSet(2) {
		t.Fatalf("expected snapshot to contain both leased cis")
	}
	if snap.IsSet(3) {
		t.Fatalf("expected snapshot to omit an unleased ci")
	}
}

func TestLeaseTableExpireOnceSweepsPastDeadlines(t *testing.T) {
	now := time.Now()
	l := newLeaseTable(time.Minute)
	l.Grant(1, now)
	l.Grant(2, now.Add(time.Hour)) // effectively far in the future

	l.ExpireOnce(now.Add(2 * time.Minute))
	if l.IsLeased(1, now.Add(2*time.Minute)) {
		t.Fatalf("expected ci 1's lease to be swept")
	}
	if !l.IsLeased(2, now.Add(2*time.Minute)) {
		t.Fatalf("expected ci 2's lease to survive the sweep")
	}
}
