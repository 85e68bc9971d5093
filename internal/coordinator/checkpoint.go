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

	"github.com/containerd/log"

	"fncache/internal/fingerprint"
)

// checkpointRequest is one async (done=false) Checkpoint call queued
// for the checkpoint worker to replay. The root record it names is
// already durable in the graph log by the time it is queued; all the
// worker does is eventually call FlushAll on its behalf. The fields
// carried here are only for logging a failed flush against the
// request that (indirectly) triggered it.
type checkpointRequest struct {
	packageFP fingerprint.Tag
	model     uint64
	cis       []uint32
}

var checkpointRequestPool = sync.Pool{New: func() any { return new(checkpointRequest) }}

func newCheckpointRequest(packageFP fingerprint.Tag, model uint64, cis []uint32) *checkpointRequest {
	req := checkpointRequestPool.Get().(*checkpointRequest)
	req.packageFP = packageFP
	req.model = model
	req.cis = cis
	return req
}

func releaseCheckpointRequest(req *checkpointRequest) {
	*req = checkpointRequest{}
	checkpointRequestPool.Put(req)
}

// runCheckpointWorker is the singleton background goroutine that
// serializes every async Checkpoint call's eventual FlushAll behind
// one FIFO, so a burst of concurrent checkpoint requests coalesces
// into the queue's current backlog instead of racing each other's
// flushes: requests already queued behind the one just received are
// drained and only the latest is kept, since one FlushAll covers them
// all. It exits once Close cancels the Coordinator's context.
func (c *Coordinator) runCheckpointWorker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.checkpointCh:
			for drained := false; !drained; {
				select {
				case next := <-c.checkpointCh:
					releaseCheckpointRequest(req)
					req = next
				default:
					drained = true
				}
			}
			if err := c.FlushAll(); err != nil {
				log.L.WithError(err).WithField("package_fp", req.packageFP.String()).Error("checkpoint worker: flush_all failed")
			}
			releaseCheckpointRequest(req)
		}
	}
}
