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

package rpcserver

import "github.com/containerd/errdefs"

// classify names the errdefs bucket an error falls into, for logging
// at the call sites in server.go. The coordinator wraps every
// caller-facing error with one of these sentinels (see the bad-request
// and precondition returns in coordinator.go and weeder.go; FVMismatch
// and NoLease are result values, not errors); anything that matches
// none of them is a bug surfacing as
// a plain internal error rather than a client mistake.
func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errdefs.IsInvalidArgument(err):
		return "invalid_argument"
	case errdefs.IsFailedPrecondition(err):
		return "failed_precondition"
	case errdefs.IsUnavailable(err):
		return "unavailable"
	case errdefs.IsNotFound(err):
		return "not_found"
	default:
		return "internal"
	}
}
