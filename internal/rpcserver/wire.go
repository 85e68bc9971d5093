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

import "encoding/json"

// Wire message types for the ttrpc front. None of these are
// protobuf.Message: ttrpc's codec falls back to any type implementing
// Marshal()/Unmarshal([]byte) itself, which every type here does
// (over JSON, since there is no protoc step), so plain Go structs are
// enough to exercise ttrpc's framing without generated stubs.

func marshalJSON(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func unmarshalJSON(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// Empty is the request or response for operations that carry no data
// of their own (GetCacheInstance's request, ResumeLeases, FlushAll,
// GetCacheId's/GetCacheState's request, SetHitFilter's/Checkpoint's
// response).
type Empty struct{}

func (e *Empty) Marshal() ([]byte, error)      { return marshalJSON(e) }
func (e *Empty) Unmarshal(data []byte) error   { return unmarshalJSON(data, e) }

// PKRequest names the PK an operation concerns (FreeVariables).
type PKRequest struct {
	PK [16]byte `json:"pk"`
}

func (r *PKRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *PKRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// FreeVariablesResponse is the free-variable name table and epoch a
// caller needs to build a Lookup/AddEntry request.
type FreeVariablesResponse struct {
	Names []string `json:"names"`
	Epoch uint32   `json:"epoch"`
}

func (r *FreeVariablesResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *FreeVariablesResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// LookupRequest carries the free-variable fingerprints in the order
// FreeVariablesResponse.Names reported them as of Epoch.
type LookupRequest struct {
	PK    [16]byte   `json:"pk"`
	Epoch uint32     `json:"epoch"`
	FPs   [][16]byte `json:"fps"`
}

func (r *LookupRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *LookupRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// LookupResponse.Result is one of "hit", "miss", "fv_mismatch".
type LookupResponse struct {
	Result string `json:"result"`
	CI     uint32 `json:"ci,omitempty"`
	Value  []byte `json:"value,omitempty"`
}

func (r *LookupResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *LookupResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// AddEntryRequest mirrors coordinator.Coordinator.AddEntry's arguments.
type AddEntryRequest struct {
	PK         [16]byte   `json:"pk"`
	Names      []string   `json:"names"`
	FPs        [][16]byte `json:"fps"`
	Value      []byte     `json:"value"`
	Model      uint64     `json:"model"`
	Kids       []uint32   `json:"kids"`
	SourceFunc string     `json:"source_func"`
}

func (r *AddEntryRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *AddEntryRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// AddEntryResponse.Result is one of "added", "no_lease".
type AddEntryResponse struct {
	Result string `json:"result"`
	CI     uint32 `json:"ci"`
}

func (r *AddEntryResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *AddEntryResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CheckpointRequest mirrors coordinator.Coordinator.Checkpoint's
// arguments.
type CheckpointRequest struct {
	PackageFP [16]byte `json:"package_fp"`
	Model     uint64   `json:"model"`
	CIs       []uint32 `json:"cis"`
	Done      bool     `json:"done"`
}

func (r *CheckpointRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *CheckpointRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CIsRequest carries a bare CI list (RenewLeases).
type CIsRequest struct {
	CIs []uint32 `json:"cis"`
}

func (r *CIsRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *CIsRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// TokenRequest carries only the weeder's liveness token (StartMark,
// GetLeases, ResumeLeaseExp): these calls touch no other state but
// still must refresh the caller's liveness registration.
type TokenRequest struct {
	Token string `json:"token"`
}

func (r *TokenRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *TokenRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// WeederRecoveringRequest carries the caller's liveness token and
// whether it is resuming an already-completed mark.
type WeederRecoveringRequest struct {
	Token       string `json:"token"`
	DoneMarking bool   `json:"done_marking"`
}

func (r *WeederRecoveringRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *WeederRecoveringRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// SetHitFilterRequest names the CIs a weeder currently believes
// unreachable, with the liveness token identifying the caller.
type SetHitFilterRequest struct {
	Token string   `json:"token"`
	CIs   []uint32 `json:"cis"`
}

func (r *SetHitFilterRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *SetHitFilterRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CIsResponse carries a bare CI list (GetLeases).
type CIsResponse struct {
	CIs []uint32 `json:"cis"`
}

func (r *CIsResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *CIsResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// BoolResponse carries a single boolean result (RenewLeases's
// all-renewed flag, WeederRecovering's flag, CommitChkpt's committed
// flag).
type BoolResponse struct {
	Value bool `json:"value"`
}

func (r *BoolResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *BoolResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// InstanceResponse carries the cache instance fingerprint
// (GetCacheInstance).
type InstanceResponse struct {
	InstanceFP [16]byte `json:"instance_fp"`
}

func (r *InstanceResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *InstanceResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// Interval is a wire-format half-open CI range [Lo, Hi), mirroring
// bitset.Interval without depending on the bitset package's internal
// representation.
type Interval struct {
	Lo uint32 `json:"lo"`
	Hi uint32 `json:"hi"`
}

// StartMarkResponse reports a snapshot of every CI currently allocated
// (used_cis, the universe a weeder traces reachability against) and
// the graph-log checkpoint version a weeder must trace from.
type StartMarkResponse struct {
	UsedCIs         []Interval `json:"used_cis"`
	GraphLogVersion int        `json:"graph_log_version"`
}

func (r *StartMarkResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *StartMarkResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// EndMarkRequest names the CIs a weeder has determined are
// unreachable and the MultiPKFile prefixes that may reference them.
type EndMarkRequest struct {
	Token    string     `json:"token"`
	ToDelete []uint32   `json:"to_delete"`
	Prefixes [][16]byte `json:"prefixes"`
}

func (r *EndMarkRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *EndMarkRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// EndMarkResponse carries the graph-log checkpoint version the weeder
// must read up to, regardless of whether EndMark actually advanced the
// cache to the Deleting state.
type EndMarkResponse struct {
	GraphLogVersion int `json:"graph_log_version"`
}

func (r *EndMarkResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *EndMarkResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CommitChkptRequest names the weeder's pruned graph-log checkpoint.
type CommitChkptRequest struct {
	Token          string `json:"token"`
	Version        int    `json:"version"`
	CheckpointPath string `json:"checkpoint_path"`
}

func (r *CommitChkptRequest) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *CommitChkptRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CacheIdResponse is GetCacheId's read-only identity/version surface.
type CacheIdResponse struct {
	InstanceFP [16]byte `json:"instance_fp"`
	Version    int      `json:"version"`
}

func (r *CacheIdResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *CacheIdResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CacheStateResponse is GetCacheState's read-only counters/memory-size
// telemetry surface. StartTimeUnixNano replaces time.Time so the wire
// type stays a plain value rather than depending on JSON's RFC3339
// time encoding matching on both ends.
type CacheStateResponse struct {
	StartTimeUnixNano int64  `json:"start_time_unix_nano"`
	EntryCount        int    `json:"entry_count"`
	NumVPKFiles       int    `json:"num_vpk_files"`
	NumMultiPKs       int    `json:"num_multi_pks"`
	HitFilterLen      int    `json:"hit_filter_len"`
	Lookups           uint64 `json:"lookups"`
	Hits              uint64 `json:"hits"`
	Misses            uint64 `json:"misses"`
	FVMismatches      uint64 `json:"fv_mismatches"`
	Adds              uint64 `json:"adds"`
	NoLeases          uint64 `json:"no_leases"`
	Flushes           uint64 `json:"flushes"`
}

func (r *CacheStateResponse) Marshal() ([]byte, error)    { return marshalJSON(r) }
func (r *CacheStateResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }
