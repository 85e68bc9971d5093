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

// Package rpcserver is the thin ttrpc front exposing the coordinator's
// public operations over a Unix socket, matching §6's "RPC contract
// (external collaborator)": evaluator-facing FreeVariables, Lookup,
// AddEntry, Checkpoint, RenewLeases, GetCacheInstance; weeder-facing
// WeederRecovering, StartMark, SetHitFilter, GetLeases, ResumeLeases,
// EndMark, CommitChkpt; operations-facing FlushAll, GetCacheId,
// GetCacheState. There is no protoc step: request/response types
// implement Marshal/Unmarshal directly (see wire.go) so ttrpc's codec
// can frame them without a generated .pb.go.
package rpcserver

import (
	"context"
	"fmt"
	"net"

	"github.com/containerd/log"
	"github.com/containerd/ttrpc"

	"fncache/internal/coordinator"
	"fncache/internal/fingerprint"
)

// ServiceName is the ttrpc service name every method below is
// registered under.
const ServiceName = "fncache.v1.Cache"

// Server wraps a Coordinator with the ttrpc service registration and
// listener loop.
type Server struct {
	coord *coordinator.Coordinator
	ttrpc *ttrpc.Server
}

// NewServer constructs a ttrpc server with every Cache method
// registered against coord.
func NewServer(coord *coordinator.Coordinator, opts ...ttrpc.ServerOpt) (*Server, error) {
	ts, err := ttrpc.NewServer(opts...)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: new ttrpc server: %w", err)
	}
	s := &Server{coord: coord, ttrpc: ts}
	ts.Register(ServiceName, s.methods())
	return s, nil
}

// Serve accepts connections on l until ctx is done or the listener
// fails, matching ttrpc.Server.Serve's contract.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	return s.ttrpc.Serve(ctx, l)
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.ttrpc.Shutdown(ctx)
}

// fail logs a coordinator error with its errdefs classification and
// returns it unchanged for ttrpc to relay to the caller.
func fail(ctx context.Context, op string, err error) error {
	log.G(ctx).WithError(err).WithField("op", op).WithField("class", classify(err)).Error("rpc failed")
	return err
}

func (s *Server) methods() map[string]ttrpc.Method {
	return map[string]ttrpc.Method{
		"FreeVariables":    s.freeVariables,
		"Lookup":           s.lookup,
		"AddEntry":         s.addEntry,
		"Checkpoint":       s.checkpoint,
		"RenewLeases":      s.renewLeases,
		"GetCacheInstance": s.getCacheInstance,
		"WeederRecovering": s.weederRecovering,
		"StartMark":        s.startMark,
		"SetHitFilter":     s.setHitFilter,
		"GetLeases":        s.getLeases,
		"ResumeLeases":     s.resumeLeases,
		"EndMark":          s.endMark,
		"CommitChkpt":      s.commitChkpt,
		"FlushAll":         s.flushAll,
		"GetCacheId":       s.getCacheID,
		"GetCacheState":    s.getCacheState,
	}
}

func (s *Server) freeVariables(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req PKRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	names, epoch, err := s.coord.FreeVariables(fingerprint.FromBytes(req.PK))
	if err != nil {
		return nil, fail(ctx, "FreeVariables", err)
	}
	return &FreeVariablesResponse{Names: names, Epoch: epoch}, nil
}

func (s *Server) lookup(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req LookupRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	fps := make([]fingerprint.Tag, len(req.FPs))
	for i, b := range req.FPs {
		fps[i] = fingerprint.FromBytes(b)
	}
	res, err := s.coord.Lookup(fingerprint.FromBytes(req.PK), req.Epoch, fps)
	if err != nil {
		return nil, fail(ctx, "Lookup", err)
	}
	resp := &LookupResponse{}
	switch res.Result {
	case coordinator.ResultHit:
		resp.Result = "hit"
		resp.CI = res.CI
		resp.Value = res.Value
	case coordinator.ResultFVMismatch:
		resp.Result = "fv_mismatch"
	default:
		resp.Result = "miss"
	}
	return resp, nil
}

func (s *Server) addEntry(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req AddEntryRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	fps := make([]fingerprint.Tag, len(req.FPs))
	for i, b := range req.FPs {
		fps[i] = fingerprint.FromBytes(b)
	}
	res, ci, err := s.coord.AddEntry(fingerprint.FromBytes(req.PK), req.Names, fps, req.Value, req.Model, req.Kids, req.SourceFunc)
	if err != nil {
		return nil, fail(ctx, "AddEntry", err)
	}
	resp := &AddEntryResponse{CI: ci}
	if res == coordinator.EntryAdded {
		resp.Result = "added"
	} else {
		resp.Result = "no_lease"
	}
	return resp, nil
}

func (s *Server) checkpoint(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req CheckpointRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	if err := s.coord.Checkpoint(fingerprint.FromBytes(req.PackageFP), req.Model, req.CIs, req.Done); err != nil {
		return nil, fail(ctx, "Checkpoint", err)
	}
	return &Empty{}, nil
}

func (s *Server) renewLeases(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req CIsRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	return &BoolResponse{Value: s.coord.RenewLeases(req.CIs)}, nil
}

func (s *Server) getCacheInstance(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req Empty
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	return &InstanceResponse{InstanceFP: s.coord.GetCacheInstance().Bytes()}, nil
}

func (s *Server) weederRecovering(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req WeederRecoveringRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	recovering, err := s.coord.WeederRecovering(req.Token, req.DoneMarking)
	if err != nil {
		return nil, fail(ctx, "WeederRecovering", err)
	}
	return &BoolResponse{Value: recovering}, nil
}

func (s *Server) startMark(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req TokenRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	usedCIs, version, err := s.coord.StartMark(req.Token)
	if err != nil {
		return nil, fail(ctx, "StartMark", err)
	}
	ivals := usedCIs.Intervals()
	wireIvals := make([]Interval, len(ivals))
	for i, iv := range ivals {
		wireIvals[i] = Interval{Lo: iv.Lo, Hi: iv.Hi}
	}
	return &StartMarkResponse{UsedCIs: wireIvals, GraphLogVersion: version}, nil
}

func (s *Server) setHitFilter(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req SetHitFilterRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	if err := s.coord.SetHitFilter(req.Token, req.CIs); err != nil {
		return nil, fail(ctx, "SetHitFilter", err)
	}
	return &Empty{}, nil
}

func (s *Server) getLeases(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req TokenRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	leased, err := s.coord.GetLeases(req.Token)
	if err != nil {
		return nil, fail(ctx, "GetLeases", err)
	}
	return &CIsResponse{CIs: leased.Bits()}, nil
}

func (s *Server) resumeLeases(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req TokenRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	if err := s.coord.ResumeLeaseExp(req.Token); err != nil {
		return nil, fail(ctx, "ResumeLeases", err)
	}
	return &Empty{}, nil
}

func (s *Server) endMark(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req EndMarkRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	prefixes := make([]fingerprint.Tag, len(req.Prefixes))
	for i, b := range req.Prefixes {
		prefixes[i] = fingerprint.FromBytes(b)
	}
	version, err := s.coord.EndMark(req.Token, req.ToDelete, prefixes)
	if err != nil {
		return nil, fail(ctx, "EndMark", err)
	}
	return &EndMarkResponse{GraphLogVersion: version}, nil
}

func (s *Server) commitChkpt(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req CommitChkptRequest
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	ok, err := s.coord.CommitChkpt(req.Token, req.Version, req.CheckpointPath)
	if err != nil {
		return nil, fail(ctx, "CommitChkpt", err)
	}
	return &BoolResponse{Value: ok}, nil
}

func (s *Server) flushAll(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req Empty
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	if err := s.coord.FlushAll(); err != nil {
		return nil, fail(ctx, "FlushAll", err)
	}
	return &Empty{}, nil
}

func (s *Server) getCacheID(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req Empty
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	id := s.coord.GetCacheId()
	return &CacheIdResponse{InstanceFP: id.InstanceFP.Bytes(), Version: id.Version}, nil
}

func (s *Server) getCacheState(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
	var req Empty
	if err := unmarshal(&req); err != nil {
		return nil, err
	}
	state, err := s.coord.GetCacheState()
	if err != nil {
		return nil, fail(ctx, "GetCacheState", err)
	}
	return &CacheStateResponse{
		StartTimeUnixNano: state.StartTime.UnixNano(),
		EntryCount:        state.EntryCount,
		NumVPKFiles:       state.NumVPKFiles,
		NumMultiPKs:       state.NumMultiPKs,
		HitFilterLen:      state.HitFilterLen,
		Lookups:           state.Lookups,
		Hits:              state.Hits,
		Misses:            state.Misses,
		FVMismatches:      state.FVMismatches,
		Adds:              state.Adds,
		NoLeases:          state.NoLeases,
		Flushes:           state.Flushes,
	}, nil
}
