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

import (
	"context"
	"net"

	"github.com/containerd/ttrpc"
)

// Client is a typed front for the Cache ttrpc service, for the weeder
// and any out-of-process evaluator driver; fncached itself talks to
// the coordinator in-process and never needs this.
type Client struct {
	tc *ttrpc.Client
}

// NewClient wraps conn (already dialed against the coordinator's
// listen address) as a Cache client.
func NewClient(conn net.Conn, opts ...ttrpc.ClientOpts) *Client {
	return &Client{tc: ttrpc.NewClient(conn, opts...)}
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.tc.Close() }

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	return c.tc.Call(ctx, ServiceName, method, req, resp)
}

func (c *Client) FreeVariables(ctx context.Context, pk [16]byte) (*FreeVariablesResponse, error) {
	resp := &FreeVariablesResponse{}
	if err := c.call(ctx, "FreeVariables", &PKRequest{PK: pk}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	resp := &LookupResponse{}
	if err := c.call(ctx, "Lookup", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) AddEntry(ctx context.Context, req *AddEntryRequest) (*AddEntryResponse, error) {
	resp := &AddEntryResponse{}
	if err := c.call(ctx, "AddEntry", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Checkpoint(ctx context.Context, req *CheckpointRequest) error {
	return c.call(ctx, "Checkpoint", req, &Empty{})
}

func (c *Client) RenewLeases(ctx context.Context, cis []uint32) (bool, error) {
	resp := &BoolResponse{}
	if err := c.call(ctx, "RenewLeases", &CIsRequest{CIs: cis}, resp); err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) GetCacheInstance(ctx context.Context) (*InstanceResponse, error) {
	resp := &InstanceResponse{}
	if err := c.call(ctx, "GetCacheInstance", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) WeederRecovering(ctx context.Context, token string, doneMarking bool) (bool, error) {
	resp := &BoolResponse{}
	req := &WeederRecoveringRequest{Token: token, DoneMarking: doneMarking}
	if err := c.call(ctx, "WeederRecovering", req, resp); err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) StartMark(ctx context.Context, token string) (*StartMarkResponse, error) {
	resp := &StartMarkResponse{}
	if err := c.call(ctx, "StartMark", &TokenRequest{Token: token}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SetHitFilter(ctx context.Context, token string, cis []uint32) error {
	return c.call(ctx, "SetHitFilter", &SetHitFilterRequest{Token: token, CIs: cis}, &Empty{})
}

func (c *Client) GetLeases(ctx context.Context, token string) ([]uint32, error) {
	resp := &CIsResponse{}
	if err := c.call(ctx, "GetLeases", &TokenRequest{Token: token}, resp); err != nil {
		return nil, err
	}
	return resp.CIs, nil
}

func (c *Client) ResumeLeases(ctx context.Context, token string) error {
	return c.call(ctx, "ResumeLeases", &TokenRequest{Token: token}, &Empty{})
}

func (c *Client) EndMark(ctx context.Context, req *EndMarkRequest) (*EndMarkResponse, error) {
	resp := &EndMarkResponse{}
	if err := c.call(ctx, "EndMark", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CommitChkpt(ctx context.Context, req *CommitChkptRequest) (bool, error) {
	resp := &BoolResponse{}
	if err := c.call(ctx, "CommitChkpt", req, resp); err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) FlushAll(ctx context.Context) error {
	return c.call(ctx, "FlushAll", &Empty{}, &Empty{})
}

func (c *Client) GetCacheId(ctx context.Context) (*CacheIdResponse, error) {
	resp := &CacheIdResponse{}
	if err := c.call(ctx, "GetCacheId", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetCacheState(ctx context.Context) (*CacheStateResponse, error) {
	resp := &CacheStateResponse{}
	if err := c.call(ctx, "GetCacheState", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
