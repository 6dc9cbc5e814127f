// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"context"
	"sync"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/rlog"
	"github.com/bufbuild/rpclb/serial"
)

// core implements the parts of the Policy contract that are identical
// across the built-in policies: the pick queue and its cancellation,
// the state tracker and its subscription, child introspection, and the
// re-resolution hook. Policies embed it and call its unexported
// helpers from their own serialized methods.
type core struct {
	name    string
	domain  *serial.Domain
	pool    conn.Pool
	lifeCtx context.Context

	queue   pickQueue
	tracker stateTracker

	reresolve    func()
	reresolveSet bool
	closed       bool

	refMu sync.Mutex
	// +checklocks:refMu
	refs ChildRefs
}

func (c *core) init(name string, opts BuildOptions) {
	c.name = name
	c.domain = opts.Domain
	c.pool = opts.Pool
	c.lifeCtx = opts.Domain.Context()
}

// Name implements part of the Policy interface.
func (c *core) Name() string {
	return c.name
}

// CheckConnectivity implements part of the Policy interface.
func (c *core) CheckConnectivity() (connectivity.State, error) {
	return c.tracker.get()
}

// NotifyOnStateChange implements part of the Policy interface.
func (c *core) NotifyOnStateChange(state *connectivity.State, callback func()) {
	c.tracker.subscribe(c.lifeCtx, state, callback)
}

func (c *core) setState(state connectivity.State, err error) {
	c.tracker.set(c.lifeCtx, state, err)
}

// SetReresolutionCallback implements part of the Policy interface.
func (c *core) SetReresolutionCallback(callback func()) {
	if c.reresolveSet {
		panic("policy: re-resolution callback already set")
	}
	c.reresolveSet = true
	c.reresolve = callback
}

// tryReresolution asks the owner to refresh the address list. Safe to
// call repeatedly; rate limiting is the owner's job.
func (c *core) tryReresolution(err error) {
	if c.reresolve == nil {
		return
	}
	rlog.Debugf("%s: requesting re-resolution: %v", c.name, err)
	internal.Go(c.lifeCtx, c.reresolve)
}

// ChildRefs implements part of the Policy interface. Unlike the rest
// of the serialized contract it may be called concurrently with domain
// tasks, so it works off a mutex-guarded snapshot.
func (c *core) ChildRefs() ChildRefs {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	refs := ChildRefs{}
	if len(c.refs.Conns) > 0 {
		refs.Conns = append([]int64{}, c.refs.Conns...)
	}
	if len(c.refs.Policies) > 0 {
		refs.Policies = append([]int64{}, c.refs.Policies...)
	}
	return refs
}

// setConnRefs refreshes the introspection snapshot after the policy's
// connection set changed.
func (c *core) setConnRefs(conns []conn.Conn) {
	ids := make([]int64, len(conns))
	for i, cn := range conns {
		ids[i] = cn.ID()
	}
	c.refMu.Lock()
	c.refs.Conns = ids
	c.refMu.Unlock()
}

// CancelPick implements part of the Policy interface.
func (c *core) CancelPick(req *PickRequest, err error) {
	if c.queue.remove(req) {
		req.resetOutputs()
		c.dispatchCompletion(req, err)
	}
}

// CancelMatchingPicks implements part of the Policy interface.
func (c *core) CancelMatchingPicks(mask, match uint32, err error) {
	for _, req := range c.queue.drainMatching(mask, match) {
		req.resetOutputs()
		c.dispatchCompletion(req, err)
	}
}

// queuePick enqueues a request that has no immediate outcome, honoring
// the closed state and the no-callback rule. Policies call it as the
// final step of Pick.
func (c *core) queuePick(req *PickRequest) (PickResult, error) {
	if c.closed {
		return PickComplete, ErrPolicyClosed
	}
	if req.OnComplete == nil {
		return PickComplete, ErrNoImmediateResult
	}
	c.queue.enqueue(req)
	return PickQueued, nil
}

// flushQueue removes all queued requests in FIFO order so the policy
// can complete them against newly usable connections.
func (c *core) flushQueue() []*PickRequest {
	return c.queue.drain()
}

// failAllQueued drains the queue and fails every request with err.
func (c *core) failAllQueued(err error) {
	for _, req := range c.queue.drain() {
		req.resetOutputs()
		c.dispatchCompletion(req, err)
	}
}

// HandOffPendingPicks implements part of the Policy interface. It
// re-submits every queued request, FIFO, as a fresh pick against next.
// Completions next produces synchronously are dispatched to the
// requests' callbacks; requests next enqueues are now next's to
// finish.
func (c *core) HandOffPendingPicks(next Policy) {
	for _, req := range c.queue.drain() {
		req.resetOutputs()
		if result, err := next.Pick(req); result == PickComplete {
			c.dispatchCompletion(req, err)
		}
	}
}

// dispatchCompletion schedules req.OnComplete on a fresh goroutine.
// Completions are never invoked inline from a policy method, so a
// callback can safely call back into the policy's owner. Only requests
// that came through queuePick reach here, so OnComplete is non-nil.
func (c *core) dispatchCompletion(req *PickRequest, err error) {
	onComplete := req.OnComplete
	internal.Go(c.lifeCtx, func() {
		onComplete(err)
	})
}

// markClosed flips the policy to closed and fails everything still
// queued. It reports false when already closed. The policy releases
// its connections and records the Shutdown state afterwards, so the
// queue is failed before any resources go away.
func (c *core) markClosed() bool {
	if c.closed {
		return false
	}
	c.closed = true
	c.failAllQueued(ErrPolicyClosed)
	return true
}
