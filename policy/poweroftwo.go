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

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal/conns"
	"github.com/bufbuild/rpclb/rlog"
	"github.com/bytedance/gopkg/lang/fastrand"
)

// PowerOfTwoName is the name under which the power-of-two policy is
// registered.
const PowerOfTwoName = "power_of_two"

func init() {
	Register(powerOfTwoBuilder{})
}

type powerOfTwoBuilder struct{}

func (powerOfTwoBuilder) Name() string {
	return PowerOfTwoName
}

func (powerOfTwoBuilder) Build(opts BuildOptions) Policy {
	policy := &powerOfTwo{}
	policy.init(PowerOfTwoName, opts)
	policy.group = newConnGroup(opts.Domain, opts.Pool, policy.onConnChange)
	if !opts.Update.IsZero() {
		if err := policy.Update(opts.Update); err != nil {
			rlog.Warnf("%s: initial update: %v", PowerOfTwoName, err)
		}
	}
	return policy
}

type powerOfTwoConfig struct{}

// powerOfTwo connects to every resolved address and completes each
// pick by sampling two ready connections at random and choosing the
// one with fewer in-flight calls. The two random choices get most of
// the benefit of least-loaded selection without maintaining a heap.
// Accounting matches least-loaded: a call counts against its
// connection from pick completion until trailers are delivered.
type powerOfTwo struct {
	core
	group *connGroup

	readySet conns.Set

	// loadMu guards the sample slice and counts because trailer hooks
	// release load from whatever goroutine finishes the call, outside
	// the policy's serialization domain.
	loadMu sync.Mutex
	// +checklocks:loadMu
	ready []*p2cEntry
}

// p2cEntry tracks one connection's in-flight count. Entries survive
// rebuilds of the ready slice so counts carry over, and a trailer hook
// holding an evicted entry decrements it without effect.
type p2cEntry struct {
	conn conn.Conn
	load uint64
}

// Update implements part of the Policy interface.
func (p *powerOfTwo) Update(update Update) error {
	if p.closed {
		return ErrPolicyClosed
	}
	var cfg powerOfTwoConfig
	if len(update.Config) > 0 {
		if err := json.Unmarshal(update.Config, &cfg); err != nil {
			cfgErr := &ConfigError{Policy: PowerOfTwoName, Err: err}
			p.setState(connectivity.TransientFailure, cfgErr)
			p.CancelMatchingPicks(PickFlagWaitForReady, 0, cfgErr)
			return cfgErr
		}
	}

	p.group.setAddresses(update.Addresses)
	p.setConnRefs(p.group.ordered())

	if p.group.size() == 0 {
		p.replaceReady(nil, nil)
		p.setState(connectivity.TransientFailure, ErrNoResolverAddresses)
		p.CancelMatchingPicks(PickFlagWaitForReady, 0, ErrNoResolverAddresses)
		p.tryReresolution(ErrNoResolverAddresses)
		return ErrNoResolverAddresses
	}
	p.recompute()
	return nil
}

// Pick implements part of the Policy interface.
func (p *powerOfTwo) Pick(req *PickRequest) (PickResult, error) {
	if p.closed {
		return PickComplete, ErrPolicyClosed
	}
	if p.completePowerOfTwo(req) {
		return PickComplete, nil
	}
	if state, err := p.tracker.get(); state == connectivity.TransientFailure && req.Flags&PickFlagWaitForReady == 0 {
		if err == nil {
			err = ErrNoReadyConnections
		}
		return PickComplete, err
	}
	return p.queuePick(req)
}

// ExitIdle implements part of the Policy interface.
func (p *powerOfTwo) ExitIdle() {
	if p.closed {
		return
	}
	if state, _ := p.tracker.get(); state != connectivity.Idle {
		return
	}
	p.connectIdle()
}

// ResetBackoff implements part of the Policy interface.
func (p *powerOfTwo) ResetBackoff() {
	for _, c := range p.group.ordered() {
		c.ResetBackoff()
	}
}

// Close implements part of the Policy interface.
func (p *powerOfTwo) Close() {
	if !p.markClosed() {
		return
	}
	p.group.clear()
	p.setConnRefs(nil)
	p.replaceReady(nil, nil)
	p.setState(connectivity.Shutdown, ErrPolicyClosed)
}

func (p *powerOfTwo) onConnChange(_ context.Context, _ conn.Conn) {
	if p.closed {
		return
	}
	p.recompute()
}

func (p *powerOfTwo) recompute() {
	p.connectIdle()

	state, err := p.group.aggregate()
	readyNow := p.group.readyConns(nil)
	readySet := conns.SetFromSlice(readyNow)
	if !readySet.Equals(p.readySet) {
		p.replaceReady(readyNow, readySet)
	}

	prev, _ := p.tracker.get()
	p.setState(state, err)
	if state == connectivity.TransientFailure && prev != connectivity.TransientFailure {
		if err == nil {
			err = ErrNoReadyConnections
		}
		p.CancelMatchingPicks(PickFlagWaitForReady, 0, err)
		p.tryReresolution(err)
	}

	if len(readyNow) > 0 {
		for _, req := range p.flushQueue() {
			p.completePowerOfTwo(req)
			p.dispatchCompletion(req, nil)
		}
	}
}

func (p *powerOfTwo) connectIdle() {
	for _, c := range p.group.ordered() {
		if status, ok := p.group.connState(c); ok && status.state == connectivity.Idle {
			c.Connect()
		}
	}
}

// replaceReady rebuilds the sample slice, reusing entries for
// connections that stay ready so their counts persist.
func (p *powerOfTwo) replaceReady(ready []conn.Conn, readySet conns.Set) {
	p.readySet = readySet
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	prev := make(map[conn.Conn]*p2cEntry, len(p.ready))
	for _, entry := range p.ready {
		prev[entry.conn] = entry
	}
	next := make([]*p2cEntry, len(ready))
	for i, c := range ready {
		if entry, ok := prev[c]; ok {
			next[i] = entry
		} else {
			next[i] = &p2cEntry{conn: c}
		}
	}
	p.ready = next
}

// completePowerOfTwo fills req's outputs from the less loaded of two
// random ready connections. It reports false when none is ready.
func (p *powerOfTwo) completePowerOfTwo(req *PickRequest) bool {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if len(p.ready) == 0 {
		return false
	}
	first := p.ready[fastrand.Intn(len(p.ready))]
	second := p.ready[fastrand.Intn(len(p.ready))]
	entry := second
	if first.load < second.load {
		entry = first
	}
	entry.load++
	req.Conn = entry.conn
	req.CallContext = attribute.NewValues(InFlightLoad.Value(int64(entry.load)))
	req.ObserveTrailers(func(Metadata) {
		p.loadMu.Lock()
		defer p.loadMu.Unlock()
		entry.load--
	})
	return true
}
