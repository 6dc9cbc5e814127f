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

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal/conns"
	"github.com/bufbuild/rpclb/rlog"
	"github.com/bytedance/gopkg/lang/fastrand"
)

// RoundRobinName is the name under which the round-robin policy is
// registered.
const RoundRobinName = "round_robin"

func init() {
	Register(roundRobinBuilder{})
}

type roundRobinBuilder struct{}

func (roundRobinBuilder) Name() string {
	return RoundRobinName
}

func (roundRobinBuilder) Build(opts BuildOptions) Policy {
	policy := &roundRobin{}
	policy.init(RoundRobinName, opts)
	policy.group = newConnGroup(opts.Domain, opts.Pool, policy.onConnChange)
	if !opts.Update.IsZero() {
		if err := policy.Update(opts.Update); err != nil {
			rlog.Warnf("%s: initial update: %v", RoundRobinName, err)
		}
	}
	return policy
}

type roundRobinConfig struct{}

// roundRobin connects to every resolved address and spreads completed
// picks across the connections that are currently ready. The rotation
// order is re-randomized whenever the ready set changes so that a
// freshly updated client fleet does not stampede the same backend.
type roundRobin struct {
	core
	group *connGroup

	ready    []conn.Conn
	readySet conns.Set
	next     int
}

// Update implements part of the Policy interface.
func (p *roundRobin) Update(update Update) error {
	if p.closed {
		return ErrPolicyClosed
	}
	var cfg roundRobinConfig
	if len(update.Config) > 0 {
		if err := json.Unmarshal(update.Config, &cfg); err != nil {
			cfgErr := &ConfigError{Policy: RoundRobinName, Err: err}
			p.setState(connectivity.TransientFailure, cfgErr)
			p.CancelMatchingPicks(PickFlagWaitForReady, 0, cfgErr)
			return cfgErr
		}
	}

	p.group.setAddresses(update.Addresses)
	p.setConnRefs(p.group.ordered())

	if p.group.size() == 0 {
		p.ready, p.readySet, p.next = nil, nil, 0
		p.setState(connectivity.TransientFailure, ErrNoResolverAddresses)
		p.CancelMatchingPicks(PickFlagWaitForReady, 0, ErrNoResolverAddresses)
		p.tryReresolution(ErrNoResolverAddresses)
		return ErrNoResolverAddresses
	}
	p.recompute()
	return nil
}

// Pick implements part of the Policy interface.
func (p *roundRobin) Pick(req *PickRequest) (PickResult, error) {
	if p.closed {
		return PickComplete, ErrPolicyClosed
	}
	if len(p.ready) > 0 {
		req.Conn = p.nextConn()
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
func (p *roundRobin) ExitIdle() {
	if p.closed {
		return
	}
	if state, _ := p.tracker.get(); state != connectivity.Idle {
		return
	}
	p.connectIdle()
}

// ResetBackoff implements part of the Policy interface.
func (p *roundRobin) ResetBackoff() {
	for _, c := range p.group.ordered() {
		c.ResetBackoff()
	}
}

// Close implements part of the Policy interface.
func (p *roundRobin) Close() {
	if !p.markClosed() {
		return
	}
	p.group.clear()
	p.setConnRefs(nil)
	p.ready, p.readySet, p.next = nil, nil, 0
	p.setState(connectivity.Shutdown, ErrPolicyClosed)
}

func (p *roundRobin) onConnChange(_ context.Context, _ conn.Conn) {
	if p.closed {
		return
	}
	p.recompute()
}

// recompute re-derives the aggregate state and the rotation after any
// membership or connectivity change.
func (p *roundRobin) recompute() {
	p.connectIdle()

	state, err := p.group.aggregate()
	readyNow := p.group.readyConns(nil)
	readySet := conns.SetFromSlice(readyNow)
	if !readySet.Equals(p.readySet) {
		fastrand.Shuffle(len(readyNow), func(i, j int) {
			readyNow[i], readyNow[j] = readyNow[j], readyNow[i]
		})
		p.ready, p.readySet, p.next = readyNow, readySet, 0
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

	if len(p.ready) > 0 {
		for _, req := range p.flushQueue() {
			req.Conn = p.nextConn()
			p.dispatchCompletion(req, nil)
		}
	}
}

func (p *roundRobin) connectIdle() {
	for _, c := range p.group.ordered() {
		if status, ok := p.group.connState(c); ok && status.state == connectivity.Idle {
			c.Connect()
		}
	}
}

func (p *roundRobin) nextConn() conn.Conn {
	c := p.ready[p.next%len(p.ready)]
	p.next++
	return c
}
