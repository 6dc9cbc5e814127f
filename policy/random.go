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

// RandomName is the name under which the random policy is registered.
const RandomName = "random"

func init() {
	Register(randomBuilder{})
}

type randomBuilder struct{}

func (randomBuilder) Name() string {
	return RandomName
}

func (randomBuilder) Build(opts BuildOptions) Policy {
	policy := &random{}
	policy.init(RandomName, opts)
	policy.group = newConnGroup(opts.Domain, opts.Pool, policy.onConnChange)
	if !opts.Update.IsZero() {
		if err := policy.Update(opts.Update); err != nil {
			rlog.Warnf("%s: initial update: %v", RandomName, err)
		}
	}
	return policy
}

type randomConfig struct{}

// random connects to every resolved address and completes each pick
// with a uniformly random ready connection. Unlike round-robin it
// keeps no rotation state, so concurrent channels sharing a backend
// set cannot fall into lockstep.
type random struct {
	core
	group *connGroup

	ready    []conn.Conn
	readySet conns.Set
}

// Update implements part of the Policy interface.
func (p *random) Update(update Update) error {
	if p.closed {
		return ErrPolicyClosed
	}
	var cfg randomConfig
	if len(update.Config) > 0 {
		if err := json.Unmarshal(update.Config, &cfg); err != nil {
			cfgErr := &ConfigError{Policy: RandomName, Err: err}
			p.setState(connectivity.TransientFailure, cfgErr)
			p.CancelMatchingPicks(PickFlagWaitForReady, 0, cfgErr)
			return cfgErr
		}
	}

	p.group.setAddresses(update.Addresses)
	p.setConnRefs(p.group.ordered())

	if p.group.size() == 0 {
		p.ready, p.readySet = nil, nil
		p.setState(connectivity.TransientFailure, ErrNoResolverAddresses)
		p.CancelMatchingPicks(PickFlagWaitForReady, 0, ErrNoResolverAddresses)
		p.tryReresolution(ErrNoResolverAddresses)
		return ErrNoResolverAddresses
	}
	p.recompute()
	return nil
}

// Pick implements part of the Policy interface.
func (p *random) Pick(req *PickRequest) (PickResult, error) {
	if p.closed {
		return PickComplete, ErrPolicyClosed
	}
	if len(p.ready) > 0 {
		req.Conn = p.randomConn()
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
func (p *random) ExitIdle() {
	if p.closed {
		return
	}
	if state, _ := p.tracker.get(); state != connectivity.Idle {
		return
	}
	p.connectIdle()
}

// ResetBackoff implements part of the Policy interface.
func (p *random) ResetBackoff() {
	for _, c := range p.group.ordered() {
		c.ResetBackoff()
	}
}

// Close implements part of the Policy interface.
func (p *random) Close() {
	if !p.markClosed() {
		return
	}
	p.group.clear()
	p.setConnRefs(nil)
	p.ready, p.readySet = nil, nil
	p.setState(connectivity.Shutdown, ErrPolicyClosed)
}

func (p *random) onConnChange(_ context.Context, _ conn.Conn) {
	if p.closed {
		return
	}
	p.recompute()
}

func (p *random) recompute() {
	p.connectIdle()

	state, err := p.group.aggregate()
	readyNow := p.group.readyConns(nil)
	readySet := conns.SetFromSlice(readyNow)
	if !readySet.Equals(p.readySet) {
		p.ready, p.readySet = readyNow, readySet
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
			req.Conn = p.randomConn()
			p.dispatchCompletion(req, nil)
		}
	}
}

func (p *random) connectIdle() {
	for _, c := range p.group.ordered() {
		if status, ok := p.group.connState(c); ok && status.state == connectivity.Idle {
			c.Connect()
		}
	}
}

func (p *random) randomConn() conn.Conn {
	return p.ready[fastrand.Intn(len(p.ready))]
}
