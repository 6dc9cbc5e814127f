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
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rlog"
	"github.com/bytedance/gopkg/lang/fastrand"
	jsoniter "github.com/json-iterator/go"
)

// json is shared by the policy config parsers.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PickFirstName selects the pick-first policy, the default: connect to
// the addresses in resolver order, one attempt at a time, and send
// every call to the first connection that becomes ready.
const PickFirstName = "pick_first"

func init() {
	Register(pickFirstBuilder{})
}

type pickFirstBuilder struct{}

func (pickFirstBuilder) Name() string {
	return PickFirstName
}

func (pickFirstBuilder) Build(opts BuildOptions) Policy {
	p := &pickFirst{}
	p.init(PickFirstName, opts)
	p.group = newConnGroup(opts.Domain, opts.Pool, p.onConnChange)
	if !opts.Update.IsZero() {
		if err := p.Update(opts.Update); err != nil {
			rlog.Warnf("%s: initial update: %v", PickFirstName, err)
		}
	}
	return p
}

// pickFirstConfig is the policy's service config shape.
type pickFirstConfig struct {
	// ShuffleAddressList randomizes the address order once per update,
	// spreading first-choice load across clients.
	ShuffleAddressList bool `json:"shuffleAddressList"`
}

// pickFirst walks the address list with one connect attempt in flight
// at a time and sticks with the first connection that reaches Ready.
// When a full sweep fails it parks in TransientFailure, asks for
// re-resolution, and waits for a new address list or for a connection
// to recover on its own. It stays Idle, not connecting at all, until
// the first Pick or ExitIdle.
type pickFirst struct {
	core
	group *connGroup

	// active is set once there is demand (a pick or an ExitIdle).
	active bool
	// walking marks an attempt sweep in progress; attempt indexes the
	// connection currently being tried.
	walking bool
	attempt int
	walkErr error

	selected conn.Conn
}

// Update implements part of the Policy interface.
func (p *pickFirst) Update(update Update) error {
	if p.closed {
		return ErrPolicyClosed
	}
	var cfg pickFirstConfig
	if len(update.Config) > 0 {
		if err := json.Unmarshal(update.Config, &cfg); err != nil {
			cfgErr := &ConfigError{Policy: PickFirstName, Err: err}
			p.setState(connectivity.TransientFailure, cfgErr)
			p.CancelMatchingPicks(PickFlagWaitForReady, 0, cfgErr)
			return cfgErr
		}
	}

	addrs := update.Addresses
	if cfg.ShuffleAddressList && len(addrs) > 1 {
		addrs = append([]resolver.Address{}, addrs...)
		fastrand.Shuffle(len(addrs), func(i, j int) {
			addrs[i], addrs[j] = addrs[j], addrs[i]
		})
	}
	p.group.setAddresses(addrs)
	p.setConnRefs(p.group.ordered())

	if p.group.size() == 0 {
		p.selected = nil
		p.walking = false
		p.setState(connectivity.TransientFailure, ErrNoResolverAddresses)
		p.CancelMatchingPicks(PickFlagWaitForReady, 0, ErrNoResolverAddresses)
		p.tryReresolution(ErrNoResolverAddresses)
		return ErrNoResolverAddresses
	}

	if p.selected != nil {
		if status, ok := p.group.connState(p.selected); ok && status.state == connectivity.Ready {
			// The selected address survived the update; stay put.
			return nil
		}
		p.selected = nil
	}
	if p.active {
		p.startWalk()
	}
	return nil
}

// Pick implements part of the Policy interface.
func (p *pickFirst) Pick(req *PickRequest) (PickResult, error) {
	if p.closed {
		return PickComplete, ErrPolicyClosed
	}
	if p.selected != nil {
		req.Conn = p.selected
		return PickComplete, nil
	}
	if !p.active {
		// First demand wakes the policy out of Idle.
		p.active = true
		if p.group.size() > 0 {
			p.startWalk()
		}
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
func (p *pickFirst) ExitIdle() {
	if p.closed || p.active {
		return
	}
	p.active = true
	if p.group.size() > 0 {
		p.startWalk()
	}
}

// ResetBackoff implements part of the Policy interface.
func (p *pickFirst) ResetBackoff() {
	for _, c := range p.group.ordered() {
		c.ResetBackoff()
	}
}

// Close implements part of the Policy interface.
func (p *pickFirst) Close() {
	if !p.markClosed() {
		return
	}
	p.group.clear()
	p.setConnRefs(nil)
	p.selected = nil
	p.walking = false
	p.setState(connectivity.Shutdown, ErrPolicyClosed)
}

func (p *pickFirst) startWalk() {
	p.walking = true
	p.attempt = 0
	p.walkErr = nil
	p.setState(connectivity.Connecting, nil)
	p.advanceWalk()
}

// advanceWalk examines the current attempt and moves on: a Ready
// connection gets selected, a failed one advances the walk, anything
// else gets a connect nudge and we wait for its next event. Running
// out of list is a failed sweep.
func (p *pickFirst) advanceWalk() {
	conns := p.group.ordered()
	for p.attempt < len(conns) {
		candidate := conns[p.attempt]
		status, _ := p.group.connState(candidate)
		switch status.state {
		case connectivity.Ready:
			p.chooseSelected(candidate)
			return
		case connectivity.TransientFailure, connectivity.Shutdown:
			if status.err != nil {
				p.walkErr = status.err
			}
			p.attempt++
		default:
			candidate.Connect()
			return
		}
	}
	p.sweepFailed()
}

func (p *pickFirst) sweepFailed() {
	p.walking = false
	err := p.walkErr
	if err == nil {
		err = ErrNoReadyConnections
	}
	p.setState(connectivity.TransientFailure, err)
	p.CancelMatchingPicks(PickFlagWaitForReady, 0, err)
	p.tryReresolution(err)
}

func (p *pickFirst) chooseSelected(c conn.Conn) {
	p.selected = c
	p.walking = false
	p.setState(connectivity.Ready, nil)
	for _, req := range p.flushQueue() {
		req.Conn = c
		p.dispatchCompletion(req, nil)
	}
}

func (p *pickFirst) onConnChange(_ context.Context, c conn.Conn) {
	if p.closed {
		return
	}
	status, ok := p.group.connState(c)
	if !ok {
		return
	}
	if p.selected == c {
		if status.state == connectivity.Ready {
			return
		}
		// The selected connection dropped; our view of the backends is
		// likely stale. Re-resolve and try the list again.
		p.selected = nil
		p.tryReresolution(status.err)
		p.startWalk()
		return
	}
	if p.walking {
		if conns := p.group.ordered(); p.attempt < len(conns) && conns[p.attempt] == c {
			p.advanceWalk()
		}
		return
	}
	// Parked after a failed sweep: a connection that recovers on its
	// own wins.
	if p.active && p.selected == nil && status.state == connectivity.Ready {
		p.chooseSelected(c)
	}
}
