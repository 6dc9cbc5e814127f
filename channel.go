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

package rpclb

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/policy"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rlog"
	"github.com/bufbuild/rpclb/serial"
)

// ErrChannelClosed is returned by operations on a channel that has
// been closed.
var ErrChannelClosed = errors.New("channel is closed")

// Channel owns the load-balancing machinery for one target: a
// serialization domain, a connection pool, the currently installed
// policy, and a background resolver task that feeds the policy address
// updates and service configs.
//
// Calls pick their connection with [Channel.Pick]. The channel applies
// resolver updates to the installed policy and, when a service config
// selects a different policy, swaps policies without dropping queued
// picks: pending picks are handed off to the new policy in order
// before the old one is closed.
//
// A channel must be closed with [Channel.Close] to release its
// connections and stop its background work.
type Channel struct {
	target  string
	domain  *serial.Domain
	pool    conn.Pool
	factory conn.Factory
	// Set when the channel built its own pool and must close it.
	ownPool *conn.SharedPool

	clock      internal.Clock
	refreshMin time.Duration

	cancelResolver context.CancelFunc
	resolverTask   io.Closer
	refreshSignal  chan struct{}

	state stateWatch

	// Written only from domain tasks; the mutex makes the pair
	// readable from any goroutine for introspection.
	polMu sync.Mutex
	// +checklocks:polMu
	pol policy.Policy
	// +checklocks:polMu
	polName string

	// The policy selection that resolver updates without a usable
	// service config fall back to. Domain-confined.
	wantName string
	wantCfg  []byte

	// In/out slot for the policy state subscription. Domain-confined.
	stateSlot connectivity.State

	refreshMu sync.Mutex
	// +checklocks:refreshMu
	lastRefresh time.Time

	closed atomic.Bool
}

// New creates a channel for the given target.
//
// The channel needs a source of connections: provide either
// [WithTransportFactory], in which case the channel owns a private
// pool, or [WithSharedPool] to share connections with other channels.
// Without [WithResolver], the target itself is used as the single
// backend address.
func New(target string, options ...ChannelOption) (*Channel, error) {
	var opts channelOptions
	for _, opt := range options {
		opt.applyToChannel(&opts)
	}
	opts.applyDefaults()
	if opts.pool == nil && opts.factory == nil {
		return nil, errors.New("channel needs a transport factory or a shared pool")
	}
	if opts.pool != nil && opts.factory != nil {
		return nil, errors.New("transport factory and shared pool are mutually exclusive")
	}
	channel := &Channel{
		target:        target,
		domain:        serial.New("channel " + target),
		pool:          opts.pool,
		factory:       opts.factory,
		clock:         opts.clock,
		refreshMin:    opts.refreshMinInterval,
		refreshSignal: make(chan struct{}, 1),
		wantName:      opts.policyName,
		wantCfg:       opts.policyConfig,
	}
	channel.state.init()
	if channel.pool == nil {
		channel.ownPool = conn.NewSharedPool(opts.factory)
		channel.pool = channel.ownPool
	}
	// The initial policy is installed before the resolver starts, so
	// picks submitted right away queue in it until addresses arrive.
	err := channel.domain.Do(context.Background(), func(context.Context) {
		channel.installPolicy(channel.wantName, policy.Update{})
	})
	if err != nil {
		channel.domain.Close()
		return nil, err
	}
	res := opts.resolver
	if res == nil {
		res = resolver.NewStatic(resolver.Update{
			Addresses: []resolver.Address{{HostPort: target}},
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	channel.cancelResolver = cancel
	channel.resolverTask = res.New(ctx, target, channelReceiver{channel}, channel.refreshSignal)
	return channel, nil
}

// Target returns the target the channel was created for.
func (c *Channel) Target() string {
	return c.target
}

// Pick selects a connection for one call, filling in req.Conn and
// possibly req.CallContext. It blocks until the installed policy
// completes the pick, ctx ends, or the channel closes. req.Flags
// controls what happens while no connection is usable: fail-fast picks
// fail once the policy reports transient failure, wait-for-ready picks
// stay queued (see [policy.PickFlagWaitForReady]).
//
// req.OnComplete must be nil; completion is managed by the channel.
// After the call finishes, deliver its trailing metadata with
// req.Trailers so policies that track in-flight calls observe the
// call's end.
func (c *Channel) Pick(ctx context.Context, req *policy.PickRequest) error {
	if req.OnComplete != nil {
		panic("rpclb: PickRequest.OnComplete is set by the channel")
	}
	if c.closed.Load() {
		return ErrChannelClosed
	}
	done := make(chan error, 1)
	req.OnComplete = func(err error) {
		done <- err
	}
	submitted := c.domain.Schedule(func(context.Context) {
		result, err := c.currentPolicy().Pick(req)
		if result == policy.PickComplete {
			done <- err
		}
	})
	if !submitted {
		return ErrChannelClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	// The request may still complete while the cancellation is in
	// flight; either way exactly one outcome lands on done.
	cancelErr := ctx.Err()
	c.domain.Schedule(func(context.Context) {
		c.currentPolicy().CancelPick(req, cancelErr)
	})
	return <-done
}

// State returns the channel's aggregate connectivity state, as last
// reported by the installed policy.
func (c *Channel) State() connectivity.State {
	state, _ := c.state.get()
	return state
}

// WaitForStateChange blocks until the channel's connectivity state is
// different from last, returning true, or until ctx ends, returning
// false.
func (c *Channel) WaitForStateChange(ctx context.Context, last connectivity.State) bool {
	return c.state.await(ctx, last)
}

// Connect nudges an idle channel into establishing connections. It
// does not block; watch the connectivity state to observe progress.
// Policies that are not idle ignore it.
func (c *Channel) Connect() {
	c.domain.Schedule(func(context.Context) {
		c.currentPolicy().ExitIdle()
	})
}

// ResetBackoff asks every connection to abandon its current reconnect
// backoff delay and reconnect immediately if it is waiting. Intended
// for callers that have out-of-band reason to believe the backends
// recovered.
func (c *Channel) ResetBackoff() {
	c.domain.Schedule(func(context.Context) {
		c.currentPolicy().ResetBackoff()
	})
}

// Prewarm blocks until the channel is ready, nudging it out of idle as
// needed. Most warming problems manifest as delays rather than
// outright failure, because the machinery underneath keeps retrying;
// bound the wait with the context.
func (c *Channel) Prewarm(ctx context.Context) error {
	for {
		state, _ := c.state.get()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return ErrChannelClosed
		case connectivity.Idle:
			c.Connect()
		case connectivity.Connecting, connectivity.TransientFailure:
		}
		if !c.state.await(ctx, state) {
			return ctx.Err()
		}
	}
}

// PolicyName returns the name of the currently installed policy.
func (c *Channel) PolicyName() string {
	c.polMu.Lock()
	defer c.polMu.Unlock()
	return c.polName
}

// ChildRefs reports the IDs of the connections, and of any child
// policies, owned by the currently installed policy.
func (c *Channel) ChildRefs() policy.ChildRefs {
	return c.currentPolicy().ChildRefs()
}

// Close releases the channel's resources: queued picks fail, the
// resolver task stops, connections are released, and, if the channel
// owns its pool, the pool is closed. Close blocks until the teardown
// is complete. Closing an already-closed channel is a no-op.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancelResolver()
	err := c.resolverTask.Close()
	_ = c.domain.Do(context.Background(), func(context.Context) {
		c.currentPolicy().Close()
		c.state.set(connectivity.Shutdown, ErrChannelClosed)
	})
	c.domain.Close()
	if c.ownPool != nil {
		err = errors.Join(err, c.ownPool.Close())
	}
	return err
}

func (c *Channel) currentPolicy() policy.Policy {
	c.polMu.Lock()
	defer c.polMu.Unlock()
	return c.pol
}

func (c *Channel) setCurrentPolicy(pol policy.Policy, name string) {
	c.polMu.Lock()
	defer c.polMu.Unlock()
	c.pol, c.polName = pol, name
}

// installPolicy builds and installs the named policy, migrating queued
// picks from the previous one. Runs on the domain.
func (c *Channel) installPolicy(name string, update policy.Update) {
	builder := policy.Get(name)
	if builder == nil {
		rlog.Warnf("channel %s: no policy registered as %q, using %s", c.target, name, policy.PickFirstName)
		name = policy.PickFirstName
		builder = policy.Get(name)
	}
	next := builder.Build(policy.BuildOptions{
		Domain:  c.domain,
		Pool:    c.pool,
		Factory: c.factory,
		Update:  update,
	})
	next.SetReresolutionCallback(c.resolveNow)
	prev := c.currentPolicy()
	c.setCurrentPolicy(next, name)
	if prev != nil {
		// Hand off before closing so the transferred picks are not
		// failed by the old policy's shutdown.
		prev.HandOffPendingPicks(next)
		prev.Close()
	}
	state, cause := next.CheckConnectivity()
	c.state.set(state, cause)
	c.armStateWatch()
}

// armStateWatch subscribes to the installed policy's next state
// change. Runs on the domain; each fire re-arms, so there is always
// exactly one live subscription on the current policy.
func (c *Channel) armStateWatch() {
	pol := c.currentPolicy()
	pol.NotifyOnStateChange(&c.stateSlot, func() {
		// Fired off the domain. Hop back on to read the authoritative
		// state; drop the event if the policy was swapped meanwhile.
		c.domain.Schedule(func(context.Context) {
			if c.currentPolicy() != pol {
				return
			}
			state, cause := pol.CheckConnectivity()
			c.state.set(state, cause)
			c.armStateWatch()
		})
	})
}

// applyResolverUpdate folds one resolver result into the channel:
// re-selects the policy if the service config asks for a different
// one, otherwise updates the installed policy in place. Runs on the
// domain.
func (c *Channel) applyResolverUpdate(update resolver.Update) {
	addrs := update.Addresses
	if addrs == nil {
		// Policies treat a nil list as "no update yet"; a resolver
		// answering with nothing is an empty list.
		addrs = []resolver.Address{}
	}
	if update.ServiceConfig != nil {
		name, config, err := pickPolicyConfig(update.ServiceConfig)
		switch {
		case err == nil:
			c.wantName, c.wantCfg = name, config
		case errors.Is(err, errNoPolicyChoice):
			// Config expresses no preference; keep the selection.
		default:
			rlog.Warnf("channel %s: ignoring unusable service config: %v", c.target, err)
		}
	}
	polUpdate := policy.Update{Config: c.wantCfg, Addresses: addrs}
	if pol, name := c.currentPolicyName(); name == c.wantName {
		if err := pol.Update(polUpdate); err != nil {
			rlog.Warnf("channel %s: %s: %v", c.target, name, err)
		}
		return
	}
	c.installPolicy(c.wantName, polUpdate)
}

func (c *Channel) currentPolicyName() (policy.Policy, string) {
	c.polMu.Lock()
	defer c.polMu.Unlock()
	return c.pol, c.polName
}

// resolveNow is the policies' re-resolution callback. It runs off the
// domain and applies the configured rate limit before signaling the
// resolver task.
func (c *Channel) resolveNow() {
	c.refreshMu.Lock()
	now := c.clock.Now()
	if !c.lastRefresh.IsZero() && now.Sub(c.lastRefresh) < c.refreshMin {
		c.refreshMu.Unlock()
		return
	}
	c.lastRefresh = now
	c.refreshMu.Unlock()
	select {
	case c.refreshSignal <- struct{}{}:
	default:
	}
}

// channelReceiver adapts a channel to the resolver.Receiver interface,
// hopping resolver callbacks onto the channel's domain.
type channelReceiver struct {
	c *Channel
}

func (r channelReceiver) OnUpdate(update resolver.Update) {
	c := r.c
	if !c.domain.Schedule(func(context.Context) { c.applyResolverUpdate(update) }) {
		rlog.Debugf("channel %s: dropped resolver update after close", c.target)
	}
}

func (r channelReceiver) OnResolveError(err error) {
	// Resolution keeps retrying in the background, so an error is not
	// terminal: picks keep waiting on the last known addresses.
	rlog.Warnf("channel %s: resolver: %v", r.c.target, err)
}

// stateWatch makes the policy's aggregate state readable and awaitable
// from any goroutine.
type stateWatch struct {
	mu sync.Mutex
	// +checklocks:mu
	current connectivity.State
	// +checklocks:mu
	cause error
	// +checklocks:mu
	changed chan struct{}
}

func (w *stateWatch) init() {
	w.changed = make(chan struct{})
}

func (w *stateWatch) set(state connectivity.State, cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == state {
		return
	}
	w.current, w.cause = state, cause
	close(w.changed)
	w.changed = make(chan struct{})
}

func (w *stateWatch) get() (connectivity.State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.cause
}

func (w *stateWatch) await(ctx context.Context, last connectivity.State) bool {
	for {
		w.mu.Lock()
		current, changed := w.current, w.changed
		w.mu.Unlock()
		if current != last {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
