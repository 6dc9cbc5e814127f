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
	"time"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/policy"
	"github.com/bufbuild/rpclb/resolver"
)

// ChannelOption is an option for configuring the behavior of a channel
// returned by [New].
type ChannelOption interface {
	applyToChannel(*channelOptions)
}

// ManagerOption is an option for configuring the behavior of a
// [Manager] returned by [NewManager].
type ManagerOption interface {
	applyToManager(*managerOptions)
}

// WithTransportFactory configures the channel to mint its connections
// with the given factory. The channel creates a private connection
// pool over the factory and closes it when the channel is closed.
//
// Exactly one of WithTransportFactory or WithSharedPool must be used.
func WithTransportFactory(factory conn.Factory) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.factory = factory
	})
}

// WithSharedPool configures the channel to acquire connections from an
// existing pool, typically one shared between several channels so that
// connections to common backends are reused. The caller retains
// ownership of the pool and must close it after every channel using it
// is closed.
//
// Exactly one of WithTransportFactory or WithSharedPool must be used.
func WithSharedPool(pool conn.Pool) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.pool = pool
	})
}

// WithResolver configures the channel to use the given resolver to
// discover backend addresses for its target. If not used, the target
// itself is treated as the single backend address, as if resolved by
// [resolver.NewStatic].
func WithResolver(res resolver.Resolver) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.resolver = res
	})
}

// WithDefaultPolicy sets the load-balancing policy used while the
// service config names none: before the first resolver result, and for
// updates whose config has no usable loadBalancingConfig entry. The
// name must match a registered [policy.Builder]; config is the
// policy's raw JSON configuration and may be nil for defaults.
//
// If not used, the channel defaults to [policy.PickFirstName] with a
// nil config.
func WithDefaultPolicy(name string, config []byte) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.policyName = name
		opts.policyConfig = config
	})
}

// WithRefreshMinInterval sets the minimum interval between the
// re-resolution refreshes that a policy can trigger, for example when
// all of its connections have failed. Refresh requests arriving faster
// than this are dropped, bounding the load a flapping backend set can
// put on the resolver.
//
// If zero or not used, a default of 30 seconds is used.
func WithRefreshMinInterval(interval time.Duration) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.refreshMinInterval = interval
	})
}

// WithIdleTimeout sets how long a channel created by the manager can
// go unused before the manager closes it and releases its resources.
// Keep-warm targets are exempt.
//
// If zero or not used, a default of 15 minutes is used.
func WithIdleTimeout(timeout time.Duration) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.idleTimeout = timeout
	})
}

// WithKeepWarmTargets marks targets whose channels are never closed
// for being idle. [Manager.Prewarm] creates the channels for these
// targets and waits until each is ready, so there is always a warm
// channel available for them.
func WithKeepWarmTargets(targets ...string) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.warmTargets = append(opts.warmTargets, targets...)
	})
}

// WithChannelOptions sets the options the manager passes to [New] for
// every channel it creates.
func WithChannelOptions(options ...ChannelOption) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.channelOptions = append(opts.channelOptions, options...)
	})
}

type channelOptionFunc func(*channelOptions)

func (f channelOptionFunc) applyToChannel(opts *channelOptions) {
	f(opts)
}

type managerOptionFunc func(*managerOptions)

func (f managerOptionFunc) applyToManager(opts *managerOptions) {
	f(opts)
}

type channelOptions struct {
	factory            conn.Factory
	pool               conn.Pool
	resolver           resolver.Resolver
	policyName         string
	policyConfig       []byte
	refreshMinInterval time.Duration
	clock              internal.Clock
}

func (opts *channelOptions) applyDefaults() {
	if opts.policyName == "" {
		opts.policyName = policy.PickFirstName
	}
	if opts.refreshMinInterval == 0 {
		opts.refreshMinInterval = 30 * time.Second
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

type managerOptions struct {
	channelOptions []ChannelOption
	idleTimeout    time.Duration
	warmTargets    []string
	clock          internal.Clock
}

func (opts *managerOptions) applyDefaults() {
	if opts.idleTimeout == 0 {
		opts.idleTimeout = 15 * time.Minute
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
