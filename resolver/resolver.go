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

package resolver

import (
	"context"
	"io"
	"time"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/internal"
)

// Address contains a resolved address to a host, and any attributes
// that may be associated with a host/address.
type Address struct {
	// HostPort stores the host:port pair of the resolved address.
	HostPort string

	// Attributes is a collection of arbitrary key/value pairs.
	Attributes attribute.Values
}

// Update is one complete resolution result: the full set of resolved
// addresses (never a delta) and, optionally, the channel configuration
// the resolution source supplies alongside them. A nil ServiceConfig
// means the resolver provides none and the channel should use its
// configured default.
type Update struct {
	Addresses     []Address
	ServiceConfig []byte
}

// Receiver is a client of a resolver and receives resolution results.
type Receiver interface {
	// OnUpdate is called when the target is resolved. It may be called
	// repeatedly as the set of addresses changes over time. Each call
	// always supplies the entire result.
	OnUpdate(Update)
	// OnResolveError is called when resolution encounters an error.
	// This can happen at any time, including after addresses were
	// initially resolved, and does not invalidate previous results.
	OnResolveError(error)
}

// Resolver is an interface for continuous name resolution.
type Resolver interface {
	// New creates a continuous resolver task for the given target. When
	// the target is resolved into backend addresses, they are provided
	// to the given receiver.
	//
	// The refresh channel receives signals from the client hinting that
	// it may need new results, for example because the policy ran out
	// of usable connections. Implementations may treat the signal as a
	// no-op. The refresh channel is not closed until after the returned
	// closer's Close returns.
	//
	// Close on the return value must stop all background work before
	// returning; after it returns there are no further calls to the
	// receiver.
	New(
		ctx context.Context,
		target string,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Prober is an interface for types that provide single-shot name
// resolution, for use with [NewPolling]. The second return value is the
// TTL of the result, or 0 if the prober has no TTL information.
type Prober interface {
	ResolveOnce(ctx context.Context, target string) (Update, time.Duration, error)
}

// NewPolling creates a resolver that re-runs a single-shot prober
// whenever the previous result's TTL expires. If the prober does not
// return a TTL, defaultTTL is used. Refresh signals short-circuit the
// wait.
func NewPolling(prober Prober, defaultTTL time.Duration) Resolver {
	return &pollingResolver{
		prober:     prober,
		defaultTTL: defaultTTL,
		clock:      internal.NewRealClock(),
	}
}

type pollingResolver struct {
	prober     Prober
	defaultTTL time.Duration
	clock      internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	target string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		refreshCh:  refresh,
		resolver:   pr,
	}
	go task.run(ctx, target, receiver)
	return task
}

type pollingTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	refreshCh  <-chan struct{}
	resolver   *pollingResolver
}

func (task *pollingTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingTask) run(ctx context.Context, target string, receiver Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	timer := task.resolver.clock.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.Chan()
	}

	for {
		update, ttl, err := task.resolver.prober.ResolveOnce(ctx, target)
		if err != nil {
			receiver.OnResolveError(err)
		} else {
			receiver.OnUpdate(update)
		}
		// TODO: exponential backoff when ResolveOnce keeps failing

		if ttl == 0 {
			ttl = task.resolver.defaultTTL
		}
		timer.Reset(ttl)

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.Chan()
			}
			return
		case <-task.refreshCh:
			// We still want to drain the timer in this case:
			// > Reset should be invoked only on stopped or expired timers
			// > with drained channels.
			// https://pkg.go.dev/time#Timer.Reset
			if !timer.Stop() {
				<-timer.Chan()
			}
			// Continue.
		case <-timer.Chan():
			// Continue.
		}
	}
}
