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

// Package policytesting contains helpers for testing channels and
// load-balancing policies: a transport factory whose transports the
// test drives through arbitrary connectivity states, and a resolver
// that reports exactly the updates the test scripts.
package policytesting

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
)

// Addresses builds a plain address list from host:port strings.
func Addresses(hostPorts ...string) []resolver.Address {
	addrs := make([]resolver.Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addrs[i] = resolver.Address{HostPort: hostPort}
	}
	return addrs
}

// FakeTransport is a transport that never touches the network. Its
// connectivity state changes only when the test calls SetState.
type FakeTransport struct {
	hostPort string
	report   func(connectivity.State, error)

	mu sync.Mutex
	// +checklocks:mu
	state connectivity.State
	// +checklocks:mu
	cause error
	// +checklocks:mu
	connects int
	// +checklocks:mu
	resets int
	// +checklocks:mu
	closed bool
}

// SetState reports the given state for the transport's connection, as
// if the underlying socket connected, failed, or was torn down.
func (t *FakeTransport) SetState(state connectivity.State, cause error) {
	t.mu.Lock()
	t.state, t.cause = state, cause
	report := t.report
	t.mu.Unlock()
	report(state, cause)
}

// HostPort returns the address the transport was created for.
func (t *FakeTransport) HostPort() string {
	return t.hostPort
}

// State returns the state most recently set with SetState.
func (t *FakeTransport) State() (connectivity.State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.cause
}

// Connects returns how many times Connect was called.
func (t *FakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Resets returns how many times ResetBackoff was called.
func (t *FakeTransport) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// Closed reports whether the pool has closed the transport.
func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connect implements the conn.Transport interface. It only counts the
// call; the test decides if and when the transport becomes ready.
func (t *FakeTransport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
}

// ResetBackoff implements the conn.Transport interface.
func (t *FakeTransport) ResetBackoff() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets++
}

// Close implements the conn.Transport interface.
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// FakeFactory is a conn.Factory that mints FakeTransports. Tests
// retrieve the transport for an address and drive its state.
type FakeFactory struct {
	changed chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	transports map[string][]*FakeTransport
}

// NewFakeFactory creates a factory with no transports.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		changed:    make(chan struct{}, 1),
		transports: map[string][]*FakeTransport{},
	}
}

// New implements the conn.Factory interface.
func (f *FakeFactory) New(addr resolver.Address, report func(connectivity.State, error)) conn.Transport {
	transport := &FakeTransport{hostPort: addr.HostPort, report: report}
	f.mu.Lock()
	f.transports[addr.HostPort] = append(f.transports[addr.HostPort], transport)
	f.mu.Unlock()
	select {
	case f.changed <- struct{}{}:
	default:
	}
	return transport
}

// Transport returns the most recently created transport for the given
// address, or nil if none was created.
func (f *FakeFactory) Transport(hostPort string) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	transports := f.transports[hostPort]
	if len(transports) == 0 {
		return nil
	}
	return transports[len(transports)-1]
}

// Transports returns every transport created so far, grouped by
// address.
func (f *FakeFactory) Transports() map[string][]*FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make(map[string][]*FakeTransport, len(f.transports))
	for hostPort, transports := range f.transports {
		snapshot[hostPort] = append([]*FakeTransport(nil), transports...)
	}
	return snapshot
}

// AwaitTransport waits until a transport exists for the given address
// and returns the most recent one.
func (f *FakeFactory) AwaitTransport(ctx context.Context, hostPort string) (*FakeTransport, error) {
	for {
		if transport := f.Transport(hostPort); transport != nil {
			return transport, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting transport for %s: %w", hostPort, ctx.Err())
		case <-f.changed:
		}
	}
}

// FakeResolver is a resolver whose results the test scripts. Each New
// call produces a task; the test retrieves it by target and pushes
// updates and errors through it.
type FakeResolver struct {
	changed chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	tasks map[string][]*FakeResolverTask
}

// NewFakeResolver creates a resolver with no tasks.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		changed: make(chan struct{}, 1),
		tasks:   map[string][]*FakeResolverTask{},
	}
}

// New implements the resolver.Resolver interface.
func (r *FakeResolver) New(
	_ context.Context,
	target string,
	receiver resolver.Receiver,
	refresh <-chan struct{},
) io.Closer {
	task := &FakeResolverTask{
		receiver:   receiver,
		refresh:    refresh,
		closeAwait: make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[target] = append(r.tasks[target], task)
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
	return task
}

// Task returns the most recently created task for the given target, or
// nil if the target was never resolved.
func (r *FakeResolver) Task(target string) *FakeResolverTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.tasks[target]
	if len(tasks) == 0 {
		return nil
	}
	return tasks[len(tasks)-1]
}

// AwaitTask waits until a resolver task exists for the given target.
func (r *FakeResolver) AwaitTask(ctx context.Context, target string) (*FakeResolverTask, error) {
	for {
		if task := r.Task(target); task != nil {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting resolver task for %s: %w", target, ctx.Err())
		case <-r.changed:
		}
	}
}

// FakeResolverTask is one scripted resolution stream.
type FakeResolverTask struct {
	refresh    <-chan struct{}
	closeAwait chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	receiver resolver.Receiver
	// +checklocks:mu
	closed bool
}

// Send reports a resolution result. It returns false if the task was
// already closed, in which case nothing is delivered.
func (t *FakeResolverTask) Send(update resolver.Update) bool {
	t.mu.Lock()
	receiver, closed := t.receiver, t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	receiver.OnUpdate(update)
	return true
}

// SendError reports a resolution failure. It returns false if the task
// was already closed.
func (t *FakeResolverTask) SendError(err error) bool {
	t.mu.Lock()
	receiver, closed := t.receiver, t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	receiver.OnResolveError(err)
	return true
}

// AwaitRefresh waits for the client to signal that it wants new
// resolution results, consuming one signal.
func (t *FakeResolverTask) AwaitRefresh(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("awaiting refresh signal: %w", ctx.Err())
	case <-t.refresh:
		return nil
	case <-t.closeAwait:
		return errTaskClosed
	}
}

// Closed reports whether the client closed the task.
func (t *FakeResolverTask) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close implements io.Closer; the client calls it when the channel
// shuts down.
func (t *FakeResolverTask) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeAwait)
	return nil
}

var errTaskClosed = fmt.Errorf("resolver task closed")
