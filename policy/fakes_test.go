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
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/serial"
	"github.com/stretchr/testify/require"
)

// harness wires a policy to a fake pool on a real serialization domain.
// Policy methods are driven through do so the serialization contract
// holds the same way it does under a channel.
type harness struct {
	t      *testing.T
	domain *serial.Domain
	pool   *fakePool
	pol    Policy
}

func newHarness(t *testing.T, name string, config []byte, hostPorts ...string) *harness {
	t.Helper()
	builder := Get(name)
	require.NotNil(t, builder, "no builder registered as %q", name)

	domain := serial.New("policytest")
	t.Cleanup(domain.Close)
	pool := newFakePool()
	built := &harness{t: t, domain: domain, pool: pool}
	built.do(func() {
		built.pol = builder.Build(BuildOptions{
			Domain: domain,
			Pool:   pool,
			Update: Update{Config: config, Addresses: addrs(hostPorts...)},
		})
	})
	t.Cleanup(func() {
		_ = domain.Do(context.Background(), func(context.Context) {
			built.pol.Close()
		})
	})
	return built
}

// do runs fn on the domain and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.domain.Do(context.Background(), func(context.Context) {
		fn()
	}))
}

// flush waits until every task scheduled so far has run.
func (h *harness) flush() {
	h.t.Helper()
	h.do(func() {})
}

func (h *harness) state() connectivity.State {
	h.t.Helper()
	var state connectivity.State
	h.do(func() {
		state, _ = h.pol.CheckConnectivity()
	})
	return state
}

func (h *harness) stateErr() error {
	h.t.Helper()
	var err error
	h.do(func() {
		_, err = h.pol.CheckConnectivity()
	})
	return err
}

// pick submits a pick on the domain and returns its result.
func (h *harness) pick(req *PickRequest) (PickResult, error) {
	h.t.Helper()
	var (
		result PickResult
		err    error
	)
	h.do(func() {
		result, err = h.pol.Pick(req)
	})
	return result, err
}

// pickReady submits a pick that must complete synchronously with a
// connection.
func (h *harness) pickReady(req *PickRequest) conn.Conn {
	h.t.Helper()
	result, err := h.pick(req)
	require.NoError(h.t, err)
	require.Equal(h.t, PickComplete, result)
	require.NotNil(h.t, req.Conn)
	return req.Conn
}

// pickQueued submits a pick that must queue, returning the channel its
// completion will arrive on.
func (h *harness) pickQueued(req *PickRequest) <-chan pickOutcome {
	h.t.Helper()
	done := make(chan pickOutcome, 1)
	req.OnComplete = func(err error) {
		done <- pickOutcome{err: err, conn: req.Conn}
	}
	result, err := h.pick(req)
	require.NoError(h.t, err)
	require.Equal(h.t, PickQueued, result)
	return done
}

// reportState injects a connectivity report for c, as a transport
// would, and waits for the policy to absorb it.
func (h *harness) reportState(c conn.Conn, state connectivity.State, err error) {
	h.t.Helper()
	h.pool.report(c, state, err)
	h.flush()
}

// connFor returns the live connection for hostPort, failing if there
// is not exactly one.
func (h *harness) connFor(hostPort string) *fakeConn {
	h.t.Helper()
	conns := h.pool.connsFor(hostPort)
	require.Len(h.t, conns, 1, "connections for %s", hostPort)
	return conns[0]
}

type pickOutcome struct {
	err  error
	conn conn.Conn
}

func awaitOutcome(t *testing.T, ch <-chan pickOutcome) pickOutcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(time.Second):
		require.Fail(t, "timed out awaiting pick completion")
		return pickOutcome{}
	}
}

func assertNoOutcome(t *testing.T, ch <-chan pickOutcome) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	select {
	case outcome := <-ch:
		t.Fatalf("unexpected pick completion: %+v", outcome)
	default:
	}
}

func addrs(hostPorts ...string) []resolver.Address {
	addresses := make([]resolver.Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addresses[i] = resolver.Address{HostPort: hostPort}
	}
	return addresses
}

// fakePool is an in-memory conn.Pool. Unlike the shared pool it never
// de-duplicates: every Acquire mints a fresh connection, which keeps
// per-test accounting simple.
type fakePool struct {
	mu      sync.Mutex
	nextID  int64
	live    map[*fakeConn]struct{}
	byAddr  map[string][]*fakeConn
	states  map[*fakeConn]connStatus
	watches map[*fakeConn][]*fakeWatch
}

func newFakePool() *fakePool {
	return &fakePool{
		live:    map[*fakeConn]struct{}{},
		byAddr:  map[string][]*fakeConn{},
		states:  map[*fakeConn]connStatus{},
		watches: map[*fakeConn][]*fakeWatch{},
	}
}

func (p *fakePool) Acquire(addr resolver.Address) conn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	newConn := &fakeConn{id: p.nextID, addr: addr}
	p.live[newConn] = struct{}{}
	p.byAddr[addr.HostPort] = append(p.byAddr[addr.HostPort], newConn)
	p.states[newConn] = connStatus{state: connectivity.Idle}
	return newConn
}

func (p *fakePool) Release(c conn.Conn) bool {
	fake, ok := c.(*fakeConn)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[fake]; !ok {
		return false
	}
	delete(p.live, fake)
	delete(p.states, fake)
	delete(p.watches, fake)
	conns := p.byAddr[fake.addr.HostPort]
	for i, other := range conns {
		if other == fake {
			p.byAddr[fake.addr.HostPort] = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	return true
}

func (p *fakePool) Watch(c conn.Conn, w conn.StateWatcher) io.Closer {
	fake, ok := c.(*fakeConn)
	if !ok {
		return closerFunc(func() error { return nil })
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.states[fake]
	watch := &fakeWatch{pool: p, conn: fake, watcher: w}
	p.watches[fake] = append(p.watches[fake], watch)
	// Current state is always delivered at registration.
	w.OnConnState(fake, status.state, status.err)
	return watch
}

// report injects a connectivity report, fanning it out to the watchers
// registered for c. Reports for released connections are dropped.
func (p *fakePool) report(c conn.Conn, state connectivity.State, err error) {
	fake, ok := c.(*fakeConn)
	if !ok {
		return
	}
	p.mu.Lock()
	if _, live := p.live[fake]; !live {
		p.mu.Unlock()
		return
	}
	p.states[fake] = connStatus{state: state, err: err}
	watches := append([]*fakeWatch{}, p.watches[fake]...)
	p.mu.Unlock()
	for _, watch := range watches {
		watch.watcher.OnConnState(fake, state, err)
	}
}

func (p *fakePool) connsFor(hostPort string) []*fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeConn{}, p.byAddr[hostPort]...)
}

func (p *fakePool) holds(c conn.Conn) bool {
	fake, ok := c.(*fakeConn)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, live := p.live[fake]
	return live
}

func (p *fakePool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type fakeWatch struct {
	pool    *fakePool
	conn    *fakeConn
	watcher conn.StateWatcher
	closed  bool
}

func (w *fakeWatch) Close() error {
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	watches := w.pool.watches[w.conn]
	for i, other := range watches {
		if other == w {
			w.pool.watches[w.conn] = append(watches[:i:i], watches[i+1:]...)
			break
		}
	}
	return nil
}

type fakeConn struct {
	id       int64
	addr     resolver.Address
	connects atomic.Int32
	resets   atomic.Int32

	mu    sync.Mutex
	attrs attribute.Values
}

var _ conn.Conn = (*fakeConn)(nil)

func (c *fakeConn) ID() int64 {
	return c.id
}

func (c *fakeConn) Address() resolver.Address {
	return c.addr
}

func (c *fakeConn) UpdateAttributes(attributes attribute.Values) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs = attributes
}

func (c *fakeConn) Connect() {
	c.connects.Add(1)
}

func (c *fakeConn) ResetBackoff() {
	c.resets.Add(1)
}

func (c *fakeConn) attributes() attribute.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// recordingPolicy captures the picks handed to it. Its Pick returns
// the configured result, filling in conn on completion.
type recordingPolicy struct {
	name   string
	result PickResult
	err    error
	conn   conn.Conn

	picked []*PickRequest
	closed bool
}

var _ Policy = (*recordingPolicy)(nil)

func (p *recordingPolicy) Name() string {
	if p.name == "" {
		return "recording"
	}
	return p.name
}

func (p *recordingPolicy) Update(Update) error {
	return nil
}

func (p *recordingPolicy) Pick(req *PickRequest) (PickResult, error) {
	p.picked = append(p.picked, req)
	if p.result == PickComplete && p.err == nil {
		req.Conn = p.conn
	}
	return p.result, p.err
}

func (p *recordingPolicy) CancelPick(*PickRequest, error) {}

func (p *recordingPolicy) CancelMatchingPicks(uint32, uint32, error) {}

func (p *recordingPolicy) NotifyOnStateChange(*connectivity.State, func()) {}

func (p *recordingPolicy) CheckConnectivity() (connectivity.State, error) {
	return connectivity.Idle, nil
}

func (p *recordingPolicy) HandOffPendingPicks(Policy) {}

func (p *recordingPolicy) ExitIdle() {}

func (p *recordingPolicy) ResetBackoff() {}

func (p *recordingPolicy) ChildRefs() ChildRefs {
	return ChildRefs{}
}

func (p *recordingPolicy) SetReresolutionCallback(func()) {}

func (p *recordingPolicy) Close() {
	p.closed = true
}
