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

package conn

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rlog"
	"golang.org/x/sync/errgroup"
)

// SharedPool is the default [Pool] implementation: a reference-counted
// pool of connections keyed by host:port over a [Factory]. It is safe
// for concurrent use.
type SharedPool struct {
	factory Factory
	nextID  atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	entries map[string]*poolEntry
	// +checklocks:mu
	closed bool
}

// NewSharedPool creates a pool that mints transports with the given
// factory.
func NewSharedPool(factory Factory) *SharedPool {
	return &SharedPool{
		factory: factory,
		entries: map[string]*poolEntry{},
	}
}

// Acquire implements the Pool interface. It must not be called after
// Close and panics if it is.
func (p *SharedPool) Acquire(addr resolver.Address) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		panic("conn: Acquire on closed pool")
	}
	entry := p.entries[addr.HostPort]
	if entry == nil {
		entry = &poolEntry{
			pool:     p,
			id:       p.nextID.Add(1),
			watchers: map[*poolWatch]struct{}{},
		}
		entry.addr.Store(&addr)
		entry.transport = p.factory.New(addr, entry.report)
		p.entries[addr.HostPort] = entry
	}
	entry.refs++
	return entry
}

// Release implements the Pool interface.
func (p *SharedPool) Release(c Conn) bool {
	entry, ok := c.(*poolEntry)
	if !ok || entry.pool != p {
		return false
	}
	p.mu.Lock()
	if entry.refs <= 0 {
		p.mu.Unlock()
		return false
	}
	entry.refs--
	last := entry.refs == 0
	if last {
		delete(p.entries, entry.Address().HostPort)
	}
	p.mu.Unlock()
	if last {
		entry.shutdown()
	}
	return last
}

// Watch implements the Pool interface. The watcher is invoked while the
// connection's internal lock is held, which is what keeps events
// ordered; watchers must be non-blocking and must not call back into
// the pool.
func (p *SharedPool) Watch(c Conn, w StateWatcher) io.Closer {
	entry, ok := c.(*poolEntry)
	if !ok || entry.pool != p {
		return closerFunc(func() error { return nil })
	}
	watch := &poolWatch{entry: entry, watcher: w}
	entry.wmu.Lock()
	defer entry.wmu.Unlock()
	entry.watchers[watch] = struct{}{}
	w.OnConnState(entry, entry.state, entry.err)
	return watch
}

// Close force-closes every connection still in the pool, regardless of
// reference count, and marks the pool unusable. It returns the first
// transport close error, if any.
func (p *SharedPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	remaining := make([]*poolEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		remaining = append(remaining, entry)
	}
	p.entries = nil
	p.mu.Unlock()

	grp := errgroup.Group{}
	var closeErr atomic.Pointer[error]
	for _, entry := range remaining {
		grp.Go(func() error {
			if err := entry.closeTransport(); err != nil {
				// Keep one error rather than aborting the other close
				// tasks.
				closeErr.CompareAndSwap(nil, &err)
			}
			return nil
		})
	}
	_ = grp.Wait()
	if errPtr := closeErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// Len returns the number of distinct connections currently pooled.
func (p *SharedPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

type poolEntry struct {
	pool      *SharedPool
	id        int64
	addr      atomic.Pointer[resolver.Address]
	transport Transport

	// +checklocks:pool.mu
	refs int

	wmu sync.Mutex
	// +checklocks:wmu
	state connectivity.State
	// +checklocks:wmu
	err error
	// +checklocks:wmu
	watchers map[*poolWatch]struct{}
}

var _ Conn = (*poolEntry)(nil)

func (e *poolEntry) ID() int64 {
	return e.id
}

func (e *poolEntry) Address() resolver.Address {
	return *e.addr.Load()
}

func (e *poolEntry) UpdateAttributes(attributes attribute.Values) {
	addr := e.Address()
	addr.Attributes = attributes
	e.addr.Store(&addr)
}

func (e *poolEntry) Connect() {
	e.transport.Connect()
}

func (e *poolEntry) ResetBackoff() {
	e.transport.ResetBackoff()
}

// report receives transitions from the transport and fans them out in
// order. Once the entry reaches Shutdown, further reports are ignored.
func (e *poolEntry) report(state connectivity.State, err error) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.state == connectivity.Shutdown {
		return
	}
	if state == e.state && err == e.err {
		return
	}
	e.state, e.err = state, err
	for watch := range e.watchers {
		watch.watcher.OnConnState(e, state, err)
	}
}

func (e *poolEntry) shutdown() {
	if err := e.closeTransport(); err != nil {
		rlog.Warnf("closing transport for %s: %v", e.Address().HostPort, err)
	}
}

func (e *poolEntry) closeTransport() error {
	err := e.transport.Close()
	e.report(connectivity.Shutdown, nil)
	e.wmu.Lock()
	e.watchers = map[*poolWatch]struct{}{}
	e.wmu.Unlock()
	return err
}

type poolWatch struct {
	entry   *poolEntry
	watcher StateWatcher
}

func (w *poolWatch) Close() error {
	w.entry.wmu.Lock()
	defer w.entry.wmu.Unlock()
	delete(w.entry.watchers, w)
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
