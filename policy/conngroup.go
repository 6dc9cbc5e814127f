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

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/serial"
)

// connStatus is a connection's last reported state.
type connStatus struct {
	state connectivity.State
	err   error
}

// connGroup owns a policy's connections: it reconciles the desired
// address list against the pool, watches every connection it holds,
// and funnels state changes back onto the serialization domain. Only
// the domain touches its fields, so it needs no locking.
type connGroup struct {
	domain *serial.Domain
	pool   conn.Pool

	// onChange is invoked on the domain after a connection's recorded
	// state changed, with the group's maps already updated.
	onChange func(ctx context.Context, c conn.Conn)

	byAddr  map[string][]conn.Conn
	order   []conn.Conn
	states  map[conn.Conn]connStatus
	watches map[conn.Conn]io.Closer

	// updateHook is a test seam invoked after each reconciliation with
	// the connections that were created and removed.
	updateHook func(created, removed []conn.Conn)
}

func newConnGroup(domain *serial.Domain, pool conn.Pool, onChange func(context.Context, conn.Conn)) *connGroup {
	return &connGroup{
		domain:   domain,
		pool:     pool,
		onChange: onChange,
		byAddr:   map[string][]conn.Conn{},
		states:   map[conn.Conn]connStatus{},
		watches:  map[conn.Conn]io.Closer{},
	}
}

// setAddresses reconciles the group against a new address list:
// connections whose address is still wanted are kept (with refreshed
// attributes), missing addresses are acquired, and no-longer-wanted
// connections are released. The same address may appear more than
// once, yielding that many connections.
func (g *connGroup) setAddresses(addrs []resolver.Address) {
	desired := make(map[string][]resolver.Address, len(addrs))
	for _, addr := range addrs {
		desired[addr.HostPort] = append(desired[addr.HostPort], addr)
	}

	remaining := make(map[string][]conn.Conn, len(g.byAddr))
	var toCreate []resolver.Address
	var toRemove []conn.Conn
	for hostPort, got := range g.byAddr {
		want := desired[hostPort]
		if len(want) > len(got) {
			// Sync attributes of existing connections with the new
			// values from the resolver, and schedule the rest to be
			// created.
			for i := range got {
				got[i].UpdateAttributes(want[i].Attributes)
			}
			remaining[hostPort] = got
			toCreate = append(toCreate, want[len(got):]...)
		} else {
			for i := range want {
				got[i].UpdateAttributes(want[i].Attributes)
			}
			if len(want) > 0 {
				remaining[hostPort] = got[:len(want):len(want)]
			}
			toRemove = append(toRemove, got[len(want):]...)
		}
	}
	for hostPort, want := range desired {
		if _, ok := g.byAddr[hostPort]; ok {
			// Already handled in the loop above.
			continue
		}
		toCreate = append(toCreate, want...)
	}

	created := make([]conn.Conn, 0, len(toCreate))
	for _, addr := range toCreate {
		newConn := g.acquire(addr)
		remaining[addr.HostPort] = append(remaining[addr.HostPort], newConn)
		created = append(created, newConn)
	}
	for _, old := range toRemove {
		g.release(old)
	}
	g.byAddr = remaining
	g.rebuildOrder(addrs)
	if g.updateHook != nil {
		g.updateHook(created, toRemove)
	}
}

// rebuildOrder arranges the group's connections in resolver order, so
// policies that care about address order (like pick-first) see the
// list the resolver produced.
func (g *connGroup) rebuildOrder(addrs []resolver.Address) {
	g.order = g.order[:0]
	occurrence := make(map[string]int, len(addrs))
	for _, addr := range addrs {
		index := occurrence[addr.HostPort]
		occurrence[addr.HostPort] = index + 1
		if conns := g.byAddr[addr.HostPort]; index < len(conns) {
			g.order = append(g.order, conns[index])
		}
	}
}

func (g *connGroup) acquire(addr resolver.Address) conn.Conn {
	newConn := g.pool.Acquire(addr)
	g.states[newConn] = connStatus{state: connectivity.Idle}
	watcher := conn.StateWatcherFunc(func(c conn.Conn, state connectivity.State, err error) {
		// May fire on any goroutine; hop onto the domain. A false
		// return means the domain is closing and the event is moot.
		g.domain.Schedule(func(ctx context.Context) {
			g.updateConnState(ctx, c, state, err)
		})
	})
	g.watches[newConn] = g.pool.Watch(newConn, watcher)
	return newConn
}

func (g *connGroup) release(c conn.Conn) {
	if watch := g.watches[c]; watch != nil {
		_ = watch.Close()
		delete(g.watches, c)
	}
	delete(g.states, c)
	g.pool.Release(c)
}

func (g *connGroup) updateConnState(ctx context.Context, c conn.Conn, state connectivity.State, err error) {
	status, ok := g.states[c]
	if !ok {
		// Late event for a connection that was already released.
		return
	}
	g.states[c] = connStatus{state: state, err: err}
	if status.state == state {
		// Only the error changed; nothing for the policy to react to.
		return
	}
	if g.onChange != nil {
		g.onChange(ctx, c)
	}
}

// connState returns the recorded state of c and whether the group
// still holds it.
func (g *connGroup) connState(c conn.Conn) (connStatus, bool) {
	status, ok := g.states[c]
	return status, ok
}

// ordered returns the group's connections in resolver order. The
// caller must not hold the slice across a reconciliation.
func (g *connGroup) ordered() []conn.Conn {
	return g.order
}

// readyConns returns the connections currently Ready, in resolver
// order, appended to the given slice.
func (g *connGroup) readyConns(into []conn.Conn) []conn.Conn {
	for _, c := range g.order {
		if g.states[c].state == connectivity.Ready {
			into = append(into, c)
		}
	}
	return into
}

func (g *connGroup) size() int {
	return len(g.order)
}

// aggregate computes the group-wide connectivity state with the usual
// aggregation rule: Ready beats Connecting beats Idle beats
// TransientFailure. The error is the first failing connection's, for
// the TransientFailure case.
func (g *connGroup) aggregate() (connectivity.State, error) {
	var anyConnecting, anyIdle bool
	var firstErr error
	for _, c := range g.order {
		status := g.states[c]
		switch status.state {
		case connectivity.Ready:
			return connectivity.Ready, nil
		case connectivity.Connecting:
			anyConnecting = true
		case connectivity.Idle:
			anyIdle = true
		case connectivity.TransientFailure, connectivity.Shutdown:
			if firstErr == nil {
				firstErr = status.err
			}
		}
	}
	switch {
	case anyConnecting:
		return connectivity.Connecting, nil
	case anyIdle:
		return connectivity.Idle, nil
	}
	if firstErr == nil {
		firstErr = ErrNoReadyConnections
	}
	return connectivity.TransientFailure, firstErr
}

// clear releases every connection, leaving the group empty.
func (g *connGroup) clear() {
	for _, c := range g.order {
		g.release(c)
	}
	g.order = nil
	g.byAddr = map[string][]conn.Conn{}
}
