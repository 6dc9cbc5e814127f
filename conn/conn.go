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

// Package conn provides the representation of a logical connection, the
// primitive selected by load-balancing policies, along with the shared
// pool that owns the transports behind the handles. A single connection
// generally wraps a single transport session to a single resolved
// address. The policy layer holds references to connections but never
// performs I/O on them.
package conn

import (
	"io"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
)

// Conn is a handle to a connection to a resolved address. It is a
// *logical* connection: the transport behind it may consist of zero or
// more physical connections at any moment. Handles are owned by a
// [Pool]; policies reference them but do not own them.
type Conn interface {
	// ID returns an identifier for this connection, unique within its
	// pool, used for introspection reporting.
	ID() int64
	// Address is the resolved address to which this value is connected.
	Address() resolver.Address
	// UpdateAttributes updates the connection's address to have the
	// given attributes.
	UpdateAttributes(attributes attribute.Values)
	// Connect asks the transport to begin establishing itself if it is
	// idle. It never blocks.
	Connect()
	// ResetBackoff makes the transport retry connecting immediately
	// rather than waiting out a reconnect backoff.
	ResetBackoff()
}

// Conns represents a read-only set of connections.
type Conns interface {
	// Len returns the total number of connections in the set.
	Len() int
	// Get returns the connection at index i.
	Get(i int) Conn
}

// StateWatcher receives connectivity transitions for watched
// connections. Implementations must return quickly and must not call
// back into the pool; the usual implementation hands the event off to a
// serialization domain.
type StateWatcher interface {
	OnConnState(c Conn, state connectivity.State, err error)
}

// StateWatcherFunc adapts a function to the StateWatcher interface.
type StateWatcherFunc func(c Conn, state connectivity.State, err error)

func (f StateWatcherFunc) OnConnState(c Conn, state connectivity.State, err error) {
	f(c, state, err)
}

// Pool is the shared connection pool covering one channel. Policies
// acquire connection handles from it and return them when done. Handles
// are reference counted so that an outgoing and a replacement policy
// can briefly share a connection during hand-off without the transport
// being torn down in between.
type Pool interface {
	// Acquire returns the connection for the given address, creating it
	// if needed. Each call adds a reference that must be released
	// exactly once. Addresses are deduplicated by host:port, so two
	// acquires for the same host:port return the same handle.
	Acquire(addr resolver.Address) Conn
	// Release drops a reference obtained from Acquire. The transport is
	// closed when the last reference is dropped. It reports whether
	// this release closed the connection.
	Release(c Conn) bool
	// Watch registers w to observe state transitions of c, beginning
	// with a report of the connection's current state. Events for one
	// watcher are delivered in order. The returned closer stops the
	// watch; one late event may still be observed after it returns, so
	// receivers must tolerate callbacks for connections they no longer
	// track.
	Watch(c Conn, w StateWatcher) io.Closer
}

// Transport is the physical side of one connection, created by a
// Factory. Implementations wrap whatever dialing and session logic the
// surrounding client uses; the policy layer itself performs no I/O.
// Transports must tolerate Connect and ResetBackoff calls that arrive
// after Close.
type Transport interface {
	// Connect begins establishing the transport if it is idle. It never
	// blocks.
	Connect()
	// ResetBackoff makes the transport retry connecting immediately
	// rather than waiting out a reconnect backoff.
	ResetBackoff()
	// Close tears down the transport and releases its resources.
	Close() error
}

// Factory creates transports. It is the capability through which the
// surrounding client supplies real dialing behavior to this layer.
//
// The report callback must be invoked with every connectivity
// transition of the transport and is safe to call from any goroutine.
// Transports start in the Idle state and need not report it.
type Factory interface {
	New(addr resolver.Address, report func(connectivity.State, error)) Transport
}
