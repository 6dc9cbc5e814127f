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
	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/serial"
)

// Policy selects a connection for each call. A policy owns a set of
// connections (acquired from its pool), a queue of picks it could not
// complete immediately, and an aggregate connectivity state.
//
// Every method except Name and ChildRefs must be invoked on the
// policy's serialization domain: the owner submits the call as a task
// via [serial.Domain.Schedule] or [serial.Domain.Do]. Within the
// domain there is no overlap and submission order is execution order,
// so implementations need no locking of their own for these methods.
// Name must be safe at any time; ChildRefs must tolerate concurrent
// invocation from introspection paths and must not block on the
// domain.
type Policy interface {
	// Name returns the registered policy name, such as "pick_first".
	Name() string

	// Update replaces the policy's view of the backend set and its
	// configuration. The policy reconciles its existing connections
	// against the new address list (reuse, add, remove) without
	// disturbing picks that already completed. A malformed Config
	// returns an error and moves the policy to TransientFailure with
	// that cause; it does not terminate the policy, and a later valid
	// update recovers it.
	Update(update Update) error

	// Pick selects a connection for the given request. If the outcome
	// is known immediately, it returns PickComplete: on success the
	// request's Conn (and possibly CallContext) fields are populated
	// and the returned error is nil; on failure the error carries the
	// cause and Conn is nil. Otherwise the request is enqueued and
	// PickQueued is returned; the request's OnComplete callback later
	// fires exactly once with the same contract.
	//
	// A request with a nil OnComplete cannot be enqueued: if no
	// immediate outcome exists the pick fails synchronously with
	// ErrNoImmediateResult rather than being silently dropped.
	Pick(req *PickRequest) (PickResult, error)

	// CancelPick removes a still-queued request and completes it with a
	// nil connection and the supplied error. It has no effect if the
	// request already completed or was never queued; once it returns,
	// the request has exactly one outcome either way.
	CancelPick(req *PickRequest, err error)

	// CancelMatchingPicks removes and fails every queued request whose
	// flags satisfy flags&mask == match, completing each with a nil
	// connection and the supplied error. Other queued requests are
	// untouched.
	CancelMatchingPicks(mask, match uint32, err error)

	// NotifyOnStateChange records a one-shot subscription. When the
	// aggregate connectivity state next differs from *state, the
	// policy stores the new value into *state and schedules callback
	// on its own goroutine. If the current state already differs at
	// registration time, that happens immediately. At most one
	// subscription may be outstanding; registering a second one
	// panics.
	NotifyOnStateChange(state *connectivity.State, callback func())

	// CheckConnectivity returns the current aggregate state and, for
	// TransientFailure and Shutdown, the error that explains it.
	CheckConnectivity() (connectivity.State, error)

	// HandOffPendingPicks transfers every queued request to next by
	// re-submitting each as a fresh pick, preserving the FIFO order of
	// original submission. Requests next completes synchronously have
	// their OnComplete scheduled; requests next enqueues become next's
	// to finish. After it returns the receiver's queue is empty.
	HandOffPendingPicks(next Policy)

	// ExitIdle nudges the policy to begin establishing connections if
	// it is idle. It is a no-op in any other state.
	ExitIdle()

	// ResetBackoff resets the retry backoff timers of every connection
	// the policy owns.
	ResetBackoff()

	// ChildRefs reports the IDs of the policy's children for
	// hierarchical introspection. Unlike the other methods it may be
	// called concurrently with anything, including domain tasks.
	ChildRefs() ChildRefs

	// SetReresolutionCallback installs the hook the policy invokes,
	// on its own goroutine, when it believes its addresses are stale.
	// The slot is set at most once; a second call panics.
	SetReresolutionCallback(callback func())

	// Close fails every still-queued request with ErrPolicyClosed,
	// releases all owned connections, and moves the state to Shutdown.
	// Requests already transferred with HandOffPendingPicks are not
	// affected. Close is idempotent; every other method called after
	// it completes picks with ErrPolicyClosed or is a no-op.
	Close()
}

// Update is the input to [Policy.Update]: the complete set of resolved
// backend addresses plus the policy-specific configuration blob, raw
// JSON as extracted from the service config by the channel. A nil
// Config means defaults.
type Update struct {
	Config    []byte
	Addresses []resolver.Address
}

// IsZero reports whether the update carries neither addresses nor
// configuration. Builders skip applying a zero initial update so a
// policy built before the first resolver result starts out idle
// instead of failing with an empty address list. A non-nil empty
// Addresses slice is not zero: it means the resolver answered and
// found nothing.
func (u Update) IsZero() bool {
	return u.Addresses == nil && len(u.Config) == 0
}

// ChildRefs identifies a policy's children for hierarchical
// introspection: the IDs of connections it owns and of any child
// policies it delegates to. The policies in this package have no
// children, so Policies stays empty for them.
type ChildRefs struct {
	Conns    []int64
	Policies []int64
}

// BuildOptions is the bundle of construction arguments passed to a
// [Builder]. All fields are required unless noted otherwise.
type BuildOptions struct {
	// Domain is the serialization domain the policy runs on. The
	// policy does not own it and must not close it.
	Domain *serial.Domain

	// Pool is where the policy acquires its connections. Shared with
	// other policies during hand-off; held until Close.
	Pool conn.Pool

	// Factory creates transports outside the pool. The built-in
	// policies never use it; custom policies that probe addresses
	// before acquiring them can. May be nil.
	Factory conn.Factory

	// Update is the initial address list and configuration, applied
	// during Build.
	Update Update
}

// Builder constructs instances of one named policy.
type Builder interface {
	// Name returns the policy name used for registration and for
	// selection via service config.
	Name() string

	// Build creates a policy and applies opts.Update, unless the
	// update is zero (see [Update.IsZero]), in which case the policy
	// starts idle and waits for the first real update. Build must be
	// invoked on opts.Domain, like the serialized Policy methods. A
	// malformed opts.Update.Config does not fail the build: the
	// policy starts in TransientFailure with the config error as its
	// cause, same as a bad later update.
	Build(opts BuildOptions) Policy
}
