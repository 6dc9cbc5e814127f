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
	"fmt"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/conn"
)

// Metadata is the read-only routing input of a pick request: the
// call's initial metadata, keyed by lower-case names. Policies may
// inspect it (for example to hash a routing key) but never modify it.
type Metadata map[string][]string

// Get returns the first value for the given key, or "" if the key is
// absent.
func (md Metadata) Get(key string) string {
	values := md[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Flags for [PickRequest.Flags]. They describe properties of the call
// that policies and bulk cancellation can match on.
const (
	// PickFlagWaitForReady marks calls that prefer to wait for a
	// usable connection over failing fast.
	PickFlagWaitForReady uint32 = 1 << iota

	// PickFlagIdempotent marks calls that are safe to send more than
	// once.
	PickFlagIdempotent

	// PickFlagCacheable marks calls whose responses may be served from
	// a cache.
	PickFlagCacheable
)

// PickResult says how a call to [Policy.Pick] concluded.
type PickResult int

const (
	// PickComplete means the pick finished synchronously: the
	// request's outputs and the returned error carry the outcome, and
	// OnComplete will not be invoked.
	PickComplete PickResult = iota

	// PickQueued means the request was enqueued and OnComplete will be
	// invoked exactly once when the outcome is known.
	PickQueued
)

func (r PickResult) String() string {
	switch r {
	case PickComplete:
		return "complete"
	case PickQueued:
		return "queued"
	default:
		return fmt.Sprintf("PickResult(%d)", int(r))
	}
}

// PickRequest represents one call's request for a connection. The
// submitting call layer constructs it, passes it to [Policy.Pick], and
// owns it: the request must remain valid and unmodified by the
// submitter until the pick completes (synchronously or via
// OnComplete). The policy never retains it past completion.
//
// A request may be submitted again after it completed without a
// connection, for example when queued picks are handed off to a
// replacement policy; the policy resets the output fields before
// reuse.
type PickRequest struct {
	// Metadata is the call's initial metadata. Read-only input.
	Metadata Metadata

	// Flags describes the call for policies and for bulk cancellation
	// matching. Read-only input.
	Flags uint32

	// OnComplete, if non-nil, is invoked exactly once when a queued
	// pick completes, with nil on success or the failure cause. It is
	// always scheduled onto a fresh goroutine, never invoked inline
	// from within a policy method, so it may safely call back into
	// the policy's owner. A request with a nil OnComplete can only
	// complete synchronously.
	OnComplete func(error)

	// Conn is the selected connection. Output: populated by the policy
	// on success, nil on failure or cancellation.
	Conn conn.Conn

	// CallContext carries policy-specific state for the call's
	// execution path, written by the policy at completion. Output.
	CallContext attribute.Values

	// trailers is the chained trailer-observer, newest first.
	trailers func(Metadata)

	// handle is the request's slot in a policy's pick queue while
	// queued. Identity only; the queue never owns the request.
	handle pickHandle
}

// ObserveTrailers chains fn onto the request's trailer observers.
// Observers run newest-first when the call layer delivers trailing
// metadata via Trailers, so a policy observing the call sees the
// trailers without suppressing observers registered before it.
// Policies register observers only when completing a pick, never for
// requests that stay queued.
func (r *PickRequest) ObserveTrailers(fn func(Metadata)) {
	prev := r.trailers
	if prev == nil {
		r.trailers = fn
		return
	}
	r.trailers = func(md Metadata) {
		fn(md)
		prev(md)
	}
}

// Trailers delivers the call's trailing metadata to every registered
// observer. The call layer invokes it once, after the call finishes;
// it is a no-op when nothing is registered.
func (r *PickRequest) Trailers(md Metadata) {
	if r.trailers != nil {
		r.trailers(md)
	}
}

// resetOutputs clears the output fields before a request is submitted
// to another policy.
func (r *PickRequest) resetOutputs() {
	r.Conn = nil
	r.CallContext = attribute.Values{}
}
