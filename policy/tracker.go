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

	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal"
)

// stateTracker holds a policy's aggregate connectivity state and the
// at-most-one outstanding change subscription. Only the serialization
// domain touches it. The zero value starts in Idle with no error.
type stateTracker struct {
	state connectivity.State
	err   error
	sub   *stateSubscription
}

type stateSubscription struct {
	state    *connectivity.State
	callback func()
}

func (t *stateTracker) get() (connectivity.State, error) {
	return t.state, t.err
}

// set records a new aggregate state. The error is always updated; a
// pending subscription fires only when the state value itself changes.
// The subscriber's state slot is written before its callback is
// scheduled, never inline, so the callback may call back into the
// policy's owner.
func (t *stateTracker) set(ctx context.Context, state connectivity.State, err error) {
	t.err = err
	if state == t.state {
		return
	}
	t.state = state
	if sub := t.sub; sub != nil {
		t.sub = nil
		*sub.state = state
		internal.Go(ctx, sub.callback)
	}
}

// subscribe registers a one-shot subscription against the caller's
// snapshot in *state. If the current state already differs, the slot is
// updated and the callback scheduled right away. A second subscription
// while one is pending is a caller bug and panics.
func (t *stateTracker) subscribe(ctx context.Context, state *connectivity.State, callback func()) {
	if t.sub != nil {
		panic("policy: a connectivity subscription is already pending")
	}
	if *state != t.state {
		*state = t.state
		internal.Go(ctx, callback)
		return
	}
	t.sub = &stateSubscription{state: state, callback: callback}
}
