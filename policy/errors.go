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
	"errors"
	"fmt"
)

// Pick failures are reported through the normal completion path, never
// panicked: a failed pick carries a nil connection and one of these
// causes (possibly wrapped). Contract breaches by the policy's caller,
// like registering a second connectivity subscription, are programmer
// errors and panic instead.
var (
	// ErrPolicyClosed fails picks submitted to, or still queued in, a
	// policy that has been closed.
	ErrPolicyClosed = errors.New("policy is closed")

	// ErrNoResolverAddresses fails picks when the resolver produced an
	// empty address list, so there is nothing to connect to.
	ErrNoResolverAddresses = errors.New("resolver produced no addresses")

	// ErrNoReadyConnections fails fail-fast picks when no connection
	// is usable.
	ErrNoReadyConnections = errors.New("no connections are ready")

	// ErrNoImmediateResult fails picks that have no completion
	// callback when no outcome is immediately known. Such a request
	// cannot be enqueued, so it must never be silently dropped.
	ErrNoImmediateResult = errors.New("pick would queue but request has no completion callback")
)

// ConfigError reports a malformed policy configuration blob. It is
// returned by [Policy.Update] and also becomes the policy's
// TransientFailure cause until a valid update arrives.
type ConfigError struct {
	// Policy is the name of the policy that rejected the config.
	Policy string
	// Err is the underlying parse or validation error.
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s config: %v", e.Policy, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
