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

// Package connectivity defines the connectivity states reported by
// connections and by load-balancing policies. A policy aggregates the
// states of its connections into a single state for the whole channel.
package connectivity

import "fmt"

// State is the connectivity state of a connection or of a policy as a
// whole. The zero value is Idle. States other than TransientFailure and
// Shutdown carry no associated error.
type State int

const (
	// Idle means no connection attempt is in progress and none has been
	// requested.
	Idle State = iota
	// Connecting means a connection attempt is in progress.
	Connecting
	// Ready means at least one connection is established and usable.
	Ready
	// TransientFailure means all recent connection attempts have failed.
	// Recovery is expected; the associated error describes the most
	// recent failure.
	TransientFailure
	// Shutdown means the policy or connection has been closed and will
	// never become usable again.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
