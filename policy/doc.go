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

// Package policy provides load balancing policies, the components that
// decide which connection each call uses. An rpclb.Channel owns exactly
// one policy at a time and drives it with resolver updates, pick
// requests, and lifecycle calls.
//
// This package defines the core interface, [Policy], along with the
// contracts that shape it: [PickRequest] carries one call's routing
// inputs and receives the chosen connection, [Builder] constructs
// policies from a [BuildOptions] bundle, and [Register] makes a builder
// selectable by name through service config.
//
// Five implementations are provided. The default, pick-first, walks
// the resolved addresses one connect attempt at a time and sends every
// call to the first connection that becomes ready. The remaining four
// connect to every address and differ in how they choose among the
// ready connections: round-robin rotates, random picks uniformly,
// least-loaded takes the connection with the fewest in-flight calls,
// and power-of-two samples two at random and takes the less loaded
// one.
//
// Almost all policy methods must run on the owning channel's
// serialization domain, which stands in for per-policy locking. Custom
// [Policy] implementations can rely on those methods never overlapping,
// and in exchange must never block in them; work that cannot finish
// immediately is expressed by queueing the pick and completing it from
// a later, equally serialized event. Custom implementations could use
// address metadata (attribute.Values) to prefer closer backends or
// weight heterogeneous ones; the bundled policies ignore it.
package policy
