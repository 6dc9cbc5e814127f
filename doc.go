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

// Package rpclb provides client-side load balancing for RPC clients:
// name resolution, connection management, and per-call connection
// selection through pluggable load-balancing policies.
//
// The central type is the [Channel], created with [New]. A channel
// watches one target through a [resolver.Resolver], maintains
// connections to the resolved backends through a [conn.Pool], and
// routes each call to a connection chosen by the installed
// [policy.Policy]. Callers select a connection per call with
// [Channel.Pick]; while no connection is usable, picks either queue or
// fail depending on their flags.
//
// Policies are selected through the service config that resolvers can
// attach to their results. The channel reads the config's
// loadBalancingConfig list, builds the first policy it recognizes, and
// hot-swaps policies when a later config names a different one. A swap
// preserves queued picks: they are handed to the new policy in their
// original order before the old policy is torn down. Five policies
// are registered out of the box: pick-first (the default),
// round-robin, random, least-loaded, and power-of-two. Custom ones
// can be added with [policy.Register].
//
// Clients that talk to a dynamic set of targets can use a [Manager],
// which caches one channel per target, closes channels that sit idle,
// and keeps channels for designated targets warm.
//
// The actual wire transport stays out of this package: channels mint
// connections through the [conn.Factory] the caller provides, and a
// picked [conn.Conn] carries whatever transport the factory built for
// its address.
package rpclb
