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

// Package resolver provides functionality for custom name resolution.
// Name resolution is the process of resolving service or domain names
// into one or more addresses -- where an address is a host:port (and
// optionally custom metadata) of a server that provides the service.
//
// It contains the core interface ([Resolver]) that can be implemented
// to create a custom name resolution strategy. The interface is general
// enough that it can support any form of resolver, including ones that
// are backed by push mechanisms (like "watching" nodes in ZooKeeper or
// etcd or "watching" resources in Kubernetes).
//
// # Included Implementations
//
// [NewStatic] creates a resolver over a fixed set of addresses, which is
// useful when the backends are known up front and for tests.
//
// [NewPolling] creates a resolver that uses periodic polling via a
// [Prober]. To create a resolver implementation that polls some source
// of addresses (an API, a config file, a database), you need only
// implement the Prober interface. To create a more sophisticated,
// push-based implementation, you would instead implement the [Resolver]
// interface, which creates a new task for each target that a client
// needs.
//
// # Address Metadata
//
// A resolver implementation can attach arbitrary metadata to each
// address it reports via the Address's Attributes field, using keys
// created with [attribute.NewKey]. Selection policies can then read
// those values in a type-safe way with [attribute.GetValue] -- for
// example to implement regional affinity or weighted selection.
//
// # Subsetting
//
// Subsetting can be achieved via a [Receiver] decorator that intercepts
// each update, selects a subset of its addresses, and passes the
// reduced update to the underlying Receiver. For decorators that use
// resources (such as background goroutines) and need to be explicitly
// shut down, decorate the Resolver interface itself, so the tasks it
// creates can hook into the task's Close method.
package resolver
