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

package resolver

import (
	"context"
	"io"
)

// MinAddresses decorates the given resolver so every update carries at
// least the given number of addresses. If the underlying resolver
// produces a smaller set, the addresses are replicated until the
// minimum is reached. Service config bytes pass through untouched.
//
// Replication makes a policy that connects per address open redundant
// connections to the same host, which is useful when the resolved
// addresses are virtual IPs with multiple servers behind them, as with
// Kubernetes non-headless services or hardware load balancers.
//
// To avoid favoring any one address, the set is always replicated
// whole. An update can therefore grow to nearly twice the minimum: an
// underlying set of minAddresses-1 entries is doubled.
func MinAddresses(resolver Resolver, minAddresses int) Resolver {
	return &minAddrResolver{resolver: resolver, min: minAddresses}
}

type minAddrResolver struct {
	resolver Resolver
	min      int
}

func (m *minAddrResolver) New(
	ctx context.Context,
	target string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	rcv := &minAddrReceiver{Receiver: receiver, min: m.min}
	return m.resolver.New(ctx, target, rcv, refresh)
}

type minAddrReceiver struct {
	Receiver
	min int
}

func (m *minAddrReceiver) OnUpdate(update Update) {
	update.Addresses = m.replicate(update.Addresses)
	m.Receiver.OnUpdate(update)
}

func (m *minAddrReceiver) replicate(addrs []Address) []Address {
	// Zero addresses stay zero: replication cannot help, and the empty
	// update must reach the policy so it can fail picks.
	if len(addrs) >= m.min || len(addrs) == 0 {
		return addrs
	}
	multiplier := m.min / len(addrs)
	if len(addrs)*multiplier < m.min {
		multiplier++
	}
	scaled := make([]Address, 0, len(addrs)*multiplier)
	for i := 0; i < multiplier; i++ {
		scaled = append(scaled, addrs...)
	}
	return scaled
}
