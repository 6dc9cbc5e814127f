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
	"testing"

	"github.com/bufbuild/rpclb/attribute"
	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// powerOfTwoLoads snapshots the in-flight count per connection still
// in the policy's sample set.
func powerOfTwoLoads(h *harness) map[conn.Conn]uint64 {
	policy, ok := h.pol.(*powerOfTwo)
	require.True(h.t, ok)
	policy.loadMu.Lock()
	defer policy.loadMu.Unlock()
	loads := map[conn.Conn]uint64{}
	for _, entry := range policy.ready {
		loads[entry.conn] = entry.load
	}
	return loads
}

func TestPowerOfTwoCountsLoad(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PowerOfTwoName, nil, "x")

	h.reportState(h.connFor("x"), connectivity.Ready, nil)

	first := &PickRequest{}
	require.Same(t, h.connFor("x"), h.pickReady(first))
	load, ok := attribute.GetValue(first.CallContext, InFlightLoad)
	require.True(t, ok)
	assert.Equal(t, int64(1), load)

	second := &PickRequest{}
	require.Same(t, h.connFor("x"), h.pickReady(second))
	load, ok = attribute.GetValue(second.CallContext, InFlightLoad)
	require.True(t, ok)
	assert.Equal(t, int64(2), load)

	first.Trailers(nil)
	second.Trailers(nil)
	assert.Equal(t, map[conn.Conn]uint64{h.connFor("x"): 0}, powerOfTwoLoads(h))
}

func TestPowerOfTwoPrefersLessLoaded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PowerOfTwoName, nil, "x", "y")

	// x absorbs calls alone; none of them complete.
	h.reportState(h.connFor("x"), connectivity.Ready, nil)
	for i := 0; i < 10; i++ {
		require.Same(t, h.connFor("x"), h.pickReady(&PickRequest{}))
	}

	// y joins with zero load while x keeps its in-flight count across
	// the rebuild, so the sampling heavily favors y.
	h.reportState(h.connFor("y"), connectivity.Ready, nil)
	counts := map[conn.Conn]int{}
	for i := 0; i < 200; i++ {
		req := &PickRequest{}
		counts[h.pickReady(req)]++
		req.Trailers(nil)
	}
	assert.Greater(t, counts[h.connFor("y")], counts[h.connFor("x")])
	assert.Equal(t, map[conn.Conn]uint64{
		h.connFor("x"): 10,
		h.connFor("y"): 0,
	}, powerOfTwoLoads(h))
}

func TestPowerOfTwoQueueFlush(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PowerOfTwoName, nil, "x")

	req := &PickRequest{}
	done := h.pickQueued(req)
	assertNoOutcome(t, done)

	h.reportState(h.connFor("x"), connectivity.Ready, nil)
	outcome := awaitOutcome(t, done)
	require.NoError(t, outcome.err)
	assert.Same(t, h.connFor("x"), outcome.conn)
	load, ok := attribute.GetValue(req.CallContext, InFlightLoad)
	require.True(t, ok)
	assert.Equal(t, int64(1), load)
}

func TestPowerOfTwoReleaseAfterEviction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PowerOfTwoName, nil, "x", "y")

	h.reportState(h.connFor("x"), connectivity.Ready, nil)
	req := &PickRequest{}
	require.Same(t, h.connFor("x"), h.pickReady(req))

	// x drops out while its call is still in flight.
	h.reportState(h.connFor("y"), connectivity.Ready, nil)
	h.reportState(h.connFor("x"), connectivity.TransientFailure, errors.New("x is down"))
	assert.Equal(t, map[conn.Conn]uint64{h.connFor("y"): 0}, powerOfTwoLoads(h))

	// The late trailer hook decrements an evicted entry harmlessly.
	req.Trailers(nil)
	assert.Equal(t, map[conn.Conn]uint64{h.connFor("y"): 0}, powerOfTwoLoads(h))
	assert.Same(t, h.connFor("y"), h.pickReady(&PickRequest{}))
}

func TestPowerOfTwoRejectsBadConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PowerOfTwoName, nil, "x")

	var updateErr error
	h.do(func() {
		updateErr = h.pol.Update(Update{
			Addresses: addrs("x"),
			Config:    []byte(`{`),
		})
	})
	var cfgErr *ConfigError
	require.ErrorAs(t, updateErr, &cfgErr)
	assert.Equal(t, PowerOfTwoName, cfgErr.Policy)
	assert.Equal(t, connectivity.TransientFailure, h.state())
}
