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

package rpclb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/connectivity"
	"github.com/bufbuild/rpclb/internal/clocktest"
	"github.com/bufbuild/rpclb/internal/policytesting"
	"github.com/bufbuild/rpclb/policy"
	"github.com/bufbuild/rpclb/resolver"
)

func TestChannelValidatesOptions(t *testing.T) {
	t.Parallel()
	_, err := New("svc:8080")
	require.ErrorContains(t, err, "transport factory or a shared pool")

	factory := policytesting.NewFakeFactory()
	_, err = New("svc:8080",
		WithTransportFactory(factory),
		WithSharedPool(conn.NewSharedPool(factory)))
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestChannelStartsIdle(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	require.Equal(t, connectivity.Idle, channel.State())
	require.Equal(t, policy.PickFirstName, channel.PolicyName())
	require.Empty(t, factory.Transports())

	// The default policy does not connect until a pick or an explicit
	// nudge, so addresses alone leave the channel idle.
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})
	assert.Never(t, func() bool {
		return channel.State() != connectivity.Idle
	}, 100*time.Millisecond, 10*time.Millisecond)

	channel.Connect()
	awaitState(t, channel, connectivity.Connecting)
	readyTransport(t, factory, "a:8080")
	awaitState(t, channel, connectivity.Ready)
}

func TestChannelPickBeforeFirstResolve(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")

	pick := startPick(t, channel, policy.PickFlagWaitForReady)
	pick.assertPending(t)

	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})
	readyTransport(t, factory, "a:8080")

	picked := pick.awaitConn(t)
	require.Equal(t, "a:8080", picked.Address().HostPort)
	awaitState(t, channel, connectivity.Ready)
}

func TestChannelPickCompletesSynchronouslyWhenReady(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	first := startPick(t, channel, policy.PickFlagWaitForReady)
	readyTransport(t, factory, "a:8080")
	firstConn := first.awaitConn(t)

	// With a selected connection the next pick does not queue at all.
	var req policy.PickRequest
	require.NoError(t, channel.Pick(context.Background(), &req))
	require.Same(t, firstConn, req.Conn)
}

func TestChannelPickContextCancel(t *testing.T) {
	t.Parallel()
	channel, _, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	ctx, cancel := context.WithCancel(context.Background())
	pick := startPickContext(t, ctx, channel, policy.PickFlagWaitForReady)
	pick.assertPending(t)

	cancel()
	err := pick.await(t)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, pick.req.Conn)
}

func TestChannelFailFastPickFails(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	errDial := errors.New("connection refused")
	failFast := startPick(t, channel, 0)
	waitForReady := startPick(t, channel, policy.PickFlagWaitForReady)

	transport := awaitTransport(t, factory, "a:8080")
	transport.SetState(connectivity.TransientFailure, errDial)

	require.ErrorIs(t, failFast.await(t), errDial)
	waitForReady.assertPending(t)

	// The queued wait-for-ready pick survives the failure and completes
	// once the backend recovers.
	transport.SetState(connectivity.Ready, nil)
	picked := waitForReady.awaitConn(t)
	require.Equal(t, "a:8080", picked.Address().HostPort)
}

func TestChannelRejectsForeignOnComplete(t *testing.T) {
	t.Parallel()
	channel, _, _ := newTestChannel(t, "svc:8080")
	req := &policy.PickRequest{OnComplete: func(error) {}}
	require.Panics(t, func() {
		_ = channel.Pick(context.Background(), req)
	})
}

func TestChannelServiceConfigSelectsPolicy(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")

	// Unknown policies are skipped: the first registered name wins.
	config := []byte(`{"loadBalancingConfig":[{"super_shiny_policy":{}},{"least_loaded":{"tieBreak":"random"}}]}`)
	task.Send(resolver.Update{
		Addresses:     policytesting.Addresses("a:8080"),
		ServiceConfig: config,
	})
	awaitPolicyName(t, channel, policy.LeastLoadedName)

	// A later update without a service config keeps the selection.
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080", "b:8080")})
	assert.Never(t, func() bool {
		return channel.PolicyName() != policy.LeastLoadedName
	}, 100*time.Millisecond, 10*time.Millisecond)

	// A malformed config is ignored rather than tearing anything down.
	task.Send(resolver.Update{
		Addresses:     policytesting.Addresses("a:8080", "b:8080"),
		ServiceConfig: []byte(`{"loadBalancingConfig":`),
	})
	readyTransport(t, factory, "a:8080")
	awaitState(t, channel, connectivity.Ready)
	require.Equal(t, policy.LeastLoadedName, channel.PolicyName())
}

func TestChannelPolicySwapPreservesQueuedPicks(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	pick := startPick(t, channel, policy.PickFlagWaitForReady)
	pick.assertPending(t)
	transport := awaitTransport(t, factory, "a:8080")

	task.Send(resolver.Update{
		Addresses:     policytesting.Addresses("a:8080"),
		ServiceConfig: []byte(`{"loadBalancingConfig":[{"round_robin":{}}]}`),
	})
	awaitPolicyName(t, channel, policy.RoundRobinName)
	pick.assertPending(t)

	// The connection carried over: the pool still holds one transport
	// for the address and the queued pick completes on it.
	transport.SetState(connectivity.Ready, nil)
	picked := pick.awaitConn(t)
	require.Equal(t, "a:8080", picked.Address().HostPort)
	require.Len(t, factory.Transports()["a:8080"], 1)
	require.False(t, transport.Closed())
}

func TestChannelRoundRobinSpreadsPicks(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{
		Addresses:     policytesting.Addresses("a:8080", "b:8080"),
		ServiceConfig: []byte(`{"loadBalancingConfig":[{"round_robin":{}}]}`),
	})

	// Round-robin connects eagerly, no pick needed.
	readyTransport(t, factory, "a:8080")
	readyTransport(t, factory, "b:8080")
	awaitState(t, channel, connectivity.Ready)

	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		var req policy.PickRequest
		require.NoError(t, channel.Pick(context.Background(), &req))
		counts[req.Conn.Address().HostPort]++
	}
	require.Equal(t, map[string]int{"a:8080": 2, "b:8080": 2}, counts)
}

func TestChannelEmptyAddressUpdate(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	pick := startPick(t, channel, policy.PickFlagWaitForReady)
	transport := readyTransport(t, factory, "a:8080")
	_ = pick.awaitConn(t)

	task.Send(resolver.Update{Addresses: []resolver.Address{}})
	awaitState(t, channel, connectivity.TransientFailure)
	assert.Eventually(t, transport.Closed, time.Second, 5*time.Millisecond)

	err := startPick(t, channel, 0).await(t)
	require.ErrorIs(t, err, policy.ErrNoResolverAddresses)
}

func TestChannelResolverErrorKeepsLastAddresses(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	pick := startPick(t, channel, policy.PickFlagWaitForReady)
	readyTransport(t, factory, "a:8080")
	_ = pick.awaitConn(t)

	task.SendError(errors.New("lookup timed out"))
	assert.Never(t, func() bool {
		return channel.State() != connectivity.Ready
	}, 100*time.Millisecond, 10*time.Millisecond)

	var req policy.PickRequest
	require.NoError(t, channel.Pick(context.Background(), &req))
	require.Equal(t, "a:8080", req.Conn.Address().HostPort)
}

func TestChannelReresolutionRateLimit(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	channel, factory, res := newTestChannel(t, "svc:8080",
		channelOptionFunc(func(opts *channelOptions) { opts.clock = clock }))
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	pick := startPick(t, channel, policy.PickFlagWaitForReady)
	transport := readyTransport(t, factory, "a:8080")
	_ = pick.awaitConn(t)

	// Losing the selected connection asks the resolver for fresh
	// addresses.
	transport.SetState(connectivity.Idle, nil)
	refreshCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, task.AwaitRefresh(refreshCtx))

	// A second loss inside the rate-limit window is dropped.
	transport.SetState(connectivity.Ready, nil)
	awaitState(t, channel, connectivity.Ready)
	transport.SetState(connectivity.Idle, nil)
	quickCtx, cancelQuick := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelQuick()
	require.Error(t, task.AwaitRefresh(quickCtx))

	// Once the window passes, refreshes flow again.
	clock.Advance(time.Minute)
	transport.SetState(connectivity.Ready, nil)
	awaitState(t, channel, connectivity.Ready)
	transport.SetState(connectivity.Idle, nil)
	refreshCtx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, task.AwaitRefresh(refreshCtx2))
}

func TestChannelDefaultPolicyOption(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080",
		WithDefaultPolicy(policy.RoundRobinName, nil))
	require.Equal(t, policy.RoundRobinName, channel.PolicyName())

	// Eager connections prove the option took effect before any config
	// arrived.
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080", "b:8080")})
	awaitTransport(t, factory, "a:8080")
	awaitTransport(t, factory, "b:8080")
}

func TestChannelDefaultResolverUsesTarget(t *testing.T) {
	t.Parallel()
	factory := policytesting.NewFakeFactory()
	channel, err := New("svc.local:8443", WithTransportFactory(factory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Close() })

	pick := startPick(t, channel, policy.PickFlagWaitForReady)
	readyTransport(t, factory, "svc.local:8443")
	picked := pick.awaitConn(t)
	require.Equal(t, "svc.local:8443", picked.Address().HostPort)
}

func TestChannelPrewarm(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	warmed := make(chan error, 1)
	go func() {
		warmed <- channel.Prewarm(context.Background())
	}()
	readyTransport(t, factory, "a:8080")
	select {
	case err := <-warmed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("prewarm did not finish")
	}
	require.Equal(t, connectivity.Ready, channel.State())
}

func TestChannelClose(t *testing.T) {
	t.Parallel()
	channel, factory, res := newTestChannel(t, "svc:8080")
	task := resolverTask(t, res, "svc:8080")
	task.Send(resolver.Update{Addresses: policytesting.Addresses("a:8080")})

	pick := startPick(t, channel, policy.PickFlagWaitForReady)
	transport := readyTransport(t, factory, "a:8080")
	_ = pick.awaitConn(t)

	queued := startPick(t, channel, policy.PickFlagWaitForReady)
	transport.SetState(connectivity.Idle, nil)
	queued.assertPending(t)

	require.NoError(t, channel.Close())
	require.ErrorIs(t, queued.await(t), policy.ErrPolicyClosed)
	require.True(t, task.Closed())
	require.True(t, transport.Closed())
	require.Equal(t, connectivity.Shutdown, channel.State())
	require.Empty(t, channel.ChildRefs().Conns)

	var req policy.PickRequest
	require.ErrorIs(t, channel.Pick(context.Background(), &req), ErrChannelClosed)
	require.ErrorIs(t, channel.Prewarm(context.Background()), ErrChannelClosed)
	require.NoError(t, channel.Close())
}

// test harness

func newTestChannel(
	t *testing.T,
	target string,
	options ...ChannelOption,
) (*Channel, *policytesting.FakeFactory, *policytesting.FakeResolver) {
	t.Helper()
	factory := policytesting.NewFakeFactory()
	res := policytesting.NewFakeResolver()
	options = append([]ChannelOption{
		WithTransportFactory(factory),
		WithResolver(res),
	}, options...)
	channel, err := New(target, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Close() })
	return channel, factory, res
}

func resolverTask(t *testing.T, res *policytesting.FakeResolver, target string) *policytesting.FakeResolverTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := res.AwaitTask(ctx, target)
	require.NoError(t, err)
	return task
}

func awaitTransport(t *testing.T, factory *policytesting.FakeFactory, hostPort string) *policytesting.FakeTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	transport, err := factory.AwaitTransport(ctx, hostPort)
	require.NoError(t, err)
	return transport
}

func readyTransport(t *testing.T, factory *policytesting.FakeFactory, hostPort string) *policytesting.FakeTransport {
	t.Helper()
	transport := awaitTransport(t, factory, hostPort)
	transport.SetState(connectivity.Ready, nil)
	return transport
}

func awaitState(t *testing.T, channel *Channel, want connectivity.State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state := channel.State()
	for state != want {
		require.True(t, channel.WaitForStateChange(ctx, state),
			"timed out waiting for state %v, still %v", want, state)
		state = channel.State()
	}
}

func awaitPolicyName(t *testing.T, channel *Channel, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return channel.PolicyName() == want
	}, time.Second, 5*time.Millisecond)
}

type pendingPick struct {
	req  policy.PickRequest
	done chan error
}

func startPick(t *testing.T, channel *Channel, flags uint32) *pendingPick {
	t.Helper()
	return startPickContext(t, context.Background(), channel, flags)
}

func startPickContext(t *testing.T, ctx context.Context, channel *Channel, flags uint32) *pendingPick {
	t.Helper()
	pick := &pendingPick{done: make(chan error, 1)}
	pick.req.Flags = flags
	go func() {
		pick.done <- channel.Pick(ctx, &pick.req)
	}()
	return pick
}

func (p *pendingPick) await(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("pick did not complete")
		return nil
	}
}

func (p *pendingPick) awaitConn(t *testing.T) conn.Conn {
	t.Helper()
	require.NoError(t, p.await(t))
	require.NotNil(t, p.req.Conn)
	return p.req.Conn
}

func (p *pendingPick) assertPending(t *testing.T) {
	t.Helper()
	select {
	case err := <-p.done:
		t.Fatalf("pick completed early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
