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
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bufbuild/rpclb/rlog"
)

// ErrManagerClosed is returned by operations on a manager that has
// been closed.
var ErrManagerClosed = errors.New("manager is closed")

// Manager hands out channels by target, creating each channel on first
// use and closing the ones that sit idle. It is intended for clients
// with a dynamic set of outbound targets, where caching a channel per
// target would otherwise let the set of channels grow without bound.
//
// Targets named in [WithKeepWarmTargets] are exempt from idle
// collection; [Manager.Prewarm] readies them up front.
type Manager struct {
	opts managerOptions
	warm map[string]struct{}

	// Deduplicates concurrent creation per target.
	flight singleflight.Group

	done chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	channels map[string]*managedChannel
	// +checklocks:mu
	closed bool
}

// managedChannel pairs a channel with its idle-activity signal. A nil
// activity channel marks a keep-warm target with no idle timer.
type managedChannel struct {
	channel  *Channel
	activity chan struct{}
}

// NewManager creates a channel manager. Channels it creates are
// configured with the options given via [WithChannelOptions].
func NewManager(options ...ManagerOption) *Manager {
	var opts managerOptions
	for _, opt := range options {
		opt.applyToManager(&opts)
	}
	opts.applyDefaults()
	manager := &Manager{
		opts:     opts,
		warm:     make(map[string]struct{}, len(opts.warmTargets)),
		done:     make(chan struct{}),
		channels: map[string]*managedChannel{},
	}
	for _, target := range opts.warmTargets {
		manager.warm[target] = struct{}{}
	}
	return manager
}

// Channel returns the channel for the given target, creating it if
// needed. Concurrent calls for the same target share one creation.
// The returned channel is owned by the manager: do not close it.
func (m *Manager) Channel(target string) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if entry := m.channels[target]; entry != nil {
		entry.bumpLocked()
		m.mu.Unlock()
		return entry.channel, nil
	}
	m.mu.Unlock()

	result, err, _ := m.flight.Do(target, func() (any, error) {
		return m.getOrCreate(target)
	})
	if err != nil {
		return nil, err
	}
	channel, ok := result.(*Channel)
	if !ok {
		return nil, errors.New("unexpected channel type")
	}
	return channel, nil
}

func (m *Manager) getOrCreate(target string) (*Channel, error) {
	// Double-check under the lock: an earlier flight may have stored
	// the channel after our caller's fast path missed.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if entry := m.channels[target]; entry != nil {
		entry.bumpLocked()
		m.mu.Unlock()
		return entry.channel, nil
	}
	m.mu.Unlock()

	channel, err := New(target, m.opts.channelOptions...)
	if err != nil {
		return nil, err
	}
	entry := &managedChannel{channel: channel}
	if _, keepWarm := m.warm[target]; !keepWarm {
		entry.activity = make(chan struct{}, 1)
		go m.closeWhenIdle(target, entry)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.Join(ErrManagerClosed, channel.Close())
	}
	m.channels[target] = entry
	m.mu.Unlock()
	return channel, nil
}

// closeWhenIdle closes the entry's channel once it has gone unused for
// the idle timeout, bumping the timer on every activity signal.
func (m *Manager) closeWhenIdle(target string, entry *managedChannel) {
	timer := m.opts.clock.NewTimer(m.opts.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			if m.tryRemove(target, entry) {
				if err := entry.channel.Close(); err != nil {
					rlog.Warnf("manager: closing idle channel %s: %v", target, err)
				}
				return
			}
			// Lost the race against concurrent activity.
			timer.Reset(m.opts.idleTimeout)
		case <-entry.activity:
			timer.Reset(m.opts.idleTimeout)
		case <-m.done:
			// Manager close owns the channel teardown.
			return
		}
	}
}

// tryRemove unregisters the entry unless it was used after the idle
// timer fired.
func (m *Manager) tryRemove(target string, entry *managedChannel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-entry.activity:
		return false
	default:
	}
	if m.channels[target] != entry {
		return false
	}
	delete(m.channels, target)
	return true
}

// Prewarm creates the channels for every keep-warm target and blocks
// until each reports ready. Warming problems usually show up as delays
// rather than failures, because the machinery underneath keeps
// retrying; bound the wait with the context.
func (m *Manager) Prewarm(ctx context.Context) error {
	if len(m.opts.warmTargets) == 0 {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, target := range m.opts.warmTargets {
		group.Go(func() error {
			channel, err := m.Channel(target)
			if err != nil {
				return err
			}
			return channel.Prewarm(groupCtx)
		})
	}
	return group.Wait()
}

// Close closes every channel the manager created and stops the idle
// timers. Closing an already-closed manager is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.channels
	m.channels = map[string]*managedChannel{}
	close(m.done)
	m.mu.Unlock()

	group := new(errgroup.Group)
	for _, entry := range entries {
		group.Go(func() error {
			return entry.channel.Close()
		})
	}
	return group.Wait()
}

// bumpLocked signals activity without blocking. Called with the
// manager's lock held so the bump cannot race the idle timer's
// removal check.
func (entry *managedChannel) bumpLocked() {
	if entry.activity == nil {
		return
	}
	select {
	case entry.activity <- struct{}{}:
	default:
	}
}
