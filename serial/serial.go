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

// Package serial provides a serialization domain: a single-worker task
// queue that executes submitted tasks one at a time, in submission
// order, with no two tasks overlapping. Code that runs entirely inside
// one domain needs no locks for the state it owns.
//
// The load-balancing machinery in this module submits every
// state-mutating policy operation to a domain, so that picks, address
// updates, cancellations, and shutdown never race one another.
package serial

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpclb/rlog"
	"github.com/cloudwego/runtimex"
)

// ErrClosed is returned by Do when the domain has been closed and no
// longer accepts work.
var ErrClosed = errors.New("serialization domain is closed")

// Task is a unit of work executed by a domain's worker. The context is
// the domain's lifetime context; it is not cancelled until after the
// worker has drained and exited.
type Task func(ctx context.Context)

// Domain is a single-worker task queue. Tasks may be submitted from any
// goroutine; they are run strictly in submission order by one worker
// goroutine. A panicking task is recovered and logged, and the worker
// keeps going.
//
// The zero value is not usable; create domains with New.
type Domain struct {
	name   string
	ctx    context.Context //nolint:containedctx // worker lifetime, passed to tasks
	cancel context.CancelFunc

	wake chan struct{}
	done chan struct{}

	// ID of the worker goroutine, or -1 when unavailable. Used to catch
	// calls that would deadlock the worker against itself.
	workerID atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	tasks []Task
	// +checklocks:mu
	closing bool
}

// New creates a domain and starts its worker goroutine. The name
// appears in log messages for tasks that panic.
func New(name string) *Domain {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Domain{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Name returns the name the domain was created with.
func (d *Domain) Name() string {
	return d.name
}

// Schedule submits a task for execution. It never blocks. It returns
// false, without running the task, if Close has already been called.
func (d *Domain) Schedule(task Task) bool {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return false
	}
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Do schedules a task and waits for it to finish. It returns ErrClosed
// if the domain no longer accepts work, or the context's error if ctx
// ends first. When Do returns a context error the task may still run
// later; any outputs the task writes must not be read in that case.
//
// Do must not be called from inside the domain; doing so would deadlock
// the worker against itself, so it panics instead.
func (d *Domain) Do(ctx context.Context, task Task) error {
	if d.onWorker() {
		panic("serial: Do called from inside the domain")
	}
	done := make(chan struct{})
	scheduled := d.Schedule(func(taskCtx context.Context) {
		defer close(done)
		task(taskCtx)
	})
	if !scheduled {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the domain: new submissions are rejected, tasks already
// submitted are drained, and then the worker exits. Close blocks until
// the drain completes and is safe to call more than once. It must not
// be called from inside the domain and panics if it is.
func (d *Domain) Close() {
	if d.onWorker() {
		panic("serial: Close called from inside the domain")
	}
	d.mu.Lock()
	alreadyClosing := d.closing
	d.closing = true
	d.mu.Unlock()
	if !alreadyClosing {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	<-d.done
	d.cancel()
}

// Done returns a channel that is closed once the worker has drained all
// tasks and exited.
func (d *Domain) Done() <-chan struct{} {
	return d.done
}

// Context returns the domain's lifetime context, the same context that
// tasks receive. It is canceled after Close has drained the queue and
// the worker has exited.
func (d *Domain) Context() context.Context {
	return d.ctx
}

func (d *Domain) run() {
	defer close(d.done)
	d.workerID.Store(gid())
	for {
		d.mu.Lock()
		batch := d.tasks
		d.tasks = nil
		closing := d.closing
		d.mu.Unlock()
		for _, task := range batch {
			d.invoke(task)
		}
		if len(batch) > 0 {
			// More work may have arrived while we ran this batch.
			continue
		}
		if closing {
			return
		}
		<-d.wake
	}
}

func (d *Domain) invoke(task Task) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Errorf("%s: panic in serialized task: %v\nstack=%s", d.name, r, debug.Stack())
		}
	}()
	task(d.ctx)
}

func (d *Domain) onWorker() bool {
	workerID := d.workerID.Load()
	if workerID <= 0 {
		return false
	}
	return gid() == workerID
}

// gid returns the current goroutine's ID, or -1 if it cannot be
// determined on this platform. A -1 worker ID disables the
// called-from-worker deadlock checks; they are best effort.
func gid() int64 {
	id, err := runtimex.GID()
	if err != nil {
		return -1
	}
	return int64(id)
}
