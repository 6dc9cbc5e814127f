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

// NewStatic creates a resolver that always reports the given update,
// regardless of target. The update is re-announced whenever the client
// signals a refresh. Useful for fixed backend sets and for tests.
func NewStatic(update Update) Resolver {
	return &staticResolver{update: update}
}

type staticResolver struct {
	update Update
}

func (sr *staticResolver) New(
	ctx context.Context,
	_ string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &staticTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	go task.run(ctx, sr.update, receiver, refresh)
	return task
}

type staticTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (task *staticTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *staticTask) run(
	ctx context.Context,
	update Update,
	receiver Receiver,
	refresh <-chan struct{},
) {
	defer close(task.doneSignal)
	defer task.cancel()

	for {
		receiver.OnUpdate(update)
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			// Re-announce.
		}
	}
}
