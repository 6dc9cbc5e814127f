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

package internal

import (
	"context"
	"runtime/debug"

	"github.com/bufbuild/rpclb/rlog"
	"github.com/bytedance/gopkg/util/gopool"
)

// GoTask spawns an asynchronous task.
type GoTask func(ctx context.Context, f func())

// Go is the dispatcher used for asynchronous callback delivery (pick
// completions, state-change notifications, and the like). It defaults
// to the shared goroutine pool. Tests may swap it out to run tasks
// inline.
var Go GoTask = gopool.CtxGo

func init() {
	gopool.SetPanicHandler(func(_ context.Context, r any) {
		rlog.Errorf("async task panic: %v\nstack=%s", r, debug.Stack())
	})
}
