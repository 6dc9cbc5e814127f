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
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{}
)

// Register makes a builder available for selection by name, as used in
// service configs. Names are case-insensitive. Registering the same
// name again replaces the earlier builder; the built-in policies
// register themselves in init functions, so a program can override any
// of them before building channels.
func Register(builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(builder.Name())] = builder
}

// Get returns the builder registered under the given name, or nil if
// there is none.
func Get(name string) Builder {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[strings.ToLower(name)]
}
