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
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/bufbuild/rpclb/policy"
)

//nolint:gochecknoglobals
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// serviceConfig is the subset of the service config document that the
// channel consumes. Each loadBalancingConfig entry is an object with a
// single key, the policy name, whose value is that policy's own
// configuration.
type serviceConfig struct {
	LoadBalancingConfig []map[string]jsoniter.RawMessage `json:"loadBalancingConfig"`
}

// errNoPolicyChoice distinguishes a config that expresses no
// load-balancing preference from one that could not be honored.
var errNoPolicyChoice = errors.New("no load-balancing policy chosen")

// pickPolicyConfig extracts the load-balancing choice from a service
// config document. The first loadBalancingConfig entry naming a
// registered policy wins; entries naming unknown policies are skipped,
// which lets a config list a preferred policy ahead of a widely
// deployed fallback. Returns errNoPolicyChoice when the document has
// no loadBalancingConfig entries at all, and a real error when it is
// malformed or only names unknown policies.
func pickPolicyConfig(raw []byte) (name string, config []byte, err error) {
	var parsed serviceConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, fmt.Errorf("parse service config: %w", err)
	}
	if len(parsed.LoadBalancingConfig) == 0 {
		return "", nil, errNoPolicyChoice
	}
	for _, choice := range parsed.LoadBalancingConfig {
		if len(choice) != 1 {
			return "", nil, fmt.Errorf("loadBalancingConfig entries need exactly one policy, found %d", len(choice))
		}
		for choiceName, choiceConfig := range choice {
			if policy.Get(choiceName) == nil {
				continue
			}
			// Registration is case-insensitive; normalize so the
			// selected name compares stably.
			return strings.ToLower(choiceName), choiceConfig, nil
		}
	}
	return "", nil, errors.New("no registered policy in loadBalancingConfig")
}
