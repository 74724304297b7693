// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package memory implements the job-status store in process memory.
// Useful for single-node deployments and tests; state does not survive a
// restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus/registry"
)

func init() {
	registry.Register("memory", New)
}

type store struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// New returns an in-memory job-status store.
func New(_ map[string]interface{}) (jobstatus.Store, error) {
	return &store{values: map[string][]byte{}}, nil
}

func (s *store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.values[key] = v
	return nil
}

func (s *store) MGetByPrefix(_ context.Context, prefix string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if jobstatus.MatchPattern(prefix+"*", k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := make([][]byte, 0, len(keys))
	for _, k := range keys {
		res = append(res, s.values[k])
	}
	return res, nil
}

func (s *store) MDeleteByPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.values {
		if jobstatus.MatchPattern(prefix+"*", k) {
			delete(s.values, k)
		}
	}
	return nil
}
