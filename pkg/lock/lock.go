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

// Package lock implements the coordinator for distributed read-locks on
// object-store resources. This service never requests write locks.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/catalogue"
	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/httpclient"
)

// OperationRead is the only lock operation this service requests.
const OperationRead = "read"

// Entry is one acquired lock. Entries are appended to a LockedSet in
// acquisition order and must each be released exactly once.
type Entry struct {
	Key       string
	Operation string
}

// Config holds the options for the lock coordinator.
type Config struct {
	// Endpoint is the base URL of the lock service.
	Endpoint string `mapstructure:"endpoint"`
	// GreenZoneLabel marks nodes living in the green-room tier.
	GreenZoneLabel string `mapstructure:"green_zone_label"`
	// CoreZoneLabel marks nodes living in the core tier.
	CoreZoneLabel string `mapstructure:"core_zone_label"`
	// Timeout bounds a single lock call, in seconds.
	Timeout int64 `mapstructure:"timeout"`
}

func (c *Config) init() {
	if c.GreenZoneLabel == "" {
		c.GreenZoneLabel = "Greenroom"
	}
	if c.CoreZoneLabel == "" {
		c.CoreZoneLabel = "Core"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// Coordinator acquires and releases read-locks on derived resource keys.
type Coordinator struct {
	conf      *Config
	hc        *httpclient.Client
	catalogue *catalogue.Client
}

// New returns a new lock coordinator walking trees through the given
// catalogue client.
func New(conf *Config, cat *catalogue.Client) *Coordinator {
	conf.init()
	return &Coordinator{
		conf:      conf,
		hc:        httpclient.New(httpclient.Timeout(time.Duration(conf.Timeout * int64(time.Second)))),
		catalogue: cat,
	}
}

// ResourceKey derives the lock key of a node: the zone bucket prefix, the
// project or dataset code and the display path.
func (c *Coordinator) ResourceKey(n *catalogue.Node, code string) string {
	prefix := ""
	switch {
	case n.Labels.Contains(c.conf.GreenZoneLabel):
		prefix = "gr-"
	case n.Labels.Contains(c.conf.CoreZoneLabel):
		prefix = "core-"
	}
	return prefix + code + "/" + n.DisplayPath
}

// RecursiveLock walks the requested entities depth-first and read-locks
// every non-archived node, recursing into folders. It returns the entries
// acquired so far together with the first error encountered. It does NOT
// roll back on failure: other in-flight jobs may hold locks on the same
// tree, so releasing is the caller's duty, entry by entry, once the job
// ends.
func (c *Coordinator) RecursiveLock(ctx context.Context, code string, geids []string) ([]Entry, error) {
	locked := []Entry{}

	for _, geid := range geids {
		stack := []string{geid}
		visited := map[string]bool{geid: true}

		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			node, err := c.catalogue.GetNodeByGeid(ctx, current)
			if err != nil {
				return locked, err
			}
			if node.Archived {
				continue
			}

			// nodes at the user's home folder carry no lockable key
			if node.DisplayPath != node.Uploader {
				key := c.ResourceKey(node, code)
				if err := c.Lock(ctx, key, OperationRead); err != nil {
					return locked, err
				}
				locked = append(locked, Entry{Key: key, Operation: OperationRead})
			}

			if node.IsFolder() {
				children, err := c.catalogue.Children(ctx, catalogue.KindFolder, node.Geid)
				if err != nil {
					return locked, err
				}
				for _, child := range children {
					if !visited[child.Geid] {
						visited[child.Geid] = true
						stack = append(stack, child.Geid)
					}
				}
			}
		}
	}
	return locked, nil
}

// Lock acquires a lock on the given resource key.
func (c *Coordinator) Lock(ctx context.Context, key, operation string) error {
	return c.call(ctx, http.MethodPost, key, operation)
}

// Unlock releases a lock on the given resource key.
func (c *Coordinator) Unlock(ctx context.Context, key, operation string) error {
	return c.call(ctx, http.MethodDelete, key, operation)
}

// Check probes the lock state of the given resource key.
func (c *Coordinator) Check(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.Endpoint+"resource/lock/?resource_key="+key, nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "lock: error checking resource lock")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errtypes.NotFound(key)
	}
	return nil
}

type lockRequest struct {
	ResourceKey string `json:"resource_key"`
	Operation   string `json:"operation"`
}

func (c *Coordinator) call(ctx context.Context, method, key, operation string) error {
	body, err := json.Marshal(lockRequest{ResourceKey: key, Operation: operation})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.conf.Endpoint+"resource/lock/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "lock: error calling lock service for %s", key)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		appctx.GetLogger(ctx).Error().Int("status", res.StatusCode).Str("resource_key", key).Msg("lock service refused the operation")
		return errtypes.Locked(key)
	}
	return nil
}
