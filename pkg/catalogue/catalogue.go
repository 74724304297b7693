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

// Package catalogue implements the client for the metadata catalogue.
// The catalogue is authoritative for all path, label and archival metadata;
// every call here is an idempotent read.
package catalogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/httpclient"
)

// Kind labels assigned by the catalogue.
const (
	KindFile    = "File"
	KindFolder  = "Folder"
	KindDataset = "Dataset"
)

// Labels is the label set of a node. The catalogue serialises it either as
// a list or, on some legacy nodes, as a bare string.
type Labels []string

// UnmarshalJSON accepts both the list and the bare string form.
func (l *Labels) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = Labels{s}
	return nil
}

// Contains reports whether the label set contains the given label.
func (l Labels) Contains(label string) bool {
	for _, v := range l {
		if v == label {
			return true
		}
	}
	return false
}

// Node is the common envelope for catalogue entities. File and Folder nodes
// share the same shape and are told apart by their labels.
type Node struct {
	Geid        string `json:"global_entity_id"`
	Labels      Labels `json:"labels"`
	Location    string `json:"location"`
	FullPath    string `json:"full_path"`
	DisplayPath string `json:"display_path"`
	Uploader    string `json:"uploader"`
	Operator    string `json:"operator"`
	Archived    bool   `json:"archived"`
	Code        string `json:"code"`
	ProjectCode string `json:"project_code"`
	DatasetCode string `json:"dataset_code"`
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool {
	return n.Labels.Contains(KindFolder)
}

// IsFile reports whether the node is a file leaf.
func (n *Node) IsFile() bool {
	return n.Labels.Contains(KindFile)
}

// Config holds the options for the catalogue client.
type Config struct {
	// Endpoint is the base URL of the v1 catalogue API.
	Endpoint string `mapstructure:"endpoint"`
	// EndpointV2 is the base URL of the v2 relation-query API.
	EndpointV2 string `mapstructure:"endpoint_v2"`
	// Timeout bounds a single catalogue call, in seconds.
	Timeout int64 `mapstructure:"timeout"`
	// Retries is the number of retries on transient errors.
	Retries uint64 `mapstructure:"retries"`
}

func (c *Config) init() {
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
}

// Client talks to the metadata catalogue.
type Client struct {
	conf *Config
	hc   *httpclient.Client
}

// New returns a new catalogue client.
func New(conf *Config) *Client {
	conf.init()
	return &Client{
		conf: conf,
		hc:   httpclient.New(httpclient.Timeout(time.Duration(conf.Timeout * int64(time.Second)))),
	}
}

// GetNodesByGeid looks an entity up by its global entity id. The catalogue
// answers with a list; legacy entities can resolve to several snapshots of
// the same node. An empty list is reported as errtypes.NotFound.
func (c *Client) GetNodesByGeid(ctx context.Context, geid string) ([]*Node, error) {
	var nodes []*Node
	url := fmt.Sprintf("%snodes/geid/%s", c.conf.Endpoint, geid)
	if err := c.getJSON(ctx, url, &nodes); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errtypes.NotFound(geid)
	}
	return nodes, nil
}

// GetNodeByGeid is like GetNodesByGeid but returns the first node.
func (c *Client) GetNodeByGeid(ctx context.Context, geid string) (*Node, error) {
	nodes, err := c.GetNodesByGeid(ctx, geid)
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// relationQuery is the body of a v2 relations/query call.
type relationQuery struct {
	StartLabel string   `json:"start_label"`
	EndLabels  []string `json:"end_labels"`
	Query      struct {
		StartParams struct {
			Geid string `json:"global_entity_id"`
		} `json:"start_params"`
		EndParams struct {
			Archived bool `json:"archived"`
		} `json:"end_params"`
	} `json:"query"`
}

type relationResult struct {
	Results []*Node `json:"results"`
}

// Children returns the one-hop non-archived descendants of the given start
// node. The lock coordinator uses it to walk trees depth-first.
func (c *Client) Children(ctx context.Context, startLabel, geid string) ([]*Node, error) {
	q := relationQuery{StartLabel: startLabel, EndLabels: []string{KindFile, KindFolder}}
	q.Query.StartParams.Geid = geid
	q.Query.EndParams.Archived = false

	var res relationResult
	url := c.conf.EndpointV2 + "relations/query"
	if err := c.postJSON(ctx, url, q, &res); err != nil {
		return nil, err
	}
	return res.Results, nil
}

// ExpandFolder walks the subtree under a folder node and returns its file
// leaves. The walk is iterative and keeps a visited set so that a cyclic
// relation in the catalogue cannot wedge the service.
func (c *Client) ExpandFolder(ctx context.Context, geid string) ([]*Node, error) {
	var files []*Node
	visited := map[string]bool{geid: true}
	stack := []string{geid}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := c.Children(ctx, KindFolder, current)
		if err != nil {
			return nil, err
		}
		for _, n := range children {
			if visited[n.Geid] {
				continue
			}
			visited[n.Geid] = true
			if n.IsFile() {
				files = append(files, n)
			} else {
				stack = append(stack, n.Geid)
			}
		}
	}
	return files, nil
}

// DatasetNodes returns the non-archived file and folder nodes of a dataset.
func (c *Client) DatasetNodes(ctx context.Context, datasetGeid string) ([]*Node, error) {
	return c.Children(ctx, KindDataset, datasetGeid)
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.roundTrip(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, url, out)
}

func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "catalogue: error encoding query")
	}
	return c.roundTrip(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, url, out)
}

func (c *Client) roundTrip(ctx context.Context, newReq func() (*http.Request, error), url string, out interface{}) error {
	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errtypes.NotFound(url))
		case res.StatusCode != http.StatusOK:
			// 5xx responses are worth another try
			if res.StatusCode >= http.StatusInternalServerError {
				return errors.Errorf("catalogue: %s returned %d", url, res.StatusCode)
			}
			return backoff.Permanent(errors.Errorf("catalogue: %s returned %d", url, res.StatusCode))
		}

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(errors.Wrapf(err, "catalogue: error decoding response from %s", url))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.conf.Retries), ctx)
	return backoff.Retry(op, bo)
}
