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

// Package dataset implements the client for the dataset-schema service.
package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/vre-charite/downloadsvc/pkg/httpclient"
)

// Schema standards fetched into full-dataset downloads. The default
// standard replaced the legacy "vre" one; the file prefix of open_minds
// follows the project's spelling.
const (
	StandardDefault   = "default"
	StandardOpenMinds = "open_minds"
)

// FilePrefix returns the staging file prefix of a schema standard.
func FilePrefix(standard string) string {
	if standard == StandardOpenMinds {
		return "openMINDS_"
	}
	return standard + "_"
}

// Schema is one schema definition attached to a dataset.
type Schema struct {
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// Config holds the options for the dataset-schema client.
type Config struct {
	// Endpoint is the base URL of the dataset service.
	Endpoint string `mapstructure:"endpoint"`
	// Standards lists the schema standards written into full-dataset
	// archives.
	Standards []string `mapstructure:"standards"`
	// Timeout bounds a single call, in seconds.
	Timeout int64 `mapstructure:"timeout"`
}

func (c *Config) init() {
	if len(c.Standards) == 0 {
		c.Standards = []string{StandardDefault, StandardOpenMinds}
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// Client talks to the dataset-schema service.
type Client struct {
	conf *Config
	hc   *httpclient.Client
}

// New returns a new dataset-schema client.
func New(conf *Config) *Client {
	conf.init()
	return &Client{
		conf: conf,
		hc:   httpclient.New(httpclient.Timeout(time.Duration(conf.Timeout * int64(time.Second)))),
	}
}

// Standards returns the configured schema standards.
func (c *Client) Standards() []string {
	return c.conf.Standards
}

type listRequest struct {
	DatasetGeid string `json:"dataset_geid"`
	Standard    string `json:"standard"`
	IsDraft     bool   `json:"is_draft"`
}

type listResponse struct {
	Result []*Schema `json:"result"`
}

// ListSchemas returns the published schemas of the dataset for one
// standard.
func (c *Client) ListSchemas(ctx context.Context, datasetGeid, standard string) ([]*Schema, error) {
	body, err := json.Marshal(listRequest{DatasetGeid: datasetGeid, Standard: standard})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.Endpoint+"schema/list", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "dataset: error listing schemas")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("dataset: schema/list returned %d", res.StatusCode)
	}

	var out listResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "dataset: error decoding schema list")
	}
	return out.Result, nil
}
