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

// Package events publishes structured activity events to the activity-log
// bus and download records to the provenance service.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vre-charite/downloadsvc/pkg/httpclient"
)

// Event types emitted by the download pipeline.
const (
	TypeDatasetDownloadSucceed     = "DATASET_DOWNLOAD_SUCCEED"
	TypeDatasetFileDownloadSucceed = "DATASET_FILEDOWNLOAD_SUCCEED"
)

// ActionDownload is the action recorded on activity events.
const ActionDownload = "DOWNLOAD"

// Exchange addresses an exchange on the activity bus.
type Exchange struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Detail carries the event source entries.
type Detail struct {
	Source interface{} `json:"source"`
}

// ActivityPayload is the payload of an activity event.
type ActivityPayload struct {
	DatasetGeid string `json:"dataset_geid,omitempty"`
	ProjectCode string `json:"project_code,omitempty"`
	ActGeid     string `json:"act_geid"`
	Operator    string `json:"operator"`
	Action      string `json:"action"`
	Resource    string `json:"resource"`
	Detail      Detail `json:"detail"`
}

// ActivityEvent is the wire form published to the bus.
type ActivityEvent struct {
	EventType  string          `json:"event_type"`
	Payload    ActivityPayload `json:"payload"`
	Queue      string          `json:"queue"`
	RoutingKey string          `json:"routing_key"`
	Exchange   Exchange        `json:"exchange"`
}

// AuditEntry is the download record written to the provenance service on
// redemption.
type AuditEntry struct {
	Action      string                 `json:"action"`
	Operator    string                 `json:"operator"`
	Target      string                 `json:"target"`
	Outcome     string                 `json:"outcome"`
	Resource    string                 `json:"resource"`
	DisplayName string                 `json:"display_name"`
	ProjectCode string                 `json:"project_code"`
	Extra       map[string]interface{} `json:"extra"`
}

// OperationLog is the file-operation record written to the data-ops
// service on redemption.
type OperationLog struct {
	OperationType  string `json:"operation_type"`
	Owner          string `json:"owner"`
	Operator       string `json:"operator"`
	InputFilePath  string `json:"input_file_path"`
	OutputFilePath string `json:"output_file_path"`
	FileSize       int64  `json:"file_size"`
	ProjectCode    string `json:"project_code"`
	GenerateID     string `json:"generate_id"`
}

// Config holds the options for the publisher.
type Config struct {
	// BrokerEndpoint is the base URL of the activity bus broker.
	BrokerEndpoint string `mapstructure:"broker_endpoint"`
	// ProvenanceEndpoint is the base URL of the provenance service.
	ProvenanceEndpoint string `mapstructure:"provenance_endpoint"`
	// DataOpsEndpoint is the base URL of the data-ops service.
	DataOpsEndpoint string `mapstructure:"dataops_endpoint"`
	// Queue and Exchange address the dataset activity log.
	Queue        string `mapstructure:"queue"`
	ExchangeName string `mapstructure:"exchange_name"`
	ExchangeType string `mapstructure:"exchange_type"`
	// Timeout bounds a single publish, in seconds.
	Timeout int64 `mapstructure:"timeout"`
}

func (c *Config) init() {
	if c.Queue == "" {
		c.Queue = "dataset_actlog"
	}
	if c.ExchangeName == "" {
		c.ExchangeName = "DATASET_ACTS"
	}
	if c.ExchangeType == "" {
		c.ExchangeType = "fanout"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// Publisher emits events to the bus and records to the provenance and
// data-ops services.
type Publisher struct {
	conf *Config
	hc   *httpclient.Client
}

// New returns a new publisher.
func New(conf *Config) *Publisher {
	conf.init()
	return &Publisher{
		conf: conf,
		hc:   httpclient.New(httpclient.Timeout(time.Duration(conf.Timeout * int64(time.Second)))),
	}
}

// PublishActivity publishes a dataset activity event to the bus. The event
// is stamped with a fresh activity id and the configured queue and
// exchange.
func (p *Publisher) PublishActivity(ctx context.Context, eventType string, payload ActivityPayload) error {
	payload.ActGeid = uuid.NewString()
	if payload.Action == "" {
		payload.Action = ActionDownload
	}
	ev := ActivityEvent{
		EventType: eventType,
		Payload:   payload,
		Queue:     p.conf.Queue,
		Exchange:  Exchange{Name: p.conf.ExchangeName, Type: p.conf.ExchangeType},
	}
	return p.post(ctx, p.conf.BrokerEndpoint+"broker/pub", ev)
}

// RecordDownload writes the audit entry to the provenance service and the
// operation log to the data-ops service.
func (p *Publisher) RecordDownload(ctx context.Context, entry AuditEntry, oplog OperationLog) error {
	if entry.Extra == nil {
		entry.Extra = map[string]interface{}{}
	}
	if err := p.post(ctx, p.conf.DataOpsEndpoint+"file/actions/logs", oplog); err != nil {
		return err
	}
	return p.post(ctx, p.conf.ProvenanceEndpoint+"audit-logs", entry)
}

func (p *Publisher) post(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "events: error encoding event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "events: error publishing to %s", url)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return errors.Errorf("events: %s returned %d: %s", url, res.StatusCode, string(msg))
	}
	return nil
}
