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

// Package jobstatus persists download-job state in a key-value store.
// The store is not the source of truth for any metadata, only for
// ephemeral job state; records are written under colon-separated compound
// keys and looked up by prefix, with "*" matching any value in a segment.
package jobstatus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Action is the job action recorded in status keys.
const Action = "data_download"

// KeyPrefix namespaces every record written by this service.
const KeyPrefix = "dataaction"

// Statuses of a download job.
const (
	StatusInit      = "INIT"
	StatusCancelled = "CANCELLED"
	StatusZipping   = "ZIPPING"
	StatusReady     = "READY_FOR_DOWNLOADING"
	StatusSucceed   = "SUCCEED"
)

// Record is the serialised form of a download job.
type Record struct {
	SessionID       string                 `json:"session_id"`
	JobID           string                 `json:"job_id"`
	Geid            string                 `json:"geid"`
	Source          string                 `json:"source"`
	Action          string                 `json:"action"`
	Status          string                 `json:"status"`
	ProjectCode     string                 `json:"project_code"`
	Operator        string                 `json:"operator"`
	Progress        int                    `json:"progress"`
	Payload         map[string]interface{} `json:"payload"`
	UpdateTimestamp string                 `json:"update_timestamp"`
}

// Store is the thin interface over the key-value backend.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	// MGetByPrefix returns the values of every key matching prefix + "*".
	MGetByPrefix(ctx context.Context, prefix string) ([][]byte, error)
	// MDeleteByPrefix removes every key matching prefix + "*".
	MDeleteByPrefix(ctx context.Context, prefix string) error
}

// Key builds the compound key of a record.
func Key(sessionID, jobID, action, code, operator, source string) string {
	return strings.Join([]string{KeyPrefix, sessionID, jobID, action, code, operator, source}, ":")
}

// Manager reads and writes status records through a Store.
type Manager struct {
	store Store

	// Zone and FrontendZone are stamped into every record payload.
	Zone         string
	FrontendZone string
}

// NewManager returns a manager persisting records in the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// SetStatus upserts the record for the given job coordinates. The payload
// map is stamped with the configured zone fields and the record with the
// current timestamp.
func (m *Manager) SetStatus(ctx context.Context, r Record) (*Record, error) {
	if r.Payload == nil {
		r.Payload = map[string]interface{}{}
	}
	if m.Zone != "" {
		r.Payload["zone"] = m.Zone
		r.Payload["frontend_zone"] = m.FrontendZone
	}
	r.Action = Action
	r.UpdateTimestamp = strconv.FormatInt(time.Now().Unix(), 10)

	value, err := json.Marshal(&r)
	if err != nil {
		return nil, errors.Wrap(err, "jobstatus: error encoding record")
	}
	key := Key(r.SessionID, r.JobID, r.Action, r.ProjectCode, r.Operator, r.Source)
	if err := m.store.Set(ctx, key, value); err != nil {
		return nil, errors.Wrap(err, "jobstatus: error writing record")
	}
	return &r, nil
}

// GetStatus returns the records matching the given coordinates. The job id
// may be "*" to match every job of the session.
func (m *Manager) GetStatus(ctx context.Context, sessionID, jobID, code, operator string) ([]*Record, error) {
	prefix := strings.Join([]string{KeyPrefix, sessionID, jobID, Action, code, operator}, ":")
	values, err := m.store.MGetByPrefix(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "jobstatus: error reading records")
	}

	records := []*Record{}
	for _, v := range values {
		r := &Record{}
		if err := json.Unmarshal(v, r); err != nil {
			return nil, errors.Wrap(err, "jobstatus: error decoding record")
		}
		records = append(records, r)
	}
	return records, nil
}

// DeleteBySession removes every record of the given session under the
// download action.
func (m *Manager) DeleteBySession(ctx context.Context, sessionID string) error {
	prefix := strings.Join([]string{KeyPrefix, sessionID, "*", Action}, ":")
	return m.store.MDeleteByPrefix(ctx, prefix)
}

// MatchPattern reports whether a key matches a glob pattern where "*"
// matches any run of characters. Backends without native glob matching use
// it to filter scanned keys.
func MatchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}
