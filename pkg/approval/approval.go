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

// Package approval reads the entities approved under a copy request from
// the approval database. The orchestrator consults it only when a request
// carries an approval request id.
package approval

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Entity is one row of the approval_entity table.
type Entity struct {
	ID           string
	RequestID    string
	EntityGeid   string
	EntityType   string
	ReviewStatus string
}

// Client queries the approval database.
type Client struct {
	db *sql.DB
}

// New opens the approval database with the given driver and DSN.
func New(driver, dsn string) (*Client, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "approval: error opening database")
	}
	return &Client{db: db}, nil
}

// NewFromDB wraps an existing handle.
func NewFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close closes the underlying handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// GetApprovalEntities returns the entities approved under the given request
// id, keyed by entity geid. An unknown request id yields an empty map, not
// an error; the orchestrator turns the resulting empty file set into a
// validation failure.
func (c *Client) GetApprovalEntities(ctx context.Context, requestID string) (map[string]Entity, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, request_id, entity_geid, entity_type, review_status FROM approval_entity WHERE request_id = ?", requestID)
	if err != nil {
		return nil, errors.Wrap(err, "approval: error querying approval entities")
	}
	defer rows.Close()

	entities := map[string]Entity{}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EntityGeid, &e.EntityType, &e.ReviewStatus); err != nil {
			return nil, errors.Wrap(err, "approval: error scanning approval entity")
		}
		entities[e.EntityGeid] = e
	}
	return entities, rows.Err()
}
