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

package approval_test

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vre-charite/downloadsvc/pkg/approval"
)

var _ = Describe("Approval client", func() {
	var (
		db         *sql.DB
		testDBFile *os.File
		client     *approval.Client

		insertEntitySQL = `INSERT INTO approval_entity (id, request_id, entity_geid, entity_type, review_status) VALUES (?, ?, ?, ?, ?)`
	)

	BeforeEach(func() {
		var err error
		testDBFile, err = os.CreateTemp("", "approval-test-*.sqlite")
		Expect(err).ToNot(HaveOccurred())

		db, err = sql.Open("sqlite3", testDBFile.Name())
		Expect(err).ToNot(HaveOccurred())

		_, err = db.Exec(`CREATE TABLE approval_entity (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			entity_geid TEXT NOT NULL,
			entity_type TEXT,
			review_status TEXT
		)`)
		Expect(err).ToNot(HaveOccurred())

		_, err = db.Exec(insertEntitySQL, "id-1", "req-1", "geid_1", "file", "approved")
		Expect(err).ToNot(HaveOccurred())
		_, err = db.Exec(insertEntitySQL, "id-2", "req-1", "geid_2", "file", "approved")
		Expect(err).ToNot(HaveOccurred())
		_, err = db.Exec(insertEntitySQL, "id-3", "req-2", "geid_3", "folder", "denied")
		Expect(err).ToNot(HaveOccurred())

		client = approval.NewFromDB(db)
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		os.Remove(testDBFile.Name())
	})

	Describe("GetApprovalEntities", func() {
		It("returns the entities of the request keyed by geid", func() {
			entities, err := client.GetApprovalEntities(context.Background(), "req-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(entities).To(HaveLen(2))
			Expect(entities).To(HaveKey("geid_1"))
			Expect(entities).To(HaveKey("geid_2"))
			Expect(entities["geid_1"].ReviewStatus).To(Equal("approved"))
		})

		It("returns an empty map for an unknown request id", func() {
			entities, err := client.GetApprovalEntities(context.Background(), "req-unknown")
			Expect(err).ToNot(HaveOccurred())
			Expect(entities).To(BeEmpty())
		})
	})
})
