// Copyright 2018-2023 CERN
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

package manager

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/approval"
	"github.com/vre-charite/downloadsvc/pkg/catalogue"
	"github.com/vre-charite/downloadsvc/pkg/dataset"
	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/events"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus/memory"
	"github.com/vre-charite/downloadsvc/pkg/lock"
	"github.com/vre-charite/downloadsvc/pkg/pool"
	"github.com/vre-charite/downloadsvc/pkg/storage"
	tokenjwt "github.com/vre-charite/downloadsvc/pkg/token/manager/jwt"
)

// fakeGateway serves objects from memory; keys are "bucket/key".
type fakeGateway struct {
	objects map[string]string
}

func (g *fakeGateway) FGet(_ context.Context, bucket, key, dst string) error {
	content, ok := g.objects[bucket+"/"+key]
	if !ok {
		return errtypes.NotFound(bucket + "/" + key)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(content), 0644)
}

func (g *fakeGateway) Stat(_ context.Context, bucket, key string) (int64, error) {
	content, ok := g.objects[bucket+"/"+key]
	if !ok {
		return 0, errtypes.NotFound(bucket + "/" + key)
	}
	return int64(len(content)), nil
}

func (g *fakeGateway) GetStream(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	content, ok := g.objects[bucket+"/"+key]
	if !ok {
		return nil, errtypes.NotFound(bucket + "/" + key)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

// fixture wires a manager against fake collaborators.
type fixture struct {
	manager  *Manager
	status   *jobstatus.Manager
	gateway  *fakeGateway
	lockSvc  *fakeLockService
	events   *fakeBroker
	catNodes map[string][]*catalogue.Node
	children map[string][]*catalogue.Node
	schemas  map[string][]map[string]interface{}
	servers  []*httptest.Server
}

type fakeLockService struct {
	mu       sync.Mutex
	locked   []string
	unlocked []string
	refuse   map[string]bool
}

func (f *fakeLockService) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.locked...), append([]string{}, f.unlocked...)
}

type fakeBroker struct {
	mu     sync.Mutex
	events []events.ActivityEvent
}

func (b *fakeBroker) published() []events.ActivityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.ActivityEvent{}, b.events...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gateway:  &fakeGateway{objects: map[string]string{}},
		lockSvc:  &fakeLockService{refuse: map[string]bool{}},
		events:   &fakeBroker{},
		catNodes: map[string][]*catalogue.Node{},
		children: map[string][]*catalogue.Node{},
		schemas:  map[string][]map[string]interface{}{},
	}

	catMux := http.NewServeMux()
	catMux.HandleFunc("/v1/neo4j/nodes/geid/", func(w http.ResponseWriter, r *http.Request) {
		geid := r.URL.Path[len("/v1/neo4j/nodes/geid/"):]
		nodes := f.catNodes[geid]
		if nodes == nil {
			nodes = []*catalogue.Node{}
		}
		_ = json.NewEncoder(w).Encode(nodes)
	})
	catMux.HandleFunc("/v2/neo4j/relations/query", func(w http.ResponseWriter, r *http.Request) {
		var q struct {
			Query struct {
				StartParams struct {
					Geid string `json:"global_entity_id"`
				} `json:"start_params"`
			} `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&q)
		res := f.children[q.Query.StartParams.Geid]
		if res == nil {
			res = []*catalogue.Node{}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": res})
	})
	catSrv := httptest.NewServer(catMux)
	f.servers = append(f.servers, catSrv)

	lockSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ResourceKey string `json:"resource_key"`
			Operation   string `json:"operation"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lockSvc.mu.Lock()
		defer f.lockSvc.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			if f.lockSvc.refuse[body.ResourceKey] {
				w.WriteHeader(http.StatusConflict)
				return
			}
			f.lockSvc.locked = append(f.lockSvc.locked, body.ResourceKey)
		case http.MethodDelete:
			f.lockSvc.unlocked = append(f.lockSvc.unlocked, body.ResourceKey)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	f.servers = append(f.servers, lockSrv)

	datasetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Standard string `json:"standard"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		res := f.schemas[body.Standard]
		if res == nil {
			res = []map[string]interface{}{}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": res})
	}))
	f.servers = append(f.servers, datasetSrv)

	brokerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev events.ActivityEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.events.mu.Lock()
		f.events.events = append(f.events.events, ev)
		f.events.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	f.servers = append(f.servers, brokerSrv)

	cat := catalogue.New(&catalogue.Config{
		Endpoint:   catSrv.URL + "/v1/neo4j/",
		EndpointV2: catSrv.URL + "/v2/neo4j/",
		Retries:    1,
	})

	store, err := memory.New(nil)
	require.NoError(t, err)
	f.status = jobstatus.NewManager(store)

	tokens, err := tokenjwt.New(map[string]interface{}{"secret": "indoc101"})
	require.NoError(t, err)

	f.manager = New(&Config{
		StagingRoot:     t.TempDir(),
		TokenTTLMinutes: 5,
	}, Options{
		Catalogue: cat,
		Locks:     lock.New(&lock.Config{Endpoint: lockSrv.URL + "/v2/", GreenZoneLabel: "Greenroom", CoreZoneLabel: "Core"}, cat),
		Gateway:   func(appctx.AuthTokens) (storage.Gateway, error) { return f.gateway, nil },
		Status:    f.status,
		Tokens:    tokens,
		Events:    events.New(&events.Config{BrokerEndpoint: brokerSrv.URL + "/v1/"}),
		Datasets:  dataset.New(&dataset.Config{Endpoint: datasetSrv.URL + "/v1/"}),
		Pool:      pool.New(1, 8, zerolog.Nop()),
		Log:       zerolog.Nop(),
	})

	t.Cleanup(func() {
		f.manager.pool.Stop()
		for _, s := range f.servers {
			s.Close()
		}
	})
	return f
}

func (f *fixture) waitForTerminalStatus(t *testing.T, sessionID, code, operator string) *jobstatus.Record {
	t.Helper()
	var final *jobstatus.Record
	require.Eventually(t, func() bool {
		records, err := f.status.GetStatus(context.Background(), sessionID, "*", code, operator)
		if err != nil {
			return false
		}
		for _, r := range records {
			if r.Status != jobstatus.StatusZipping {
				final = r
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	return final
}

func fileNode(geid, displayPath, location string, labels ...string) *catalogue.Node {
	if len(labels) == 0 {
		labels = []string{"File"}
	}
	return &catalogue.Node{
		Geid:        geid,
		Labels:      catalogue.Labels(labels),
		Location:    location,
		DisplayPath: displayPath,
		Uploader:    "uploader",
		ProjectCode: "proj",
	}
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, e := range r.File {
		if !e.FileInfo().IsDir() {
			names = append(names, e.Name)
		}
	}
	return names
}

func TestPreDownloadRequiresCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.PreDownload(context.Background(), Request{
		Files:     []FileRef{{Geid: "geid_1"}},
		Operator:  "me",
		SessionID: "123",
	})
	assert.Equal(t, ErrMissingCode, err)
}

func TestPreDownloadRequiresFiles(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.PreDownload(context.Background(), Request{
		Operator:    "me",
		SessionID:   "123",
		ProjectCode: "proj",
	})
	assert.Equal(t, ErrInvalidFileAmount, err)
}

// single non-folder file: staged under the tmp folder, no archive
func TestSingleFileJob(t *testing.T) {
	f := newFixture(t)
	f.catNodes["geid_1"] = []*catalogue.Node{fileNode("geid_1", "a/b.txt", "http://h/bucket/a/b.txt")}
	f.gateway.objects["bucket/a/b.txt"] = "content b"

	record, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "geid_1"}},
		Operator:    "me",
		SessionID:   "123",
		ProjectCode: "proj",
	})
	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusZipping, record.Status)
	assert.True(t, strings.HasSuffix(record.Source, "/a/b.txt"), record.Source)
	assert.Contains(t, record.Source, "proj_")
	assert.NotEmpty(t, record.Payload["hash_code"])

	final := f.waitForTerminalStatus(t, "123", "proj", "me")
	assert.Equal(t, jobstatus.StatusReady, final.Status)

	content, err := os.ReadFile(final.Source)
	require.NoError(t, err)
	assert.Equal(t, "content b", string(content))

	locked, _ := f.lockSvc.snapshot()
	assert.Equal(t, []string{"proj/a/b.txt"}, locked)
	require.Eventually(t, func() bool {
		_, unlocked := f.lockSvc.snapshot()
		return len(unlocked) == 1 && unlocked[0] == "proj/a/b.txt"
	}, 5*time.Second, 20*time.Millisecond)
}

// the minted hash code decodes to claims matching the record
func TestHashCodeMatchesRecord(t *testing.T) {
	f := newFixture(t)
	f.catNodes["geid_1"] = []*catalogue.Node{fileNode("geid_1", "a/b.txt", "http://h/bucket/a/b.txt")}
	f.gateway.objects["bucket/a/b.txt"] = "content b"

	record, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "geid_1"}},
		Operator:    "me",
		SessionID:   "123",
		ProjectCode: "proj",
	})
	require.NoError(t, err)

	claims, err := f.manager.Tokens().VerifyDownload(record.Payload["hash_code"].(string))
	require.NoError(t, err)
	assert.Equal(t, record.SessionID, claims.SessionID)
	assert.Equal(t, record.JobID, claims.JobID)
	assert.Equal(t, record.ProjectCode, claims.ProjectCode)
	assert.Equal(t, record.Operator, claims.Operator)
	assert.Equal(t, record.Geid, claims.Geid)
	assert.Equal(t, record.Source, claims.FullPath)
}

// folder with two files: archive rooted at the tmp folder with both entries
func TestFolderJobProducesArchive(t *testing.T) {
	f := newFixture(t)
	f.catNodes["folder_1"] = []*catalogue.Node{{
		Geid: "folder_1", Labels: catalogue.Labels{"Folder"}, DisplayPath: "a", Uploader: "uploader",
	}}
	f.catNodes["file_1"] = []*catalogue.Node{fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt")}
	f.catNodes["file_2"] = []*catalogue.Node{fileNode("file_2", "a/c.txt", "http://h/bucket/a/c.txt")}
	f.children["folder_1"] = []*catalogue.Node{
		fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt"),
		fileNode("file_2", "a/c.txt", "http://h/bucket/a/c.txt"),
	}
	f.gateway.objects["bucket/a/b.txt"] = "content b"
	f.gateway.objects["bucket/a/c.txt"] = "content c"

	record, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "folder_1"}},
		Operator:    "me",
		SessionID:   "123",
		ProjectCode: "proj",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(record.Source, ".zip"), record.Source)

	final := f.waitForTerminalStatus(t, "123", "proj", "me")
	require.Equal(t, jobstatus.StatusReady, final.Status)

	entries := zipEntries(t, final.Source)
	assert.ElementsMatch(t, []string{"a/b.txt", "a/c.txt"}, entries)
}

// a missing object is skipped, the archive carries the remaining entries
func TestMissingObjectIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.catNodes["file_1"] = []*catalogue.Node{fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt")}
	f.catNodes["file_2"] = []*catalogue.Node{fileNode("file_2", "a/c.txt", "http://h/bucket/a/c.txt")}
	f.gateway.objects["bucket/a/b.txt"] = "content b"
	// bucket/a/c.txt deliberately absent

	_, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "file_1"}, {Geid: "file_2"}},
		Operator:    "me",
		SessionID:   "123",
		ProjectCode: "proj",
	})
	require.NoError(t, err)

	final := f.waitForTerminalStatus(t, "123", "proj", "me")
	require.Equal(t, jobstatus.StatusReady, final.Status)

	entries := zipEntries(t, final.Source)
	assert.Equal(t, []string{"a/b.txt"}, entries)
}

// a refused lock cancels the job and the earlier lock is still released
func TestLockFailureCancelsAndReleases(t *testing.T) {
	f := newFixture(t)
	f.catNodes["file_1"] = []*catalogue.Node{fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt")}
	f.catNodes["file_2"] = []*catalogue.Node{fileNode("file_2", "a/c.txt", "http://h/bucket/a/c.txt")}
	f.gateway.objects["bucket/a/b.txt"] = "content b"
	f.gateway.objects["bucket/a/c.txt"] = "content c"
	f.lockSvc.refuse["proj/a/c.txt"] = true

	_, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "file_1"}, {Geid: "file_2"}},
		Operator:    "me",
		SessionID:   "123",
		ProjectCode: "proj",
	})
	require.NoError(t, err)

	final := f.waitForTerminalStatus(t, "123", "proj", "me")
	assert.Equal(t, jobstatus.StatusCancelled, final.Status)
	assert.NotEmpty(t, final.Payload["error_msg"])

	locked, _ := f.lockSvc.snapshot()
	assert.Equal(t, []string{"proj/a/b.txt"}, locked)
	require.Eventually(t, func() bool {
		_, unlocked := f.lockSvc.snapshot()
		return len(unlocked) == 1 && unlocked[0] == "proj/a/b.txt"
	}, 5*time.Second, 20*time.Millisecond)
}

// archived nodes never enter files_to_zip
func TestArchivedNodesAreSkipped(t *testing.T) {
	f := newFixture(t)
	archived := fileNode("file_1", "a/old.txt", "http://h/bucket/a/old.txt")
	archived.Archived = true
	live := fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt")
	f.catNodes["file_1"] = []*catalogue.Node{archived, live}
	f.gateway.objects["bucket/a/b.txt"] = "content b"

	record, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "file_1"}},
		Operator:    "me",
		SessionID:   "123",
		ProjectCode: "proj",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(record.Source, "/a/b.txt"), record.Source)
}

// only entities approved under the request id survive resolution
func TestApprovalFilterRestrictsFiles(t *testing.T) {
	f := newFixture(t)
	f.catNodes["file_1"] = []*catalogue.Node{fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt")}
	f.catNodes["file_2"] = []*catalogue.Node{fileNode("file_2", "a/c.txt", "http://h/bucket/a/c.txt")}
	f.gateway.objects["bucket/a/b.txt"] = "content b"
	f.gateway.objects["bucket/a/c.txt"] = "content c"

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "approval.sqlite"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE approval_entity (
		id TEXT PRIMARY KEY, request_id TEXT, entity_geid TEXT, entity_type TEXT, review_status TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO approval_entity VALUES ('id-1', 'req-1', 'file_1', 'file', 'approved')`)
	require.NoError(t, err)
	f.manager.approvals = approval.NewFromDB(db)

	record, err := f.manager.PreDownload(context.Background(), Request{
		Files:             []FileRef{{Geid: "file_1"}, {Geid: "file_2"}},
		Operator:          "me",
		SessionID:         "123",
		ProjectCode:       "proj",
		ApprovalRequestID: "req-1",
	})
	require.NoError(t, err)

	// only the approved file made it into the job
	assert.True(t, strings.HasSuffix(record.Source, "/a/b.txt"), record.Source)
	assert.Equal(t, "file_1", record.Geid)
}

// an unknown approval request empties the file set and fails validation
func TestApprovalFilterUnknownRequestRejects(t *testing.T) {
	f := newFixture(t)
	f.catNodes["file_1"] = []*catalogue.Node{fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt")}

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "approval.sqlite"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE approval_entity (
		id TEXT PRIMARY KEY, request_id TEXT, entity_geid TEXT, entity_type TEXT, review_status TEXT)`)
	require.NoError(t, err)
	f.manager.approvals = approval.NewFromDB(db)

	_, err = f.manager.PreDownload(context.Background(), Request{
		Files:             []FileRef{{Geid: "file_1"}},
		Operator:          "me",
		SessionID:         "123",
		ProjectCode:       "proj",
		ApprovalRequestID: "req-unknown",
	})
	assert.Equal(t, ErrEmptyFolder, err)
}

// full dataset: schema artifacts staged next to the data and archived
func TestFullDatasetWritesSchemas(t *testing.T) {
	f := newFixture(t)
	f.catNodes["ds_geid"] = []*catalogue.Node{{Geid: "ds_geid", Labels: catalogue.Labels{"Dataset"}, Code: "ds_code"}}
	f.catNodes["file_1"] = []*catalogue.Node{func() *catalogue.Node {
		n := fileNode("file_1", "a/b.txt", "http://h/bucket/a/b.txt")
		n.DatasetCode = "ds_code"
		return n
	}()}
	f.gateway.objects["bucket/a/b.txt"] = "content b"
	f.schemas[dataset.StandardDefault] = []map[string]interface{}{
		{"name": "essential.schema.json", "content": map[string]interface{}{"title": "unité"}},
	}
	f.schemas[dataset.StandardOpenMinds] = []map[string]interface{}{
		{"name": "person.jsonld", "content": map[string]interface{}{"@type": "Person"}},
	}

	_, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "file_1"}},
		Operator:    "me",
		SessionID:   "123",
		DatasetGeid: "ds_geid",
		Type:        TypeFullDataset,
	})
	require.NoError(t, err)

	final := f.waitForTerminalStatus(t, "123", "ds_geid", "me")
	require.Equal(t, jobstatus.StatusReady, final.Status)
	require.True(t, strings.HasSuffix(final.Source, ".zip"))

	tmpFolder := strings.TrimSuffix(final.Source, ".zip")
	defaultSchema, err := os.ReadFile(filepath.Join(tmpFolder, "default_essential.schema.json"))
	require.NoError(t, err)
	assert.Contains(t, string(defaultSchema), "unité")
	_, err = os.Stat(filepath.Join(tmpFolder, "openMINDS_person.jsonld"))
	require.NoError(t, err)

	entries := zipEntries(t, final.Source)
	assert.Contains(t, entries, "a/b.txt")
	assert.Contains(t, entries, "default_essential.schema.json")
	assert.Contains(t, entries, "openMINDS_person.jsonld")
}

// dataset file downloads emit the activity event with derived file names
func TestDatasetFilesPublishesActivity(t *testing.T) {
	f := newFixture(t)
	f.catNodes["ds_geid"] = []*catalogue.Node{{Geid: "ds_geid", Labels: catalogue.Labels{"Dataset"}, Code: "ds_code"}}
	node := fileNode("file_1", "a/b.txt", "minio://http://h:9000/bucket/user/a/b.txt")
	node.DatasetCode = "ds_code"
	f.catNodes["file_1"] = []*catalogue.Node{node}
	f.gateway.objects["bucket/user/a/b.txt"] = "content b"

	_, err := f.manager.PreDownload(context.Background(), Request{
		Files:       []FileRef{{Geid: "file_1"}},
		Operator:    "me",
		SessionID:   "123",
		DatasetGeid: "ds_geid",
		Type:        TypeDatasetFiles,
	})
	require.NoError(t, err)

	final := f.waitForTerminalStatus(t, "123", "ds_geid", "me")
	require.Equal(t, jobstatus.StatusReady, final.Status)

	require.Eventually(t, func() bool {
		return len(f.events.published()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	ev := f.events.published()[0]
	assert.Equal(t, events.TypeDatasetFileDownloadSucceed, ev.EventType)
	assert.Equal(t, "ds_geid", ev.Payload.DatasetGeid)
	assert.Equal(t, []interface{}{"a/b.txt"}, ev.Payload.Detail.Source)
}
