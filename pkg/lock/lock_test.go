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

package lock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vre-charite/downloadsvc/pkg/catalogue"
)

// fakeLockService records lock and unlock calls and can refuse a key.
type fakeLockService struct {
	mu       sync.Mutex
	locked   []string
	unlocked []string
	refuse   map[string]bool
}

func (f *fakeLockService) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body lockRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, OperationRead, body.Operation)

		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			if f.refuse[body.ResourceKey] {
				w.WriteHeader(http.StatusConflict)
				return
			}
			f.locked = append(f.locked, body.ResourceKey)
		case http.MethodDelete:
			f.unlocked = append(f.unlocked, body.ResourceKey)
		}
		_, _ = w.Write([]byte(`{}`))
	})
}

func catalogueServer(t *testing.T, nodes map[string][]*catalogue.Node, children map[string][]*catalogue.Node) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/neo4j/nodes/geid/", func(w http.ResponseWriter, r *http.Request) {
		geid := r.URL.Path[len("/v1/neo4j/nodes/geid/"):]
		list := nodes[geid]
		if list == nil {
			list = []*catalogue.Node{}
		}
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/v2/neo4j/relations/query", func(w http.ResponseWriter, r *http.Request) {
		var q struct {
			Query struct {
				StartParams struct {
					Geid string `json:"global_entity_id"`
				} `json:"start_params"`
			} `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		res := children[q.Query.StartParams.Geid]
		if res == nil {
			res = []*catalogue.Node{}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": res})
	})
	return httptest.NewServer(mux)
}

func newCoordinator(catSrv, lockSrv *httptest.Server) *Coordinator {
	cat := catalogue.New(&catalogue.Config{
		Endpoint:   catSrv.URL + "/v1/neo4j/",
		EndpointV2: catSrv.URL + "/v2/neo4j/",
		Retries:    1,
	})
	return New(&Config{
		Endpoint:       lockSrv.URL + "/v2/",
		GreenZoneLabel: "Greenroom",
		CoreZoneLabel:  "Core",
	}, cat)
}

func TestResourceKeyPrefixes(t *testing.T) {
	c := New(&Config{GreenZoneLabel: "Greenroom", CoreZoneLabel: "Core"}, nil)

	tests := map[string]struct {
		labels   catalogue.Labels
		expected string
	}{
		"no_zone": {catalogue.Labels{"File"}, "any_code/display_path"},
		"green":   {catalogue.Labels{"Greenroom", "File"}, "gr-any_code/display_path"},
		"core":    {catalogue.Labels{"Core", "File"}, "core-any_code/display_path"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			n := &catalogue.Node{Labels: test.labels, DisplayPath: "display_path"}
			assert.Equal(t, test.expected, c.ResourceKey(n, "any_code"))
		})
	}
}

func TestRecursiveLockSingleFile(t *testing.T) {
	lockSvc := &fakeLockService{}
	lockSrv := httptest.NewServer(lockSvc.handler(t))
	defer lockSrv.Close()
	catSrv := catalogueServer(t, map[string][]*catalogue.Node{
		"geid_1": {{Geid: "geid_1", Labels: catalogue.Labels{"File"}, DisplayPath: "display_path", Uploader: "test"}},
	}, nil)
	defer catSrv.Close()

	c := newCoordinator(catSrv, lockSrv)
	locked, err := c.RecursiveLock(context.Background(), "any_code", []string{"geid_1"})
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, Entry{Key: "any_code/display_path", Operation: "read"}, locked[0])
}

func TestRecursiveLockSkipsArchivedNodes(t *testing.T) {
	lockSvc := &fakeLockService{}
	lockSrv := httptest.NewServer(lockSvc.handler(t))
	defer lockSrv.Close()
	catSrv := catalogueServer(t, map[string][]*catalogue.Node{
		"geid_1": {{Geid: "geid_1", Labels: catalogue.Labels{"File"}, DisplayPath: "display_path", Uploader: "test", Archived: true}},
	}, nil)
	defer catSrv.Close()

	c := newCoordinator(catSrv, lockSrv)
	locked, err := c.RecursiveLock(context.Background(), "any_code", []string{"geid_1"})
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestRecursiveLockSkipsHomeFolder(t *testing.T) {
	lockSvc := &fakeLockService{}
	lockSrv := httptest.NewServer(lockSvc.handler(t))
	defer lockSrv.Close()
	catSrv := catalogueServer(t, map[string][]*catalogue.Node{
		"geid_1": {{Geid: "geid_1", Labels: catalogue.Labels{"Folder"}, DisplayPath: "jdoe", Uploader: "jdoe"}},
	}, nil)
	defer catSrv.Close()

	c := newCoordinator(catSrv, lockSrv)
	locked, err := c.RecursiveLock(context.Background(), "any_code", []string{"geid_1"})
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestRecursiveLockWalksFolders(t *testing.T) {
	lockSvc := &fakeLockService{}
	lockSrv := httptest.NewServer(lockSvc.handler(t))
	defer lockSrv.Close()
	catSrv := catalogueServer(t, map[string][]*catalogue.Node{
		"folder_1": {{Geid: "folder_1", Labels: catalogue.Labels{"Folder"}, DisplayPath: "a", Uploader: "test"}},
		"file_1":   {{Geid: "file_1", Labels: catalogue.Labels{"File"}, DisplayPath: "a/b.txt", Uploader: "test"}},
	}, map[string][]*catalogue.Node{
		"folder_1": {{Geid: "file_1", Labels: catalogue.Labels{"File"}}},
	})
	defer catSrv.Close()

	c := newCoordinator(catSrv, lockSrv)
	locked, err := c.RecursiveLock(context.Background(), "any_code", []string{"folder_1"})
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "any_code/a", locked[0].Key)
	assert.Equal(t, "any_code/a/b.txt", locked[1].Key)
}

func TestRecursiveLockKeepsPartialSetOnFailure(t *testing.T) {
	lockSvc := &fakeLockService{refuse: map[string]bool{"any_code/a/c.txt": true}}
	lockSrv := httptest.NewServer(lockSvc.handler(t))
	defer lockSrv.Close()
	catSrv := catalogueServer(t, map[string][]*catalogue.Node{
		"file_1": {{Geid: "file_1", Labels: catalogue.Labels{"File"}, DisplayPath: "a/b.txt", Uploader: "test"}},
		"file_2": {{Geid: "file_2", Labels: catalogue.Labels{"File"}, DisplayPath: "a/c.txt", Uploader: "test"}},
	}, nil)
	defer catSrv.Close()

	c := newCoordinator(catSrv, lockSrv)
	locked, err := c.RecursiveLock(context.Background(), "any_code", []string{"file_1", "file_2"})
	require.Error(t, err)
	// the first acquisition stays in the set so the caller can release it
	require.Len(t, locked, 1)
	assert.Equal(t, "any_code/a/b.txt", locked[0].Key)
}

func TestUnlock(t *testing.T) {
	lockSvc := &fakeLockService{}
	lockSrv := httptest.NewServer(lockSvc.handler(t))
	defer lockSrv.Close()

	c := New(&Config{Endpoint: lockSrv.URL + "/v2/"}, nil)
	require.NoError(t, c.Unlock(context.Background(), "any_code/a/b.txt", OperationRead))
	assert.Equal(t, []string{"any_code/a/b.txt"}, lockSvc.unlocked)
}
