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

package download

import (
	"encoding/json"
	"net/http"

	"github.com/vre-charite/downloadsvc/internal/http/services/download/manager"
	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/events"
)

type preDownloadBody struct {
	Files              []manager.FileRef `json:"files"`
	Operator           string            `json:"operator"`
	SessionID          string            `json:"session_id"`
	ProjectCode        string            `json:"project_code"`
	DatasetGeid        string            `json:"dataset_geid"`
	DatasetDescription bool              `json:"dataset_description"`
	ApprovalRequestID  string            `json:"approval_request_id"`
}

type datasetPreBody struct {
	DatasetGeid string `json:"dataset_geid"`
	Operator    string `json:"operator"`
	SessionID   string `json:"session_id"`
}

func authFromRequest(r *http.Request) appctx.AuthTokens {
	return appctx.AuthTokens{
		AccessToken:  r.Header.Get("Authorization"),
		RefreshToken: r.Header.Get("Refresh-Token"),
	}
}

// handlePreDownloadLegacy serves POST /v1/download/pre/: entities addressed
// by filesystem paths, staged and zipped locally.
func (s *svc) handlePreDownloadLegacy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body preDownloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.manager.PreDownloadLegacy(ctx, manager.Request{
		Files:       body.Files,
		Operator:    body.Operator,
		SessionID:   body.SessionID,
		ProjectCode: body.ProjectCode,
		Type:        manager.TypeProjectFiles,
	})
	if err != nil {
		classifyError(ctx, w, err)
		return
	}
	writeResult(w, record)
}

// handlePreDownload serves POST /v2/download/pre/: entities resolved
// through the catalogue and staged from the object store.
func (s *svc) handlePreDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body preDownloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	downloadType := manager.TypeProjectFiles
	switch {
	case body.DatasetDescription:
		downloadType = manager.TypeFullDataset
	case body.DatasetGeid != "":
		downloadType = manager.TypeDatasetFiles
	}

	record, err := s.manager.PreDownload(ctx, manager.Request{
		Files:             body.Files,
		Operator:          body.Operator,
		SessionID:         body.SessionID,
		ProjectCode:       body.ProjectCode,
		DatasetGeid:       body.DatasetGeid,
		ApprovalRequestID: body.ApprovalRequestID,
		Type:              downloadType,
		Auth:              authFromRequest(r),
	})
	if err != nil {
		classifyError(ctx, w, err)
		return
	}
	writeResult(w, record)
}

// handleDatasetPreDownload serves POST /v2/dataset/download/pre: the whole
// dataset resolves to a full-dataset job carrying its schema artifacts.
func (s *svc) handleDatasetPreDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body datasetPreBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	nodes, err := s.manager.DatasetNodes(ctx, body.DatasetGeid)
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	files := make([]manager.FileRef, 0, len(nodes))
	for _, n := range nodes {
		files = append(files, manager.FileRef{Geid: n.Geid})
	}

	record, err := s.manager.PreDownload(ctx, manager.Request{
		Files:       files,
		Operator:    body.Operator,
		SessionID:   body.SessionID,
		DatasetGeid: body.DatasetGeid,
		Type:        manager.TypeFullDataset,
		Auth:        authFromRequest(r),
	})
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	// the activity log carries the resolved entities, falling back to the
	// dataset itself when it is empty
	var source interface{} = body.DatasetGeid
	if len(files) > 0 {
		geids := make([]string, len(files))
		for i, f := range files {
			geids[i] = f.Geid
		}
		source = geids
	}
	if err := s.manager.Events().PublishActivity(ctx, events.TypeDatasetDownloadSucceed, events.ActivityPayload{
		DatasetGeid: body.DatasetGeid,
		Operator:    body.Operator,
		Resource:    "Dataset",
		Detail:      events.Detail{Source: source},
	}); err != nil {
		classifyError(ctx, w, err)
		return
	}

	writeResult(w, record)
}
