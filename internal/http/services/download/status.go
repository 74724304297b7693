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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
)

// handleStatusList serves GET /v1/downloads/status: the session's records
// filtered by project and operator, any job by default.
func (s *svc) handleStatusList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get(appctx.SessionHeader)
	projectCode := r.URL.Query().Get("project_code")
	operator := r.URL.Query().Get("operator")
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		jobID = "*"
	}

	records, err := s.manager.Status().GetStatus(ctx, sessionID, jobID, projectCode, operator)
	if err != nil {
		classifyError(ctx, w, err)
		return
	}
	if len(records) == 0 {
		res := newResponse()
		res.Code = http.StatusNotFound
		res.ErrorMsg = "No record."
		res.Result = records
		res.Total = 0
		writeResponse(w, res)
		return
	}

	res := newResponse()
	res.Result = records
	res.Total = len(records)
	writeResponse(w, res)
}

// handleStatusByToken serves GET /v1/download/status/{token}: the single
// record whose source matches the token's full path.
func (s *svc) handleStatusByToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := s.manager.Tokens().VerifyDownload(chi.URLParam(r, "token"))
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	records, err := s.manager.Status().GetStatus(ctx, claims.SessionID, claims.JobID, claims.ProjectCode, claims.Operator)
	if err != nil {
		classifyError(ctx, w, err)
		return
	}
	for _, record := range records {
		if record.Source == claims.FullPath {
			writeResult(w, record)
			return
		}
	}
	writeError(ctx, w, http.StatusNotFound, tplJobNotFound)
}

// handleStatusDelete serves DELETE /v1/download/status: prefix-delete of
// the session's download records.
func (s *svc) handleStatusDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get(appctx.SessionHeader)
	if sessionID == "" {
		writeError(ctx, w, http.StatusBadRequest, "Invalid Session ID: "+sessionID)
		return
	}

	if err := s.manager.Status().DeleteBySession(ctx, sessionID); err != nil {
		classifyError(ctx, w, err)
		return
	}
	writeResult(w, map[string]string{"message": "Success"})
}
