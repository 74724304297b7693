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
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/events"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	"github.com/vre-charite/downloadsvc/pkg/storage"
)

// handleDownload serves GET /v1/download/{token}: the one-time redemption
// of a prepared download. The staged file streams back, every matching job
// record flips to SUCCEED and the download is recorded with the audit
// services.
func (s *svc) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	claims, err := s.manager.Tokens().VerifyDownload(chi.URLParam(r, "token"))
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	info, err := os.Stat(claims.FullPath)
	if err != nil {
		writeError(ctx, w, http.StatusNotFound, fmt.Sprintf(tplFileNotFound, claims.FullPath))
		return
	}

	if err := s.manager.Events().RecordDownload(ctx,
		events.AuditEntry{
			Action:      jobstatus.Action,
			Operator:    claims.Operator,
			Target:      claims.FullPath,
			Outcome:     claims.FullPath,
			Resource:    "file",
			DisplayName: filepath.Base(claims.FullPath),
			ProjectCode: claims.ProjectCode,
		},
		events.OperationLog{
			OperationType:  jobstatus.Action,
			Owner:          "VRE",
			Operator:       claims.Operator,
			InputFilePath:  claims.FullPath,
			OutputFilePath: claims.FullPath,
			FileSize:       info.Size(),
			ProjectCode:    claims.ProjectCode,
			GenerateID:     "undefined",
		},
	); err != nil {
		classifyError(ctx, w, err)
		return
	}

	records, err := s.manager.Status().GetStatus(ctx, claims.SessionID, claims.JobID, claims.ProjectCode, claims.Operator)
	if err != nil {
		classifyError(ctx, w, err)
		return
	}
	for _, record := range records {
		record.Status = jobstatus.StatusSucceed
		if _, err := s.manager.Status().SetStatus(ctx, *record); err != nil {
			log.Error().Err(err).Str("job_id", record.JobID).Msg("error updating job status to succeed")
		}
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filepath.Base(claims.FullPath)))
	w.Header().Set("Content-Transfer-Encoding", "binary")
	http.ServeFile(w, r, claims.FullPath)
}

// handleDatasetDownload serves GET /v2/dataset/download/{token}: a
// dataset-version file streamed straight from the object store, no staging
// directory involved.
func (s *svc) handleDatasetDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := s.manager.Tokens().VerifyDatasetVersion(chi.URLParam(r, "token"))
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	bucket, key, err := storage.ParseLocation(claims.Location)
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	gw, err := s.manager.Gateway(authFromRequest(r))
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	size, err := gw.Stat(ctx, bucket, key)
	if err != nil {
		writeError(ctx, w, http.StatusInternalServerError, "Error getting file from minio: "+err.Error())
		return
	}
	stream, err := gw.GetStream(ctx, bucket, key)
	if err != nil {
		writeError(ctx, w, http.StatusInternalServerError, "Error getting file from minio: "+err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", storage.FileName(key)))
	if _, err := io.Copy(w, stream); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Msg("error streaming object")
	}
}
