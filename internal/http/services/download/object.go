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
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/storage"
)

// handleObjectGet serves GET /v2/object/{geid}: an authenticated direct
// fetch. Files stream straight through the gateway; folders stage to a
// fresh tmp folder and come back as an on-the-fly archive.
func (s *svc) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	geid := chi.URLParam(r, "geid")
	auth := authFromRequest(r)

	node, err := s.manager.Node(ctx, geid)
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	if node.IsFolder() {
		zipPath, err := s.manager.StageFolder(ctx, geid, auth)
		if err != nil {
			classifyError(ctx, w, err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.zip\"", geid))
		http.ServeFile(w, r, zipPath)
		return
	}

	bucket, key, err := storage.ParseLocation(node.Location)
	if err != nil {
		classifyError(ctx, w, err)
		return
	}

	gw, err := s.manager.Gateway(auth)
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
