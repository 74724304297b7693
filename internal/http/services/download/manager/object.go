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
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/archiver"
	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/storage"
)

// Gateway builds an object-store gateway for the caller's credentials,
// shared with the HTTP surface for direct streaming.
func (m *Manager) Gateway(auth appctx.AuthTokens) (storage.Gateway, error) {
	return m.gateway(auth)
}

// StageFolder stages every file under the folder into a fresh tmp folder,
// archives it and returns the archive path. Used by the direct object
// endpoint; no token or status record is involved.
func (m *Manager) StageFolder(ctx context.Context, folderGeid string, auth appctx.AuthTokens) (string, error) {
	log := appctx.GetLogger(ctx)

	leaves, err := m.catalogue.ExpandFolder(ctx, folderGeid)
	if err != nil {
		return "", err
	}

	gw, err := m.gateway(auth)
	if err != nil {
		return "", err
	}

	tmpFolder := fmt.Sprintf("%s/%s_%d", strings.TrimRight(m.conf.StagingRoot, "/"), folderGeid, time.Now().UnixNano())
	for _, n := range leaves {
		if n.Archived {
			continue
		}
		bucket, key, err := storage.ParseLocation(n.Location)
		if err != nil {
			return "", err
		}
		if err := gw.FGet(ctx, bucket, key, tmpFolder+"/"+key); err != nil {
			if _, ok := err.(errtypes.IsNotFound); ok {
				log.Info().Str("bucket", bucket).Str("key", key).Msg("object not found, skipping")
				continue
			}
			return "", err
		}
	}

	if err := os.MkdirAll(tmpFolder, 0755); err != nil {
		return "", err
	}
	if err := archiver.ZipDirectory(tmpFolder, tmpFolder+".zip"); err != nil {
		return "", err
	}
	return tmpFolder + ".zip", nil
}
