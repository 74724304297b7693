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
	"path/filepath"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/archiver"
	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	"github.com/vre-charite/downloadsvc/pkg/token"
)

// legacyFile is one resolved leaf of a legacy filesystem job.
type legacyFile struct {
	FullPath     string
	Geid         string
	ProjectCode  string
	ParentFolder string
}

// PreDownloadLegacy serves the v1 flow: entities resolve to paths on the
// shared filesystem, nothing is fetched from the object store. A single
// existing file is READY immediately; anything else zips in the
// background.
func (m *Manager) PreDownloadLegacy(ctx context.Context, req Request) (*jobstatus.Record, error) {
	if len(req.Files) == 0 {
		return nil, ErrInvalidFileAmount
	}

	jobID := newJobID()
	var filesToZip []legacyFile
	var notFound []string
	containsFolder := false

	for _, ref := range req.Files {
		nodes, err := m.catalogue.GetNodesByGeid(ctx, ref.Geid)
		if err != nil {
			return nil, err
		}

		var leaves []*legacyLeaf
		parent := ""
		if nodes[0].IsFolder() {
			expanded, err := m.catalogue.ExpandFolder(ctx, ref.Geid)
			if err != nil {
				return nil, err
			}
			if len(expanded) > 0 {
				containsFolder = true
			}
			for _, n := range expanded {
				leaves = append(leaves, &legacyLeaf{FullPath: n.FullPath, Geid: n.Geid, ProjectCode: n.ProjectCode})
			}
			parent = ref.Geid
		} else {
			for _, n := range nodes {
				if n.Archived {
					continue
				}
				leaves = append(leaves, &legacyLeaf{FullPath: n.FullPath, Geid: n.Geid, ProjectCode: n.ProjectCode})
			}
		}

		for _, leaf := range leaves {
			if _, err := os.Stat(leaf.FullPath); err != nil {
				notFound = append(notFound, leaf.FullPath)
				continue
			}
			filesToZip = append(filesToZip, legacyFile{
				FullPath:     leaf.FullPath,
				Geid:         leaf.Geid,
				ProjectCode:  leaf.ProjectCode,
				ParentFolder: parent,
			})
		}
	}

	if len(notFound) > 0 {
		return nil, errtypes.NotFound(strings.Join(notFound, ", "))
	}
	if len(filesToZip) == 0 {
		return nil, ErrEmptyFolder
	}

	primaryGeid := filesToZip[0].Geid
	status := jobstatus.StatusReady
	resultPath := filesToZip[0].FullPath
	if len(filesToZip) > 1 || containsFolder {
		status = jobstatus.StatusZipping
		resultPath = fmt.Sprintf("%s/%s_%d.zip", strings.TrimRight(m.conf.StagingRoot, "/"), req.ProjectCode, time.Now().UnixNano())
	}

	now := time.Now()
	hashCode, err := m.tokens.MintDownload(&token.DownloadClaims{
		Geid:        primaryGeid,
		FullPath:    resultPath,
		Operator:    req.Operator,
		SessionID:   req.SessionID,
		JobID:       jobID,
		ProjectCode: req.ProjectCode,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(time.Duration(m.conf.TokenTTLMinutes) * time.Minute)),
		},
	})
	if err != nil {
		return nil, err
	}

	// one record per leaf, so per-file progress shows up on status queries
	var zipped []string
	for _, f := range filesToZip {
		zipped = append(zipped, f.FullPath)
		parent := f.ParentFolder
		if len(filesToZip) > 1 && parent == "" {
			parent = "zip folder"
		}
		if _, err := m.status.SetStatus(ctx, jobstatus.Record{
			SessionID:   req.SessionID,
			JobID:       jobID,
			Geid:        f.Geid,
			Source:      f.FullPath,
			Status:      status,
			ProjectCode: req.ProjectCode,
			Operator:    req.Operator,
			Payload:     map[string]interface{}{"hash_code": hashCode, "parent_folder": parent},
		}); err != nil {
			return nil, err
		}
	}

	if status == jobstatus.StatusZipping {
		paths := make([]string, len(filesToZip))
		for i, f := range filesToZip {
			paths[i] = f.FullPath
		}
		record := jobstatus.Record{
			SessionID:   req.SessionID,
			JobID:       jobID,
			Geid:        primaryGeid,
			Source:      resultPath,
			ProjectCode: req.ProjectCode,
			Operator:    req.Operator,
		}
		if err := m.pool.Submit(func() { m.runLegacyWorker(record, paths, hashCode, zipped) }); err != nil {
			return nil, err
		}
	}

	return m.status.SetStatus(ctx, jobstatus.Record{
		SessionID:   req.SessionID,
		JobID:       jobID,
		Geid:        primaryGeid,
		Source:      resultPath,
		Status:      status,
		ProjectCode: req.ProjectCode,
		Operator:    req.Operator,
		Payload:     map[string]interface{}{"hash_code": hashCode, "files": zipped},
	})
}

type legacyLeaf struct {
	FullPath    string
	Geid        string
	ProjectCode string
}

func (m *Manager) runLegacyWorker(record jobstatus.Record, paths []string, hashCode string, zipped []string) {
	log := m.log.With().Str("job_id", record.JobID).Logger()
	ctx := appctx.WithLogger(context.Background(), &log)

	if err := os.MkdirAll(filepath.Dir(record.Source), 0755); err != nil {
		log.Error().Err(err).Msg("error creating staging folder")
	}
	if err := archiver.ZipFiles(paths, record.Source); err != nil {
		record.Status = jobstatus.StatusCancelled
		record.Payload = map[string]interface{}{"hash_code": hashCode, "error_msg": err.Error()}
	} else {
		record.Status = jobstatus.StatusReady
		record.Payload = map[string]interface{}{"hash_code": hashCode, "files": zipped}
	}
	if _, err := m.status.SetStatus(ctx, record); err != nil {
		log.Error().Err(err).Msg("error persisting job status")
	}
}
