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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/archiver"
	"github.com/vre-charite/downloadsvc/pkg/dataset"
	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/events"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	"github.com/vre-charite/downloadsvc/pkg/lock"
)

// runWorker executes the staging phase of a job off the HTTP request.
// Every lock acquired along the way is released on every exit path;
// failures flip the job to CANCELLED but never propagate to the caller,
// who already holds the ZIPPING record.
func (m *Manager) runWorker(job *Job) {
	log := m.log.With().Str("job_id", job.ID).Logger()
	ctx := appctx.WithLogger(context.Background(), &log)

	var locked []lock.Entry
	defer func() {
		log.Info().Int("locks", len(locked)).Msg("releasing job locks")
		for i := len(locked) - 1; i >= 0; i-- {
			if err := m.locks.Unlock(ctx, locked[i].Key, locked[i].Operation); err != nil {
				log.Error().Err(err).Str("resource_key", locked[i].Key).Msg("error releasing lock")
			}
		}
	}()

	var err error
	locked, err = m.locks.RecursiveLock(ctx, job.Code, job.requestGeids)
	if err != nil {
		m.setStatus(ctx, job, jobstatus.StatusCancelled, map[string]interface{}{"error_msg": err.Error()})
		return
	}

	if err := m.stage(ctx, job); err != nil {
		m.setStatus(ctx, job, jobstatus.StatusCancelled, map[string]interface{}{"error_msg": err.Error()})
		return
	}

	m.setStatus(ctx, job, jobstatus.StatusReady, map[string]interface{}{"hash_code": job.HashCode})
}

// stage fetches every resolved object into the job's tmp folder, adds
// dataset schema artifacts, assembles the archive and publishes the
// dataset activity event.
func (m *Manager) stage(ctx context.Context, job *Job) error {
	log := appctx.GetLogger(ctx)

	gw, err := m.gateway(job.Request.Auth)
	if err != nil {
		return err
	}

	for _, obj := range job.FilesToZip {
		dst := job.TmpFolder + "/" + obj.Key
		if err := gw.FGet(ctx, obj.Bucket, obj.Key, dst); err != nil {
			if _, ok := err.(errtypes.IsNotFound); ok {
				log.Info().Str("bucket", obj.Bucket).Str("key", obj.Key).Msg("object not found, skipping")
				continue
			}
			return err
		}
	}

	if job.Request.Type == TypeFullDataset {
		if err := m.addSchemas(ctx, job); err != nil {
			return err
		}
	}

	if len(job.FilesToZip) > 1 || job.ContainsFolder {
		if err := os.MkdirAll(job.TmpFolder, 0755); err != nil {
			return err
		}
		if err := archiver.ZipDirectory(job.TmpFolder, job.TmpFolder+".zip"); err != nil {
			return err
		}
	}

	if job.Request.Type == TypeDatasetFiles {
		if err := m.events.PublishActivity(ctx, events.TypeDatasetFileDownloadSucceed, events.ActivityPayload{
			DatasetGeid: job.Request.DatasetGeid,
			Operator:    job.Request.Operator,
			Resource:    "Dataset",
			Detail:      events.Detail{Source: datasetFileNames(job.FilesToZip)},
		}); err != nil {
			return err
		}
	}
	return nil
}

// addSchemas writes the published schema definitions of the dataset into
// the tmp folder, one JSON file per schema, non-ASCII preserved.
func (m *Manager) addSchemas(ctx context.Context, job *Job) error {
	if err := os.MkdirAll(filepath.Join(job.TmpFolder, "data"), 0755); err != nil {
		return errors.Wrap(err, "manager: error creating schema folder")
	}

	for _, standard := range m.datasets.Standards() {
		schemas, err := m.datasets.ListSchemas(ctx, job.Request.DatasetGeid, standard)
		if err != nil {
			return err
		}
		for _, schema := range schemas {
			path := filepath.Join(job.TmpFolder, dataset.FilePrefix(standard)+schema.Name)
			if err := writeSchemaFile(path, schema.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeSchemaFile(path string, content json.RawMessage) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "manager: error creating schema file")
	}
	defer f.Close()

	var v interface{}
	if err := json.Unmarshal(content, &v); err != nil {
		return errors.Wrap(err, "manager: error decoding schema content")
	}

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

// datasetFileNames derives the display names recorded on dataset download
// events: the location segments after the seventh slash, a convention of
// the source metadata.
func datasetFileNames(files []Descriptor) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		parts := strings.Split(f.Location, "/")
		if len(parts) > 7 {
			names = append(names, strings.Join(parts[7:], "/"))
		} else {
			names = append(names, f.Key)
		}
	}
	return names
}
