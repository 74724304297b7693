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

// Package manager implements the download orchestrator: it resolves the
// requested entities through the metadata catalogue, stages them from the
// object store under a distributed read-lock protocol, optionally
// assembles an archive and hands the result off through a signed token.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/approval"
	"github.com/vre-charite/downloadsvc/pkg/catalogue"
	"github.com/vre-charite/downloadsvc/pkg/dataset"
	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/events"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	"github.com/vre-charite/downloadsvc/pkg/lock"
	"github.com/vre-charite/downloadsvc/pkg/pool"
	"github.com/vre-charite/downloadsvc/pkg/storage"
	"github.com/vre-charite/downloadsvc/pkg/token"
)

// Type classifies a download job.
type Type string

// Download types.
const (
	TypeProjectFiles Type = "project_files"
	TypeDatasetFiles Type = "dataset_files"
	TypeFullDataset  Type = "full_dataset"
)

// Validation errors surfaced to the caller.
const (
	ErrInvalidFileAmount = errtypes.BadRequest("[Invalid file amount] must greater than 0")
	ErrMissingCode       = errtypes.BadRequest("project_code or dataset_geid required")
	ErrEmptyFolder       = errtypes.BadRequest("Folder is empty")
)

// FileRef identifies one requested entity.
type FileRef struct {
	Geid        string `json:"geid"`
	FullPath    string `json:"full_path"`
	ProjectCode string `json:"project_code"`
}

// Request is a pre-download request after surface-level decoding.
type Request struct {
	Files             []FileRef
	Operator          string
	SessionID         string
	ProjectCode       string
	DatasetGeid       string
	ApprovalRequestID string
	Type              Type
	Auth              appctx.AuthTokens
}

// Descriptor is one resolved leaf of files_to_zip.
type Descriptor struct {
	Location     string
	Bucket       string
	Key          string
	Geid         string
	ProjectCode  string
	Operator     string
	ParentFolder string
	DatasetCode  string
}

// Job carries the state of one download job from pre-download through the
// background worker. It is owned by a single worker; nothing else mutates
// it.
type Job struct {
	ID             string
	Request        Request
	Code           string // project or dataset code used for locks and paths
	StatusID       string // project code or dataset geid recorded in status keys
	PrimaryGeid    string
	FilesToZip     []Descriptor
	ContainsFolder bool
	TmpFolder      string
	ResultPath     string
	HashCode       string

	// the original request entities; the worker re-expands them under the
	// lock protocol instead of trusting the pre-download expansion
	requestGeids []string
}

// GatewayFactory builds an object-store gateway for the caller's
// credentials.
type GatewayFactory func(auth appctx.AuthTokens) (storage.Gateway, error)

// Config holds the orchestrator options.
type Config struct {
	// StagingRoot is the local directory receiving per-job tmp folders.
	StagingRoot string `mapstructure:"staging_root"`
	// TokenTTLMinutes bounds the life of hand-off tokens.
	TokenTTLMinutes int64 `mapstructure:"token_ttl_minutes"`
}

func (c *Config) init() {
	if c.StagingRoot == "" {
		c.StagingRoot = "/tmp/downloadsvc"
	}
	if c.TokenTTLMinutes == 0 {
		c.TokenTTLMinutes = 5
	}
}

// Manager orchestrates download jobs.
type Manager struct {
	conf      *Config
	catalogue *catalogue.Client
	locks     *lock.Coordinator
	gateway   GatewayFactory
	status    *jobstatus.Manager
	tokens    token.Manager
	events    *events.Publisher
	datasets  *dataset.Client
	approvals *approval.Client
	pool      *pool.Pool
	log       zerolog.Logger
}

// Options bundles the collaborators of a Manager.
type Options struct {
	Catalogue *catalogue.Client
	Locks     *lock.Coordinator
	Gateway   GatewayFactory
	Status    *jobstatus.Manager
	Tokens    token.Manager
	Events    *events.Publisher
	Datasets  *dataset.Client
	Approvals *approval.Client
	Pool      *pool.Pool
	Log       zerolog.Logger
}

// New returns a new download orchestrator.
func New(conf *Config, opts Options) *Manager {
	conf.init()
	return &Manager{
		conf:      conf,
		catalogue: opts.Catalogue,
		locks:     opts.Locks,
		gateway:   opts.Gateway,
		status:    opts.Status,
		tokens:    opts.Tokens,
		events:    opts.Events,
		datasets:  opts.Datasets,
		approvals: opts.Approvals,
		pool:      opts.Pool,
		log:       opts.Log,
	}
}

// Close releases the manager's long-lived resources.
func (m *Manager) Close() error {
	if m.approvals != nil {
		return m.approvals.Close()
	}
	return nil
}

// DatasetNodes returns the dataset's direct file and folder children.
func (m *Manager) DatasetNodes(ctx context.Context, datasetGeid string) ([]*catalogue.Node, error) {
	return m.catalogue.DatasetNodes(ctx, datasetGeid)
}

// Node resolves a single entity through the catalogue.
func (m *Manager) Node(ctx context.Context, geid string) (*catalogue.Node, error) {
	return m.catalogue.GetNodeByGeid(ctx, geid)
}

// Status returns the job-status manager, shared with the HTTP surface.
func (m *Manager) Status() *jobstatus.Manager {
	return m.status
}

// Tokens returns the token manager, shared with the HTTP surface.
func (m *Manager) Tokens() token.Manager {
	return m.tokens
}

// Events returns the event publisher, shared with the HTTP surface.
func (m *Manager) Events() *events.Publisher {
	return m.events
}

// newJobID returns a job id carrying the creation second.
func newJobID() string {
	return "data-download-" + strconv.FormatInt(time.Now().Unix(), 10)
}

// PreDownload validates and resolves a request, persists the initial
// ZIPPING record and schedules the staging worker. It returns immediately
// with the persisted record; the heavy work happens off the request.
func (m *Manager) PreDownload(ctx context.Context, req Request) (*jobstatus.Record, error) {
	if req.ProjectCode == "" && req.DatasetGeid == "" {
		return nil, ErrMissingCode
	}
	if len(req.Files) == 0 && req.Type != TypeFullDataset {
		return nil, ErrInvalidFileAmount
	}

	job := &Job{
		ID:             newJobID(),
		Request:        req,
		ContainsFolder: req.Type == TypeFullDataset,
	}
	for _, f := range req.Files {
		job.requestGeids = append(job.requestGeids, f.Geid)
	}

	datasetCode := ""
	if req.DatasetGeid != "" {
		node, err := m.catalogue.GetNodeByGeid(ctx, req.DatasetGeid)
		if err != nil {
			return nil, errtypes.InternalError(fmt.Sprintf("Get dataset code error: %v", err))
		}
		datasetCode = node.Code
	}

	var approved map[string]approval.Entity
	if req.ApprovalRequestID != "" {
		if m.approvals == nil {
			return nil, errtypes.InternalError("approval database is not configured")
		}
		var err error
		approved, err = m.approvals.GetApprovalEntities(ctx, req.ApprovalRequestID)
		if err != nil {
			return nil, err
		}
	}

	if err := m.resolveFiles(ctx, job, approved); err != nil {
		return nil, err
	}
	if len(job.FilesToZip) == 0 && req.Type != TypeFullDataset {
		return nil, ErrEmptyFolder
	}

	job.Code = req.ProjectCode
	if job.Code == "" {
		job.Code = datasetCode
	}
	job.StatusID = req.ProjectCode
	if job.StatusID == "" {
		job.StatusID = req.DatasetGeid
	}

	folderName := req.ProjectCode
	if folderName == "" {
		if len(job.FilesToZip) > 0 && job.FilesToZip[0].DatasetCode != "" {
			folderName = job.FilesToZip[0].DatasetCode
		} else {
			folderName = req.DatasetGeid
		}
	}
	job.TmpFolder = fmt.Sprintf("%s/%s_%d", strings.TrimRight(m.conf.StagingRoot, "/"), folderName, time.Now().UnixNano())

	if len(job.FilesToZip) > 1 || job.ContainsFolder {
		job.ResultPath = job.TmpFolder + ".zip"
	} else {
		job.ResultPath = job.TmpFolder + "/" + job.FilesToZip[0].Key
	}

	job.PrimaryGeid = req.DatasetGeid
	if len(req.Files) > 0 {
		job.PrimaryGeid = req.Files[0].Geid
	}
	if len(job.FilesToZip) > 0 {
		job.PrimaryGeid = job.FilesToZip[0].Geid
	}

	hashCode, err := m.mintToken(job)
	if err != nil {
		return nil, err
	}
	job.HashCode = hashCode

	record, err := m.status.SetStatus(ctx, jobstatus.Record{
		SessionID:   req.SessionID,
		JobID:       job.ID,
		Geid:        job.PrimaryGeid,
		Source:      job.ResultPath,
		Status:      jobstatus.StatusZipping,
		ProjectCode: job.StatusID,
		Operator:    req.Operator,
		Payload:     map[string]interface{}{"hash_code": hashCode},
	})
	if err != nil {
		return nil, err
	}

	if err := m.pool.Submit(func() { m.runWorker(job) }); err != nil {
		return nil, err
	}
	return record, nil
}

// resolveFiles expands the requested entities into the job's files_to_zip
// set, skipping archived nodes. A folder expansion yielding at least one
// file marks the job as containing a folder.
func (m *Manager) resolveFiles(ctx context.Context, job *Job, approved map[string]approval.Entity) error {
	for _, ref := range job.Request.Files {
		nodes, err := m.catalogue.GetNodesByGeid(ctx, ref.Geid)
		if err != nil {
			return err
		}

		var leaves []*catalogue.Node
		parent := ""
		if nodes[0].IsFolder() {
			expanded, err := m.catalogue.ExpandFolder(ctx, ref.Geid)
			if err != nil {
				return err
			}
			if len(expanded) > 0 {
				job.ContainsFolder = true
			}
			leaves = expanded
			parent = ref.Geid
		} else {
			leaves = nodes
		}

		for _, n := range leaves {
			if n.Archived {
				appctx.GetLogger(ctx).Info().Str("geid", n.Geid).Msg("skipping archived node")
				continue
			}
			if approved != nil {
				if _, ok := approved[n.Geid]; !ok {
					continue
				}
			}
			bucket, key, err := storage.ParseLocation(n.Location)
			if err != nil {
				return err
			}
			job.FilesToZip = append(job.FilesToZip, Descriptor{
				Location:     n.Location,
				Bucket:       bucket,
				Key:          key,
				Geid:         n.Geid,
				ProjectCode:  n.ProjectCode,
				Operator:     job.Request.Operator,
				ParentFolder: parent,
				DatasetCode:  n.DatasetCode,
			})
		}
	}
	return nil
}

func (m *Manager) mintToken(job *Job) (string, error) {
	now := time.Now()
	return m.tokens.MintDownload(&token.DownloadClaims{
		Geid:        job.PrimaryGeid,
		FullPath:    job.ResultPath,
		Operator:    job.Request.Operator,
		SessionID:   job.Request.SessionID,
		JobID:       job.ID,
		ProjectCode: job.StatusID,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(time.Duration(m.conf.TokenTTLMinutes) * time.Minute)),
		},
	})
}

// setStatus persists a job state transition.
func (m *Manager) setStatus(ctx context.Context, job *Job, status string, payload map[string]interface{}) {
	_, err := m.status.SetStatus(ctx, jobstatus.Record{
		SessionID:   job.Request.SessionID,
		JobID:       job.ID,
		Geid:        job.PrimaryGeid,
		Source:      job.ResultPath,
		Status:      status,
		ProjectCode: job.StatusID,
		Operator:    job.Request.Operator,
		Payload:     payload,
	})
	if err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("error persisting job status")
	}
}
