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

// Package download exposes the download-job pipeline over HTTP: pre-download
// endpoints, job status queries, token redemption and direct object
// streaming.
package download

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vre-charite/downloadsvc/internal/http/services/download/manager"
	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/approval"
	"github.com/vre-charite/downloadsvc/pkg/catalogue"
	"github.com/vre-charite/downloadsvc/pkg/dataset"
	"github.com/vre-charite/downloadsvc/pkg/events"
	"github.com/vre-charite/downloadsvc/pkg/jobstatus"
	jsregistry "github.com/vre-charite/downloadsvc/pkg/jobstatus/registry"
	"github.com/vre-charite/downloadsvc/pkg/lock"
	"github.com/vre-charite/downloadsvc/pkg/pool"
	"github.com/vre-charite/downloadsvc/pkg/rhttp/global"
	"github.com/vre-charite/downloadsvc/pkg/storage"
	storageminio "github.com/vre-charite/downloadsvc/pkg/storage/minio"
	tokenjwt "github.com/vre-charite/downloadsvc/pkg/token/manager/jwt"

	// Load the job-status store drivers.
	_ "github.com/vre-charite/downloadsvc/pkg/jobstatus/loader"
)

func init() {
	global.Register("download", New)
}

type config struct {
	Prefix string `mapstructure:"prefix"`

	Catalogue catalogue.Config    `mapstructure:"catalogue"`
	Locks     lock.Config         `mapstructure:"locks"`
	Storage   storageminio.Config `mapstructure:"storage"`
	Dataset   dataset.Config      `mapstructure:"dataset"`
	Events    events.Config       `mapstructure:"events"`
	Manager   manager.Config      `mapstructure:"manager"`

	TokenManager map[string]interface{} `mapstructure:"token_manager"`

	StatusStore struct {
		Driver  string                            `mapstructure:"driver"`
		Drivers map[string]map[string]interface{} `mapstructure:"drivers"`
	} `mapstructure:"status_store"`

	Approval struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"approval"`

	// Zone is the deployment namespace stamped into status payloads.
	Zone         string `mapstructure:"zone"`
	FrontendZone string `mapstructure:"frontend_zone"`

	// Workers and QueueSize bound the background staging pool.
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`

	// ClientGrantsExpirySeconds bounds temporary object-store credentials.
	ClientGrantsExpirySeconds int `mapstructure:"client_grants_expiry_seconds"`
}

func (c *config) init() {
	if c.StatusStore.Driver == "" {
		c.StatusStore.Driver = "redis"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.ClientGrantsExpirySeconds == 0 {
		c.ClientGrantsExpirySeconds = 900
	}
	if c.FrontendZone == "" {
		c.FrontendZone = map[string]string{
			"greenroom": "Green Room",
			"vre":       "Vre Core",
			"vrecore":   "VRE Core",
		}[c.Zone]
	}
}

type svc struct {
	conf    *config
	router  *chi.Mux
	log     *zerolog.Logger
	manager *manager.Manager
	pool    *pool.Pool
}

// New creates the download service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, err
	}
	c.init()

	tokens, err := tokenjwt.New(c.TokenManager)
	if err != nil {
		return nil, err
	}

	newStore, ok := jsregistry.NewFuncs[c.StatusStore.Driver]
	if !ok {
		return nil, errors.Errorf("download: unknown status store driver %s", c.StatusStore.Driver)
	}
	store, err := newStore(c.StatusStore.Drivers[c.StatusStore.Driver])
	if err != nil {
		return nil, err
	}
	status := jobstatus.NewManager(store)
	status.Zone = c.Zone
	status.FrontendZone = c.FrontendZone

	var approvals *approval.Client
	if c.Approval.DSN != "" {
		driver := c.Approval.Driver
		if driver == "" {
			driver = "mysql"
		}
		approvals, err = approval.New(driver, c.Approval.DSN)
		if err != nil {
			return nil, err
		}
	}

	cat := catalogue.New(&c.Catalogue)
	workerPool := pool.New(c.Workers, c.QueueSize, log.With().Str("pkg", "pool").Logger())

	mgr := manager.New(&c.Manager, manager.Options{
		Catalogue: cat,
		Locks:     lock.New(&c.Locks, cat),
		Gateway:   gatewayFactory(c),
		Status:    status,
		Tokens:    tokens,
		Events:    events.New(&c.Events),
		Datasets:  dataset.New(&c.Dataset),
		Approvals: approvals,
		Pool:      workerPool,
		Log:       log.With().Str("pkg", "manager").Logger(),
	})

	s := &svc{
		conf:    c,
		router:  chi.NewRouter(),
		log:     log,
		manager: mgr,
		pool:    workerPool,
	}
	s.routerInit()

	return s, nil
}

// gatewayFactory builds object-store gateways: a client-grants exchange of
// the caller's token when one is forwarded, static service credentials
// otherwise.
func gatewayFactory(c *config) manager.GatewayFactory {
	return func(auth appctx.AuthTokens) (storage.Gateway, error) {
		if auth.AccessToken == "" {
			return storageminio.New(&c.Storage)
		}
		return storageminio.NewWithClientGrants(&c.Storage, func() (*credentials.ClientGrantsToken, error) {
			return &credentials.ClientGrantsToken{
				Token:  strings.TrimPrefix(auth.AccessToken, "Bearer "),
				Expiry: c.ClientGrantsExpirySeconds,
			}, nil
		})
	}
}

func (s *svc) Close() error {
	s.pool.Stop()
	return s.manager.Close()
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

func (s *svc) Unprotected() []string {
	return nil
}

func (s *svc) Handler() http.Handler {
	return s.router
}

func (s *svc) routerInit() {
	s.router.Post("/v1/download/pre/", s.handlePreDownloadLegacy)
	s.router.Get("/v1/downloads/status", s.handleStatusList)
	s.router.Get("/v1/download/status/{token}", s.handleStatusByToken)
	s.router.Get("/v1/download/{token}", s.handleDownload)
	s.router.Delete("/v1/download/status", s.handleStatusDelete)

	s.router.Post("/v2/download/pre/", s.handlePreDownload)
	s.router.Post("/v2/dataset/download/pre", s.handleDatasetPreDownload)
	s.router.Get("/v2/dataset/download/{token}", s.handleDatasetDownload)
	s.router.Get("/v2/object/{geid}", s.handleObjectGet)
}
