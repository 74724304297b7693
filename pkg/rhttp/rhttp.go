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

// Package rhttp provides the HTTP server hosting the registered services.
package rhttp

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vre-charite/downloadsvc/pkg/appctx"
	"github.com/vre-charite/downloadsvc/pkg/rhttp/global"
)

// Config holds the config options for the HTTP server.
type Config struct {
	Network  string                            `mapstructure:"network"`
	Address  string                            `mapstructure:"address"`
	Services map[string]map[string]interface{} `mapstructure:"services"`
}

func (c *Config) init() {
	if c.Network == "" {
		c.Network = "tcp"
	}

	if c.Address == "" {
		c.Address = "0.0.0.0:5077"
	}
}

// Server contains the server info.
type Server struct {
	httpServer *http.Server
	conf       *Config
	listener   net.Listener
	svcs       map[string]global.Service // map key is service prefix
	log        zerolog.Logger
}

// New returns a new server.
func New(m interface{}, log zerolog.Logger) (*Server, error) {
	conf := &Config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, err
	}

	conf.init()

	httpServer := &http.Server{}
	s := &Server{
		httpServer: httpServer,
		conf:       conf,
		svcs:       map[string]global.Service{},
		log:        log,
	}

	if err := s.registerServices(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) registerServices() error {
	for svcName := range s.conf.Services {
		newFunc, ok := global.Services[svcName]
		if !ok {
			return errors.Errorf("rhttp: http service %s does not exist", svcName)
		}
		svcLogger := s.log.With().Str("service", svcName).Logger()
		svc, err := newFunc(s.conf.Services[svcName], &svcLogger)
		if err != nil {
			return errors.Wrapf(err, "rhttp: error registering new http service %s", svcName)
		}
		if _, ok := s.svcs[svc.Prefix()]; ok {
			return errors.Errorf("rhttp: service prefix %s already registered", svc.Prefix())
		}
		s.svcs[svc.Prefix()] = svc
		s.log.Info().Msgf("http service enabled: %s@/%s", svcName, svc.Prefix())
	}
	return nil
}

// Start starts the server.
func (s *Server) Start(ln net.Listener) error {
	s.httpServer.Handler = s.getHandler()
	s.listener = ln

	err := s.httpServer.Serve(s.listener)
	if err == nil || err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.closeServices()
	return s.httpServer.Close()
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() error {
	s.closeServices()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Network returns the network type.
func (s *Server) Network() string {
	return s.conf.Network
}

// Address returns the network address.
func (s *Server) Address() string {
	return s.conf.Address
}

func (s *Server) closeServices() {
	for _, svc := range s.svcs {
		if err := svc.Close(); err != nil {
			s.log.Error().Err(err).Msgf("error closing service %s", svc.Prefix())
		}
	}
}

func (s *Server) getHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.log.With().Str("method", r.Method).Str("uri", r.URL.Path).Logger()
		ctx := appctx.WithLogger(r.Context(), &log)

		if sid := r.Header.Get(appctx.SessionHeader); sid != "" {
			ctx = appctx.ContextSetSession(ctx, sid)
		}

		for prefix, svc := range s.svcs {
			if urlHasPrefix(r.URL.Path, prefix) {
				r.URL.Path = stripServicePrefix(r.URL.Path, prefix)
				svc.Handler().ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		log.Warn().Msg("resource not found")
		w.WriteHeader(http.StatusNotFound)
	})
}

func urlHasPrefix(url string, prefix string) bool {
	url = path.Join("/", url)
	prefix = path.Join("/", prefix)

	if prefix == "/" {
		return true
	}

	partsURL := strings.Split(url, "/")
	partsPrefix := strings.Split(prefix, "/")

	if len(partsPrefix) > len(partsURL) {
		return false
	}

	for i, p := range partsPrefix {
		u := partsURL[i]
		if p != u {
			return false
		}
	}

	return true
}

// stripServicePrefix removes the mount prefix but leaves the rest of the
// path untouched; trailing slashes are significant to the service routers.
func stripServicePrefix(url, prefix string) string {
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	prefix = path.Join("/", prefix)
	if prefix == "/" {
		return url
	}
	stripped := strings.TrimPrefix(url, prefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}
