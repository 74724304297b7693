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

// Command downloadsvcd runs the download service daemon.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vre-charite/downloadsvc/cmd/downloadsvcd/config"
	"github.com/vre-charite/downloadsvc/pkg/rhttp"

	// Load the HTTP services.
	_ "github.com/vre-charite/downloadsvc/internal/http/services/loader"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	testFlag    = flag.Bool("t", false, "test configuration and exit")
	configFlag  = flag.String("c", "/etc/downloadsvc/downloadsvc.toml", "set configuration file")

	// Compile time variables initialized with gcc flags.
	gitCommit, buildDate, version string
)

type coreConf struct {
	LogLevel string `mapstructure:"log_level"`
	LogMode  string `mapstructure:"log_mode"`
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("version=%s commit=%s date=%s\n", version, gitCommit, buildDate)
		os.Exit(0)
	}

	mainConf, err := readConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config file %s: %v\n", *configFlag, err)
		os.Exit(1)
	}

	coreConf := parseCoreConfOrDie(mainConf["core"])
	log := newLogger(coreConf)

	if *testFlag {
		log.Info().Msg("configuration is valid")
		os.Exit(0)
	}

	server, err := rhttp.New(mainConf["http"], log.With().Str("pkg", "rhttp").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("error creating http server")
	}

	ln, err := net.Listen(server.Network(), server.Address())
	if err != nil {
		log.Fatal().Err(err).Msg("error listening")
	}
	log.Info().Msgf("http server listening at %s:%s", server.Network(), server.Address())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info().Msg("signal received, shutting down")
		if err := server.GracefulStop(); err != nil {
			log.Error().Err(err).Msg("error stopping server")
		}
	}()

	if err := server.Start(ln); err != nil {
		log.Fatal().Err(err).Msg("error running http server")
	}
}

func readConfig(fn string) (map[string]interface{}, error) {
	fd, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return config.Read(fd)
}

func parseCoreConfOrDie(v interface{}) *coreConf {
	c := &coreConf{}
	if err := mapstructure.Decode(v, c); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding core config: %s\n", errors.Wrap(err, "error decoding conf").Error())
		os.Exit(1)
	}
	return c
}

func newLogger(conf *coreConf) zerolog.Logger {
	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil || conf.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if conf.LogMode == "" || conf.LogMode == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log
}
