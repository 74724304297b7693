// Copyright 2018-2022 CERN
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

// Package minio implements the object-store gateway on top of any
// S3-compatible store. Credentials are either a static access/secret pair
// or temporary credentials obtained through an OIDC client-grants exchange;
// the credentials provider refreshes them transparently.
package minio

import (
	"context"
	"io"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/vre-charite/downloadsvc/pkg/errtypes"
	"github.com/vre-charite/downloadsvc/pkg/storage"
)

// Config holds the options for the gateway.
type Config struct {
	// Endpoint is the host:port of the object store, without scheme.
	Endpoint string `mapstructure:"endpoint"`
	Secure   bool   `mapstructure:"secure"`

	// Static credentials. Used when no client-grants token is supplied.
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

func (c *Config) stsEndpoint() string {
	if c.Secure {
		return "https://" + c.Endpoint
	}
	return "http://" + c.Endpoint
}

type gateway struct {
	client *miniogo.Client
}

// New returns a gateway authenticated with the configured static
// credentials.
func New(conf *Config) (storage.Gateway, error) {
	return newGateway(conf, credentials.NewStaticV4(conf.AccessKey, conf.SecretKey, ""))
}

// NewWithClientGrants returns a gateway whose credentials are obtained by
// exchanging the caller's identity-provider access token against the store's
// STS endpoint. The provider re-runs the exchange when the temporary
// credentials expire.
func NewWithClientGrants(conf *Config, getToken func() (*credentials.ClientGrantsToken, error)) (storage.Gateway, error) {
	creds, err := credentials.NewSTSClientGrants(conf.stsEndpoint(), getToken)
	if err != nil {
		return nil, errors.Wrap(err, "minio: error creating client-grants credentials")
	}
	return newGateway(conf, creds)
}

func newGateway(conf *Config, creds *credentials.Credentials) (storage.Gateway, error) {
	client, err := miniogo.New(conf.Endpoint, &miniogo.Options{
		Creds:  creds,
		Secure: conf.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio: error creating client")
	}
	return &gateway{client: client}, nil
}

func (g *gateway) FGet(ctx context.Context, bucket, key, dst string) error {
	if err := g.client.FGetObject(ctx, bucket, key, dst, miniogo.GetObjectOptions{}); err != nil {
		return asErrType(err, bucket, key)
	}
	return nil
}

func (g *gateway) Stat(ctx context.Context, bucket, key string) (int64, error) {
	info, err := g.client.StatObject(ctx, bucket, key, miniogo.StatObjectOptions{})
	if err != nil {
		return 0, asErrType(err, bucket, key)
	}
	return info.Size, nil
}

func (g *gateway) GetStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := g.client.GetObject(ctx, bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, asErrType(err, bucket, key)
	}
	return obj, nil
}

// asErrType maps a missing object onto errtypes.NotFound so callers can
// treat NoSuchKey as non-fatal.
func asErrType(err error, bucket, key string) error {
	resp := miniogo.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return errtypes.NotFound(bucket + "/" + key)
	}
	return errors.Wrapf(err, "minio: error accessing %s/%s", bucket, key)
}
