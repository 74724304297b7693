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

// Package jwt implements the token manager with symmetrically signed
// HS256 tokens. A fallback secret can be configured to keep verifying
// tokens minted with the previous key during a rotation.
package jwt

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"

	"github.com/vre-charite/downloadsvc/pkg/token"
)

type config struct {
	Secret         string `mapstructure:"secret"`
	FallbackSecret string `mapstructure:"fallback_secret"`
}

type manager struct {
	conf *config
}

// New returns an implementation of the token manager that uses the HS256
// algorithm with a shared secret.
func New(m map[string]interface{}) (token.Manager, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, err
	}

	if c.Secret == "" {
		return nil, errors.New("jwt: secret for signing payloads is not set in config")
	}

	return &manager{conf: c}, nil
}

func (m *manager) MintDownload(claims *token.DownloadClaims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = token.Issuer
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(m.conf.Secret))
}

func (m *manager) VerifyDownload(tkn string) (*token.DownloadClaims, error) {
	claims, err := m.parse(tkn)
	if err != nil {
		return nil, err
	}
	if claims.FullPath == "" {
		// well signed but missing the mandatory claim, probably forged
		return nil, token.Forged("token misses the full_path claim")
	}
	return claims, nil
}

func (m *manager) VerifyDatasetVersion(tkn string) (*token.DownloadClaims, error) {
	return m.parse(tkn)
}

func (m *manager) parse(tkn string) (*token.DownloadClaims, error) {
	claims, err := m.parseWithSecret(tkn, m.conf.Secret)
	if err != nil && m.conf.FallbackSecret != "" && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		claims, err = m.parseWithSecret(tkn, m.conf.FallbackSecret)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, token.Expired(tkn)
		}
		return nil, token.Invalid(err.Error())
	}
	return claims, nil
}

func (m *manager) parseWithSecret(tkn, secret string) (*token.DownloadClaims, error) {
	parsed, err := jwt.ParseWithClaims(tkn, &token.DownloadClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*token.DownloadClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
