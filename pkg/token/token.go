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

// Package token defines the hand-off token claims and the manager interface
// used to mint and verify them.
package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the issuer claim stamped on every minted token.
const Issuer = "SERVICE DATA DOWNLOAD"

// DownloadClaims are the claims carried by a hand-off token. A download
// token proves the caller may redeem a prepared file at FullPath; a
// dataset-version token carries the object Location instead.
type DownloadClaims struct {
	Geid        string `json:"geid"`
	FullPath    string `json:"full_path,omitempty"`
	Location    string `json:"location,omitempty"`
	Issuer      string `json:"issuer"`
	Operator    string `json:"operator"`
	SessionID   string `json:"session_id"`
	JobID       string `json:"job_id"`
	ProjectCode string `json:"project_code"`

	jwt.RegisteredClaims
}

// Expired is the error returned for tokens past their expiry.
type Expired string

func (e Expired) Error() string { return "token: expired: " + string(e) }

// IsExpired is the method to check for w
func (e Expired) IsExpired() {}

// Forged is the error returned for well-signed tokens missing mandatory
// claims.
type Forged string

func (e Forged) Error() string { return "token: forged: " + string(e) }

// IsForged is the method to check for w
func (e Forged) IsForged() {}

// Invalid is the error returned for tokens failing signature or format
// checks.
type Invalid string

func (e Invalid) Error() string { return "token: invalid: " + string(e) }

// IsInvalid is the method to check for w
func (e Invalid) IsInvalid() {}

// IsExpired is the interface to implement
// to specify that a token expired.
type IsExpired interface {
	IsExpired()
}

// IsForged is the interface to implement
// to specify that a token was forged.
type IsForged interface {
	IsForged()
}

// IsInvalid is the interface to implement
// to specify that a token is invalid.
type IsInvalid interface {
	IsInvalid()
}

// Manager mints and verifies hand-off tokens.
type Manager interface {
	// MintDownload signs the given claims.
	MintDownload(claims *DownloadClaims) (string, error)
	// VerifyDownload verifies a download token. Tokens without a full_path
	// claim are rejected as forged.
	VerifyDownload(token string) (*DownloadClaims, error)
	// VerifyDatasetVersion verifies a dataset-version token. No full_path
	// claim is required; such tokens carry a location instead.
	VerifyDatasetVersion(token string) (*DownloadClaims, error)
}
