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

// Package storage defines the object-store gateway interface and the
// location grammar shared by its implementations.
package storage

import (
	"context"
	"io"
	"strings"

	"github.com/vre-charite/downloadsvc/pkg/errtypes"
)

// Gateway is the authenticated client used to fetch objects to the staging
// directory and to stream objects back to callers.
type Gateway interface {
	// FGet downloads the object to the given local path, creating parent
	// directories as needed. A missing object is reported as
	// errtypes.NotFound.
	FGet(ctx context.Context, bucket, key, dst string) error
	// Stat returns the object size.
	Stat(ctx context.Context, bucket, key string) (int64, error)
	// GetStream returns a lazy readable stream of the object. The caller
	// closes it.
	GetStream(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// ParseLocation splits a storage location of the form
// <scheme>://<host>/<bucket>/<object_key> into bucket and object key.
// The object key may itself contain slashes.
func ParseLocation(location string) (bucket, key string, err error) {
	idx := strings.LastIndex(location, "//")
	if idx < 0 {
		return "", "", errtypes.BadRequest("malformed location: " + location)
	}
	parts := strings.SplitN(location[idx+2:], "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", errtypes.BadRequest("malformed location: " + location)
	}
	return parts[1], parts[2], nil
}

// FileName returns the display file name of an object key: its last path
// segment.
func FileName(key string) string {
	parts := strings.Split(key, "/")
	return parts[len(parts)-1]
}
