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

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := map[string]struct {
		location string
		bucket   string
		key      string
		wantErr  bool
	}{
		"minio_location": {
			location: "minio://http://minio.storage:9000/gr-proj/jdoe/a/b.txt",
			bucket:   "gr-proj",
			key:      "jdoe/a/b.txt",
		},
		"plain_http": {
			location: "http://anything.com/bucket/obj/path",
			bucket:   "bucket",
			key:      "obj/path",
		},
		"key_with_single_segment": {
			location: "http://h/bucket/file.txt",
			bucket:   "bucket",
			key:      "file.txt",
		},
		"missing_key": {
			location: "http://h/bucket",
			wantErr:  true,
		},
		"no_scheme": {
			location: "bucket/obj",
			wantErr:  true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			bucket, key, err := ParseLocation(test.location)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.bucket, bucket)
			assert.Equal(t, test.key, key)
		})
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "b.txt", FileName("jdoe/a/b.txt"))
	assert.Equal(t, "file.txt", FileName("file.txt"))
}
