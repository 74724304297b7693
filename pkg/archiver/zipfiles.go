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

package archiver

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
)

// ZipFiles writes the given local files into a zip at dstPath. Entry names
// are relative to the deepest directory common to all files, so unrelated
// absolute prefixes do not leak into the archive.
func ZipFiles(files []string, dstPath string) error {
	if len(files) == 0 {
		return errors.New("archiver: empty file list")
	}

	dir := getDeepestCommonDir(files)
	if pathIn(files, dir) {
		dir = filepath.Dir(dir)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrap(err, "archiver: error creating archive")
	}
	defer out.Close()

	w := zip.NewWriter(out)

	for _, file := range files {
		name, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}

		info, err := os.Stat(file)
		if err != nil {
			w.Close()
			return errors.Wrapf(err, "archiver: error archiving %s", file)
		}

		header := zip.FileHeader{
			Name:               filepath.ToSlash(name),
			Modified:           info.ModTime(),
			Method:             zip.Deflate,
			UncompressedSize64: uint64(info.Size()),
		}

		dst, err := w.CreateHeader(&header)
		if err != nil {
			w.Close()
			return err
		}

		src, err := os.Open(file)
		if err != nil {
			w.Close()
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			w.Close()
			return err
		}
		src.Close()
	}

	return w.Close()
}

// pathIn verifies that the path `f` is in the `files` list.
func pathIn(files []string, f string) bool {
	f = filepath.Clean(f)
	for _, file := range files {
		if filepath.Clean(file) == f {
			return true
		}
	}
	return false
}

func getDeepestCommonDir(files []string) string {
	if len(files) == 0 {
		return ""
	}

	// find the maximum common substring from left
	res := path.Clean(files[0]) + "/"

	for _, file := range files[1:] {
		file = path.Clean(file) + "/"

		if len(file) < len(res) {
			res, file = file, res
		}

		for i := 0; i < len(res); i++ {
			if res[i] != file[i] {
				res = res[:i]
			}
		}
	}

	// the common substring could be between two / - inside a file name
	for i := len(res) - 1; i >= 0; i-- {
		if res[i] == '/' {
			res = res[:i+1]
			break
		}
	}
	return filepath.Clean(res)
}
