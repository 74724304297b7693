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

// Package archiver assembles a staged directory tree into a flat zip
// archive rooted at the tree.
package archiver

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ZipDirectory walks srcDir and writes its content into a zip at dstPath.
// Entry names are relative to srcDir, so unpacking reproduces the staged
// layout without the staging prefix.
func ZipDirectory(srcDir, dstPath string) error {
	out, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrap(err, "archiver: error creating archive")
	}
	defer out.Close()

	w := zip.NewWriter(out)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}

		name, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)

		info, err := d.Info()
		if err != nil {
			return err
		}

		header := zip.FileHeader{
			Name:     name,
			Modified: info.ModTime(),
			Method:   zip.Deflate,
		}

		if d.IsDir() {
			header.Name += "/"
			_, err := w.CreateHeader(&header)
			return err
		}

		header.UncompressedSize64 = uint64(info.Size())
		dst, err := w.CreateHeader(&header)
		if err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "archiver: error archiving %s", srcDir)
	}

	return w.Close()
}
