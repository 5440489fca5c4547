/*
Copyright © 2021 the WRFtamer authors.
This file is part of WRFtamer.

WRFtamer is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

WRFtamer is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with WRFtamer.  If not, see <http://www.gnu.org/licenses/>.
*/

package cloud

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyPrefix(t *testing.T) {
	tests := map[string]string{
		"s3://bucket":                "",
		"s3://bucket/wrf/archive/":   "wrf/archive",
		"gs://bucket/tamer":          "tamer",
		"file:///data/tamer/archive": "",
	}
	for in, want := range tests {
		have, err := KeyPrefix(in)
		if err != nil {
			t.Fatal(err)
		}
		if have != want {
			t.Errorf("%s: have %q, want %q", in, have, want)
		}
	}
	if have := joinKey("", "proj", "exp"); have != "proj/exp" {
		t.Errorf("joinKey: %s", have)
	}
}

func TestOpenBucketInvalid(t *testing.T) {
	if _, err := OpenBucket(context.Background(), "ftp://x"); err == nil {
		t.Error("invalid provider should fail")
	}
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	files := map[string]string{
		"configure.yaml":                     "paths: {}\n",
		"out/wrfout_d01_2020-05-17_00:00:00": "netcdf",
		"log/rsl.error.0000":                 "SUCCESS COMPLETE WRF\n",
	}
	for name, content := range files {
		p := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	// Links are not archived.
	if err := os.Symlink("/bin/sh", filepath.Join(src, "wrf.exe")); err != nil {
		t.Fatal(err)
	}

	a := NewArchive("file://" + filepath.Join(tmp, "bucket"))
	a.MaxRetries = 0

	n, err := a.Upload(ctx, "proj", "exp", src)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(files) {
		t.Errorf("uploaded %d files, want %d", n, len(files))
	}
	b, err := OpenBucket(ctx, a.BucketName)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	for name, content := range files {
		data, err := b.ReadAll(ctx, "proj/exp/"+name)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != content {
			t.Errorf("%s: have %q, want %q", name, data, content)
		}
	}
	if ok, err := b.Exists(ctx, "proj/exp/wrf.exe"); err != nil || ok {
		t.Errorf("link uploaded: %v", err)
	}

	if err := a.Delete(ctx, "proj", "exp"); err != nil {
		t.Fatal(err)
	}
	keys, err := listKeys(ctx, b, "proj/exp/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("remaining keys after delete: %v", keys)
	}
}
