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
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// Archive copies experiment directories to a bucket. Objects
// are stored below <prefix>/<project>/<experiment>/, where prefix is
// the path component of the bucket URL.
type Archive struct {
	// BucketName is a bucket URL as accepted by OpenBucket.
	BucketName string

	Log logrus.FieldLogger

	// MaxRetries is the number of times a failed transfer is retried.
	MaxRetries uint64
}

// NewArchive returns an archive for the given bucket URL.
func NewArchive(bucketName string) *Archive {
	return &Archive{
		BucketName: bucketName,
		Log:        logrus.StandardLogger(),
		MaxRetries: 5,
	}
}

func (a *Archive) open(ctx context.Context, project, name string) (*blob.Bucket, string, error) {
	prefix, err := KeyPrefix(a.BucketName)
	if err != nil {
		return nil, "", err
	}
	b, err := OpenBucket(ctx, a.BucketName)
	if err != nil {
		return nil, "", err
	}
	return b, joinKey(prefix, project, name) + "/", nil
}

// Upload copies the regular files below dir into the bucket and returns
// the number of files copied. Symbolic links are skipped.
func (a *Archive) Upload(ctx context.Context, project, name, dir string) (int, error) {
	b, prefix, err := a.open(ctx, project, name)
	if err != nil {
		return 0, err
	}
	defer b.Close()
	n := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		if err := a.retry(func() error { return writeBlob(ctx, b, key, path) }); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("cloud: uploading %s: %w", dir, err)
	}
	a.Log.WithFields(logrus.Fields{"files": n, "bucket": a.BucketName, "key": prefix}).Info("uploaded experiment")
	return n, nil
}

// Delete deletes the archived files of an experiment.
func (a *Archive) Delete(ctx context.Context, project, name string) error {
	b, prefix, err := a.open(ctx, project, name)
	if err != nil {
		return err
	}
	defer b.Close()
	return deleteBlobDir(ctx, b, prefix)
}

func (a *Archive) retry(op func() error) error {
	return backoff.RetryNotify(op,
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.MaxRetries),
		func(err error, d time.Duration) {
			a.Log.Warnf("%v: retrying in %v", err, d)
		},
	)
}

// writeBlob writes the given file to the given bucket.
func writeBlob(ctx context.Context, bucket *blob.Bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("wrftamer/cloud: creating writer for blob %s: %v", key, err)
	}
	if _, err = io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("wrftamer/cloud: copying blob %s: %v", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("wrftamer/cloud: writing blob %s: %v", key, err)
	}
	return nil
}

// listKeys returns the keys of all blobs below prefix.
func listKeys(ctx context.Context, bucket *blob.Bucket, prefix string) ([]string, error) {
	var keys []string
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cloud: listing blobs in %s: %v", prefix, err)
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

// deleteBlobDir deletes all blobs below prefix.
func deleteBlobDir(ctx context.Context, bucket *blob.Bucket, prefix string) error {
	keys, err := listKeys(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err = bucket.Delete(ctx, key); err != nil {
			return fmt.Errorf("cloud: deleting blob %s: %v", key, err)
		}
	}
	return nil
}
