/*
Copyright © 2019 the EC-CAS diagnostics authors.
This file is part of EC-CAS-diags.

EC-CAS-diags is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

EC-CAS-diags is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with EC-CAS-diags.  If not, see <http://www.gnu.org/licenses/>.
*/

package cloud

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cloud/blob"
	"github.com/sirupsen/logrus"
)

// MaxRetries is the number of times a failed transfer is retried.
var MaxRetries uint64 = 4

// NotFoundError is returned when a blob cannot be opened.
type NotFoundError struct {
	Location string
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cloud: %s not found: %v", e.Location, e.Err)
}

// Exists reports whether the blob called name under root can be opened.
// Nothing is written locally.
func Exists(ctx context.Context, root, name string) (bool, error) {
	bucketName, prefix, err := Split(root)
	if err != nil {
		return false, err
	}
	bucket, err := OpenBucket(ctx, bucketName)
	if err != nil {
		return false, err
	}
	r, err := bucket.NewReader(ctx, Key(prefix, name))
	if err != nil {
		return false, nil
	}
	r.Close()
	return true, nil
}

// Download copies the blob called name under root to the local file dst.
// If the blob cannot be opened a *NotFoundError is returned; failures
// after that are retried with exponential backoff. dst is replaced
// atomically, so it is never left partially written.
func Download(ctx context.Context, root, name, dst string, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	bucketName, prefix, err := Split(root)
	if err != nil {
		return err
	}
	bucket, err := OpenBucket(ctx, bucketName)
	if err != nil {
		return err
	}
	key := Key(prefix, name)
	r, err := bucket.NewReader(ctx, key)
	if err != nil {
		return &NotFoundError{Location: root + "/" + key, Err: err}
	}
	r.Close()

	return backoff.RetryNotify(
		func() error {
			return fetch(ctx, bucket, key, dst)
		},
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxRetries),
		func(err error, d time.Duration) {
			log.WithFields(logrus.Fields{
				"key":   key,
				"delay": d,
			}).WithError(err).Warn("cloud: download failed; retrying")
		},
	)
}

func fetch(ctx context.Context, bucket *blob.Bucket, key, dst string) error {
	r, err := bucket.NewReader(ctx, key)
	if err != nil {
		return fmt.Errorf("cloud: reading blob %s: %v", key, err)
	}
	defer r.Close()
	w, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("cloud: creating download file: %v", err)
	}
	defer os.Remove(w.Name())
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("cloud: copying blob %s: %v", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("cloud: writing %s: %v", dst, err)
	}
	if err := os.Rename(w.Name(), dst); err != nil {
		return fmt.Errorf("cloud: writing %s: %v", dst, err)
	}
	return nil
}

// Upload copies the local file src to the blob called name under root.
func Upload(ctx context.Context, src, root, name string) error {
	r, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cloud: opening file '%s' for upload: %v", src, err)
	}
	defer r.Close()
	bucketName, prefix, err := Split(root)
	if err != nil {
		return err
	}
	bucket, err := OpenBucket(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("cloud: opening bucket to upload file '%s': %v", src, err)
	}
	key := Key(prefix, name)
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("cloud: opening writer to upload file '%s': %v", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("cloud: uploading file '%s' to '%s': %v", src, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("cloud: writing blob %s: %v", key, err)
	}
	return nil
}
