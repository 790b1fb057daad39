// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package blobcache mirrors object-store blobs onto local disk.
//
// The scoring pipeline reads two kinds of blobs: round dataset archives,
// downloaded and unpacked once per round, and contestant submission files,
// downloaded once and then shared by every comparison that needs them.
// Files are staged and renamed into place, so a present file is always
// complete, and concurrent fetches of the same blob collapse into one
// download.
package blobcache

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// ErrMissing is returned by Submission when the blob cannot be fetched,
// whether absent from the store or unreachable. Callers skip the
// submission instead of failing the whole scoring pass.
var ErrMissing = errors.New("blob is missing")

// Store reads objects from the blob store. Production code adapts a GCS
// client with GCS; tests substitute an in-memory implementation.
type Store interface {
	// Read opens the named object for reading.
	Read(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

type gcsStore struct {
	client *storage.Client
}

// GCS adapts a storage client to the Store interface.
func GCS(client *storage.Client) Store {
	return gcsStore{client}
}

func (s gcsStore) Read(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return s.client.Bucket(bucket).Object(object).NewReader(ctx)
}

// ReadObject reads a whole object into memory. Meant for small payloads
// such as secrets.
func ReadObject(ctx context.Context, store Store, bucket, object string) ([]byte, error) {
	r, err := store.Read(ctx, bucket, object)
	if err != nil {
		return nil, errors.Annotate(err, "open %s/%s", bucket, object).Err()
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "read %s/%s", bucket, object).Err()
	}
	return data, nil
}

// Cache is a fetch-once disk mirror of the submissions and datasets
// buckets. Safe for concurrent use.
type Cache struct {
	store             Store
	submissionsBucket string
	datasetsBucket    string
	dir               string

	group singleflight.Group
}

// New returns a cache rooted at dir.
func New(store Store, submissionsBucket, datasetsBucket, dir string) *Cache {
	return &Cache{
		store:             store,
		submissionsBucket: submissionsBucket,
		datasetsBucket:    datasetsBucket,
		dir:               dir,
	}
}

// Submission returns the local path of a submission blob, downloading it
// on first use. Any failure to produce the file reports ErrMissing; the
// underlying cause is logged, not returned, because every caller reacts
// the same way: skip.
func (c *Cache) Submission(ctx context.Context, blobKey string) (string, error) {
	if blobKey == "" || strings.Contains(blobKey, "..") {
		logging.Warningf(ctx, "refusing suspicious blob key %q", blobKey)
		return "", ErrMissing
	}
	local := filepath.Join(c.dir, "submissions", filepath.FromSlash(blobKey))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	_, err, _ := c.group.Do("submission:"+blobKey, func() (interface{}, error) {
		if _, err := os.Stat(local); err == nil {
			return nil, nil
		}
		n, err := c.download(ctx, c.submissionsBucket, blobKey, local)
		if err != nil {
			return nil, err
		}
		logging.Infof(ctx, "downloaded submission %s (%s)", blobKey, humanize.Bytes(uint64(n)))
		return nil, nil
	})
	if err != nil {
		logging.Warningf(ctx, "could not fetch submission %s, skipping: %s", blobKey, err)
		return "", ErrMissing
	}
	return local, nil
}

// Dataset returns the directory of a round's extracted dataset archive,
// downloading and unpacking it on first use. The unpack is atomic: the
// returned directory either holds the complete archive contents or does
// not exist.
func (c *Cache) Dataset(ctx context.Context, round int64) (string, error) {
	roundDir := filepath.Join(c.dir, "datasets", strconv.FormatInt(round, 10))
	extractDir := filepath.Join(roundDir, "numerai_datasets")
	if _, err := os.Stat(extractDir); err == nil {
		return extractDir, nil
	}
	_, err, _ := c.group.Do("dataset:"+strconv.FormatInt(round, 10), func() (interface{}, error) {
		if _, err := os.Stat(extractDir); err == nil {
			return nil, nil
		}
		zipPath := filepath.Join(roundDir, "numerai_datasets.zip")
		if _, err := os.Stat(zipPath); err != nil {
			object := fmt.Sprintf("%d/numerai_datasets.zip", round)
			n, err := c.download(ctx, c.datasetsBucket, object, zipPath)
			if err != nil {
				return nil, errors.Annotate(err, "download round %d dataset", round).Err()
			}
			logging.Infof(ctx, "downloaded round %d dataset (%s)", round, humanize.Bytes(uint64(n)))
		}

		staging, err := os.MkdirTemp(roundDir, ".extract-*")
		if err != nil {
			return nil, errors.Annotate(err, "stage extraction").Err()
		}
		defer os.RemoveAll(staging)
		if err := unzip(zipPath, staging); err != nil {
			return nil, errors.Annotate(err, "unpack round %d dataset", round).Err()
		}
		if err := os.Rename(staging, extractDir); err != nil {
			// Another process may have won the rename; the present
			// directory is complete either way.
			if _, statErr := os.Stat(extractDir); statErr == nil {
				return nil, nil
			}
			return nil, errors.Annotate(err, "move extraction into place").Err()
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return extractDir, nil
}

// download fetches one object into dest via a staged temp file, creating
// parent directories as needed. A present dest is never partially
// overwritten.
func (c *Cache) download(ctx context.Context, bucket, object, dest string) (int64, error) {
	r, err := c.store.Read(ctx, bucket, object)
	if err != nil {
		return 0, errors.Annotate(err, "open %s/%s", bucket, object).Err()
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, errors.Annotate(err, "create cache dir").Err()
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, errors.Annotate(err, "stage download").Err()
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, errors.Annotate(err, "copy %s/%s", bucket, object).Err()
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, errors.Annotate(err, "sync download").Err()
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Annotate(err, "close download").Err()
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, errors.Annotate(err, "move download into place").Err()
	}
	return n, nil
}

// unzip extracts an archive into dest, refusing entries that would escape
// it.
func unzip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return errors.Annotate(err, "open archive").Err()
	}
	defer zr.Close()

	cleanDest := filepath.Clean(dest)
	for _, f := range zr.File {
		path := filepath.Join(dest, filepath.FromSlash(f.Name))
		if path != cleanDest && !strings.HasPrefix(path, cleanDest+string(os.PathSeparator)) {
			return errors.Reason("archive entry escapes extraction dir: %q", f.Name).Err()
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0755); err != nil {
				return errors.Annotate(err, "create %q", f.Name).Err()
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.Annotate(err, "create parent of %q", f.Name).Err()
		}
		if err := extractFile(f, path); err != nil {
			return errors.Annotate(err, "extract %q", f.Name).Err()
		}
	}
	return nil
}

func extractFile(f *zip.File, path string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
