// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config loads the scoring service configuration from the
// environment.
package config

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Names of the secret objects consulted when the corresponding environment
// variables are unset and SECRETS_BUCKET is configured.
const (
	APIKeySecret     = "API_KEY"
	MetadataDBSecret = "METADATA_DB"
)

// Config holds everything the server needs to start.
type Config struct {
	// Port is the HTTP ingestion listen port (PORT, default 5151).
	Port int
	// APIKey authenticates scoring requests (API_KEY).
	APIKey string
	// NumThreads sizes the worker layout the way the scheduler is
	// described: one ingress consumer, one concordance worker and
	// NumThreads-3 originality workers (NUM_THREADS, default 32).
	NumThreads int
	// SubmissionsBucket holds uploaded prediction files keyed
	// "<username>/<filename>" (SUBMISSIONS_BUCKET).
	SubmissionsBucket string
	// DatasetsBucket holds round dataset archives keyed
	// "<round>/numerai_datasets.zip" (DATASETS_BUCKET).
	DatasetsBucket string
	// SecretsBucket optionally holds secret objects used as fallback for
	// unset API_KEY and METADATA_DB (SECRETS_BUCKET).
	SecretsBucket string
	// MetadataDB is the MySQL DSN of the metadata store (METADATA_DB).
	MetadataDB string
	// QueueDir is the root of the durable queue directories
	// (QUEUE_DIR, default "queues").
	QueueDir string
	// CacheDir is the blob cache root (CACHE_DIR, default
	// "/tmp/submission-criteria").
	CacheDir string
}

// FromEnv parses the configuration from the process environment. Presence
// of required values is checked separately by Validate, after the secrets
// fallback had its chance to fill them in.
func FromEnv() (*Config, error) {
	return fromEnv(os.Getenv)
}

func fromEnv(env func(string) string) (*Config, error) {
	c := &Config{
		Port:              5151,
		NumThreads:        32,
		APIKey:            env("API_KEY"),
		SubmissionsBucket: env("SUBMISSIONS_BUCKET"),
		DatasetsBucket:    env("DATASETS_BUCKET"),
		SecretsBucket:     env("SECRETS_BUCKET"),
		MetadataDB:        env("METADATA_DB"),
		QueueDir:          "queues",
		CacheDir:          "/tmp/submission-criteria",
	}
	if v := env("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Annotate(err, "parse PORT").Err()
		}
		c.Port = p
	}
	if v := env("NUM_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Annotate(err, "parse NUM_THREADS").Err()
		}
		c.NumThreads = n
	}
	if v := env("QUEUE_DIR"); v != "" {
		c.QueueDir = v
	}
	if v := env("CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	return c, nil
}

// ResolveSecrets fills APIKey and MetadataDB from the secrets bucket when
// the environment left them empty. fetch reads one secret object by name;
// the server wires it to the object store client.
func (c *Config) ResolveSecrets(ctx context.Context, fetch func(ctx context.Context, name string) ([]byte, error)) error {
	if c.SecretsBucket == "" {
		return nil
	}
	for _, s := range []struct {
		name string
		dst  *string
	}{
		{APIKeySecret, &c.APIKey},
		{MetadataDBSecret, &c.MetadataDB},
	} {
		if *s.dst != "" {
			continue
		}
		logging.Infof(ctx, "fetching secret %s from bucket %s", s.name, c.SecretsBucket)
		data, err := fetch(ctx, s.name)
		if err != nil {
			return errors.Annotate(err, "fetch secret %s", s.name).Err()
		}
		*s.dst = strings.TrimSpace(string(data))
	}
	return nil
}

// Validate reports the first missing or nonsensical required value.
func (c *Config) Validate() error {
	switch {
	case c.APIKey == "":
		return errors.New("API_KEY is required")
	case c.MetadataDB == "":
		return errors.New("METADATA_DB is required")
	case c.SubmissionsBucket == "":
		return errors.New("SUBMISSIONS_BUCKET is required")
	case c.DatasetsBucket == "":
		return errors.New("DATASETS_BUCKET is required")
	case c.Port <= 0 || c.Port > 65535:
		return errors.Reason("PORT %d out of range", c.Port).Err()
	case c.NumThreads <= 0:
		return errors.Reason("NUM_THREADS %d must be positive", c.NumThreads).Err()
	}
	return nil
}

// OriginalityWorkers returns the originality pool size: NumThreads minus
// the ingress consumer, the concordance worker and the HTTP thread, and
// never less than one.
func (c *Config) OriginalityWorkers() int {
	if n := c.NumThreads - 3; n > 1 {
		return n
	}
	return 1
}
