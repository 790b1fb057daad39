// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command criteria-server runs the submission scoring service: an HTTP
// ingestion endpoint feeding durable queues, and the worker pipeline that
// resolves concordance and originality verdicts behind them.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/sys/unix"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/wsteitz/submission-criteria/internal/blobcache"
	"github.com/wsteitz/submission-criteria/internal/config"
	"github.com/wsteitz/submission-criteria/internal/dqueue"
	"github.com/wsteitz/submission-criteria/internal/features"
	"github.com/wsteitz/submission-criteria/internal/frontend"
	"github.com/wsteitz/submission-criteria/internal/metadata"
	"github.com/wsteitz/submission-criteria/internal/scoring"
)

func main() {
	if err := innerMain(); err != nil {
		log.Fatalf("criteria-server: %s", err)
	}
}

func innerMain() error {
	mathrand.SeedRandomly()
	ctx, cancel := context.WithCancel(gologger.StdConfig.Use(context.Background()))
	defer cancel()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Annotate(err, "create object store client").Err()
	}
	defer client.Close()
	store := blobcache.GCS(client)

	err = cfg.ResolveSecrets(ctx, func(ctx context.Context, name string) ([]byte, error) {
		return blobcache.ReadObject(ctx, store, cfg.SecretsBucket, name)
	})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	gateway, err := metadata.Dial(ctx, cfg.MetadataDB)
	if err != nil {
		return err
	}
	defer gateway.Close()
	if err := gateway.EnsureSchema(ctx); err != nil {
		return err
	}

	queues, err := dqueue.OpenTriad(ctx, cfg.QueueDir)
	if err != nil {
		return err
	}
	defer queues.Close()

	blobs := blobcache.New(store, cfg.SubmissionsBucket, cfg.DatasetsBucket, cfg.CacheDir)
	pipeline := scoring.New(scoring.Options{
		Queues:             queues,
		Gateway:            gateway,
		Blobs:              blobs,
		Features:           features.NewEngine(blobs),
		OriginalityWorkers: cfg.OriginalityWorkers(),
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     frontend.New(queues.Ingress, cfg.APIKey).Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Deferred last so it runs first: the workers must finish their
	// current entries before the queues and stores close underneath them.
	var wg sync.WaitGroup
	defer wg.Wait()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case s := <-sig:
			logging.Infof(ctx, "caught %s, finishing current entries and shutting down", s)
		case <-ctx.Done():
		}
		cancel()
		if err := srv.Shutdown(context.Background()); err != nil {
			logging.Errorf(ctx, "shutting down ingestion server: %s", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Run(ctx)
	}()

	logging.Infof(ctx, "serving scoring requests on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cancel()
		return errors.Annotate(err, "serve ingestion endpoint").Err()
	}
	return nil
}
