// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package features derives the per-round inputs of the concordance check.
//
// For every round the engine clusters the dataset's feature rows once with
// mini-batch k-means and records, per tournament partition, the row ids in
// ascending order and the cluster index of each row. Building that takes
// tens of seconds on a real round, so the engine memoizes the two most
// recently used rounds and rebuilds a round only on first use or after an
// explicit invalidation.
package features

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/caching/lru"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/wsteitz/submission-criteria/internal/kmeans"
	"github.com/wsteitz/submission-criteria/internal/tournament"
)

// K is the number of clusters fitted per round.
const K = 5

// memoSize is how many rounds stay memoized. Scoring touches the current
// round almost exclusively; the second slot absorbs the tail of a previous
// round still draining from the queues.
const memoSize = 2

// Mini-batch training parameters.
const (
	batchSize  = 100
	iterations = 100
)

// ErrStale marks cluster vectors whose shape no longer matches the data
// being scored, the signature of a restarted round. Callers invalidate the
// round and retry once.
var ErrStale = errors.New("round features are stale")

// Blobs provides round dataset directories. *blobcache.Cache implements it.
type Blobs interface {
	Dataset(ctx context.Context, round int64) (string, error)
}

// RoundFeatures holds one round's cluster assignments. Within a partition,
// ids and cluster indexes are parallel slices in ascending row-id order.
// Read-only after construction and safe to share.
type RoundFeatures struct {
	Round int64

	ValIDs  []string
	TestIDs []string
	LiveIDs []string

	Val  []int
	Test []int
	Live []int
}

// CheckShape reports ErrStale unless the given per-partition sample sizes
// match the cluster vectors. A submission split against fresher data than
// these features were built from shows up here as a length mismatch.
func (rf *RoundFeatures) CheckShape(nVal, nTest, nLive int) error {
	if nVal != len(rf.Val) || nTest != len(rf.Test) || nLive != len(rf.Live) {
		return ErrStale
	}
	return nil
}

// Shape describes the cluster vector sizes, for logging.
func (rf *RoundFeatures) Shape() string {
	return fmt.Sprintf("%d val / %d test / %d live", len(rf.Val), len(rf.Test), len(rf.Live))
}

// Engine computes and memoizes RoundFeatures. Safe for concurrent use;
// concurrent Gets of the same round share a single build.
type Engine struct {
	blobs Blobs
	memo  *lru.Cache
}

// NewEngine returns an engine reading datasets through blobs.
func NewEngine(blobs Blobs) *Engine {
	return &Engine{
		blobs: blobs,
		memo:  lru.New(memoSize),
	}
}

// Get returns the round's features, building them on first use.
func (e *Engine) Get(ctx context.Context, round int64) (*RoundFeatures, error) {
	v, err := e.memo.GetOrCreate(ctx, round, func() (interface{}, time.Duration, error) {
		rf, err := e.build(ctx, round)
		if err != nil {
			return nil, 0, err
		}
		return rf, 0, nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "round %d features", round).Err()
	}
	return v.(*RoundFeatures), nil
}

// Invalidate drops the round's memoized features so the next Get rebuilds
// them from the dataset on disk.
func (e *Engine) Invalidate(ctx context.Context, round int64) {
	e.memo.Mutate(ctx, round, func(it *lru.Item) *lru.Item { return nil })
}

func (e *Engine) build(ctx context.Context, round int64) (*RoundFeatures, error) {
	dir, err := e.blobs.Dataset(ctx, round)
	if err != nil {
		return nil, err
	}
	ds, err := tournament.LoadDataset(dir)
	if err != nil {
		return nil, err
	}

	logging.Infof(ctx, "round %d: clustering dataset", round)
	started := clock.Now(ctx)
	// A fixed per-round seed keeps assignments stable for the lifetime of
	// the memo entry and across rebuilds of unchanged data.
	rng := rand.New(rand.NewSource(round))
	model, err := kmeans.Train(ds.ClusteringMatrix(), K, batchSize, iterations, rng)
	if err != nil {
		return nil, errors.Annotate(err, "cluster dataset").Err()
	}

	rf := &RoundFeatures{
		Round:   round,
		ValIDs:  ds.PartitionIDs(tournament.Validation),
		TestIDs: ds.PartitionIDs(tournament.Test),
		LiveIDs: ds.PartitionIDs(tournament.Live),
		Val:     predict(model, ds, tournament.Validation),
		Test:    predict(model, ds, tournament.Test),
		Live:    predict(model, ds, tournament.Live),
	}
	logging.Infof(ctx, "round %d: finished clustering (%s) in %s",
		round, rf.Shape(), clock.Now(ctx).Sub(started))
	return rf, nil
}

func predict(model *kmeans.Model, ds *tournament.Dataset, partition string) []int {
	m := ds.PartitionMatrix(partition)
	if m == nil {
		return nil
	}
	return model.PredictAll(m)
}
