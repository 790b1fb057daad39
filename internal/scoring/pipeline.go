// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scoring runs the multi-stage submission scoring pipeline.
//
// A submission enters on the ingress queue. A single ingress consumer
// computes its leaderboard consistency, marks both verdicts pending and
// fans the entry out to the originality and concordance queues. One
// concordance worker and a pool of originality workers then resolve the
// two verdicts independently.
//
// Every stage acknowledges its queue entry whether scoring succeeded or
// not: a submission that cannot be scored is logged and skipped, never
// left to block the ones behind it. Entries are only redelivered when the
// process dies before the acknowledgement.
package scoring

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/runtime/paniccatcher"

	"github.com/wsteitz/submission-criteria/internal/dqueue"
	"github.com/wsteitz/submission-criteria/internal/features"
	"github.com/wsteitz/submission-criteria/internal/metadata"
)

// Decision thresholds of the two verdicts.
const (
	// concordanceThreshold bounds the mean per-cluster KS statistic of a
	// concordant submission.
	concordanceThreshold = 0.12
	// exactDupeThreshold is the KS statistic below which another user's
	// submission counts as an exact duplicate.
	exactDupeThreshold = 0.005
	// similarThreshold is the KS statistic at or below which another
	// user's submission counts as merely similar.
	similarThreshold = 0.03
	// maxSimilarModels is the similar-submission count at which a subject
	// loses originality.
	maxSimilarModels = 1
	// correlationThreshold bounds |Pearson| against any other submission.
	correlationThreshold = 0.95
)

// Gateway is the slice of the metadata store the pipeline needs.
// *metadata.Gateway implements it.
type Gateway interface {
	GetSubmission(ctx context.Context, id string) (*metadata.Submission, error)
	GetRoundNumber(ctx context.Context, submissionID string) (int64, error)
	GetCreatedAt(ctx context.Context, submissionID string) (time.Time, error)
	MarkLeaderboardPending(ctx context.Context, submissionID string, consistency float64) error
	WriteVerdict(ctx context.Context, metric metadata.Metric, submissionID string, value bool) error
	ListCohort(ctx context.Context, roundID, excludeUserID string, before time.Time) ([]*metadata.Submission, error)
}

// Blobs is the slice of the blob cache the pipeline needs.
// *blobcache.Cache implements it.
type Blobs interface {
	Dataset(ctx context.Context, round int64) (string, error)
	Submission(ctx context.Context, blobKey string) (string, error)
}

// Options configures a Pipeline.
type Options struct {
	Queues   *dqueue.Triad
	Gateway  Gateway
	Blobs    Blobs
	Features *features.Engine

	// OriginalityWorkers is the originality pool size; values below one
	// are raised to one.
	OriginalityWorkers int
}

// Pipeline owns the scoring workers. Construct with New, then call Run.
type Pipeline struct {
	queues             *dqueue.Triad
	gateway            Gateway
	blobs              Blobs
	features           *features.Engine
	subs               *submissionCache
	originalityWorkers int
}

// New assembles a pipeline from its collaborators.
func New(o Options) *Pipeline {
	workers := o.OriginalityWorkers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		queues:             o.Queues,
		gateway:            o.Gateway,
		blobs:              o.Blobs,
		features:           o.Features,
		subs:               newSubmissionCache(o.Blobs),
		originalityWorkers: workers,
	}
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current entry. Entries delivered but not yet acknowledged at
// that point are redelivered after the queues reopen.
func (p *Pipeline) Run(ctx context.Context) {
	logging.Infof(ctx, "starting pipeline: 1 ingress, 1 concordance, %d originality workers", p.originalityWorkers)

	var wg sync.WaitGroup
	start := func(name string, q *dqueue.Queue, process processFunc) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.drain(ctx, name, q, process)
		}()
	}
	start("ingress", p.queues.Ingress, p.processIngress)
	start("concordance", p.queues.Concordance, p.processConcordance)
	for i := 0; i < p.originalityWorkers; i++ {
		start("originality", p.queues.Originality, p.processOriginality)
	}
	wg.Wait()
	logging.Infof(ctx, "pipeline stopped")
}

// processFunc scores one queue entry. A non-nil error means the submission
// was skipped; the entry is acknowledged either way.
type processFunc func(ctx context.Context, e dqueue.Entry) error

// drain consumes q until ctx is cancelled or the queue is closed.
func (p *Pipeline) drain(ctx context.Context, name string, q *dqueue.Queue, process processFunc) {
	for {
		e, tok, err := q.Get(ctx)
		if err != nil {
			if ctx.Err() == nil && err != dqueue.ErrClosed {
				logging.Errorf(ctx, "%s: queue get: %s", name, err)
			}
			return
		}
		waited := clock.Now(ctx).Sub(e.EnqueueTime)

		err = p.score(ctx, name, e, process)
		if ackErr := q.TaskDone(tok); ackErr != nil {
			logging.Errorf(ctx, "%s: acknowledge submission %s: %s", name, e.SubmissionID, ackErr)
		}
		if err != nil {
			logging.Errorf(ctx, "%s: skipping submission %s: %s", name, e.SubmissionID, err)
			continue
		}
		logging.Infof(ctx, "%s: submission %s took %s to complete (%s queued)",
			name, e.SubmissionID, clock.Now(ctx).Sub(e.EnqueueTime), waited)
	}
}

// score runs process under a panic guard, converting a panic into an
// ordinary skip so one poisoned submission cannot take the worker down.
func (p *Pipeline) score(ctx context.Context, name string, e dqueue.Entry, process processFunc) (err error) {
	defer paniccatcher.Catch(func(pan *paniccatcher.Panic) {
		logging.Errorf(ctx, "%s: panic scoring submission %s: %s\n%s", name, e.SubmissionID, pan.Reason, pan.Stack)
		err = errors.Reason("panic: %s", pan.Reason).Err()
	})
	return process(ctx, e)
}
