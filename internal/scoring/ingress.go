// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"context"
	"math"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/wsteitz/submission-criteria/internal/dqueue"
	"github.com/wsteitz/submission-criteria/internal/stats"
	"github.com/wsteitz/submission-criteria/internal/tournament"
)

// processIngress reflects a freshly uploaded submission on the leaderboard
// and fans it out for verdict scoring.
//
// The leaderboard write happens strictly before the fan-out so that both
// downstream workers always find a pending verdict row to resolve. When
// any step fails the submission is skipped whole: no fan-out, no pending
// verdicts, and the entry is still acknowledged by the caller.
func (p *Pipeline) processIngress(ctx context.Context, e dqueue.Entry) error {
	sub, err := p.gateway.GetSubmission(ctx, e.SubmissionID)
	if err != nil {
		return errors.Annotate(err, "get submission").Err()
	}
	round, err := p.gateway.GetRoundNumber(ctx, e.SubmissionID)
	if err != nil {
		return errors.Annotate(err, "get round number").Err()
	}
	dir, err := p.blobs.Dataset(ctx, round)
	if err != nil {
		return errors.Annotate(err, "fetch round %d dataset", round).Err()
	}
	ds, err := tournament.LoadDataset(dir)
	if err != nil {
		return errors.Annotate(err, "load round %d dataset", round).Err()
	}
	path, err := p.blobs.Submission(ctx, sub.BlobKey())
	if err != nil {
		return errors.Annotate(err, "fetch submission blob %s", sub.BlobKey()).Err()
	}
	predictions, err := tournament.LoadSubmission(path)
	if err != nil {
		return errors.Annotate(err, "load submission blob %s", sub.BlobKey()).Err()
	}

	pct, err := consistency(ds, predictions)
	if err != nil {
		return errors.Annotate(err, "compute consistency").Err()
	}
	logging.Infof(ctx, "ingress: submission %s consistency %.1f", e.SubmissionID, pct)

	if err := p.gateway.MarkLeaderboardPending(ctx, e.SubmissionID, pct); err != nil {
		return errors.Annotate(err, "mark leaderboard pending").Err()
	}
	for _, q := range []*dqueue.Queue{p.queues.Originality, p.queues.Concordance} {
		if err := q.Put(e); err != nil {
			return errors.Annotate(err, "fan out").Err()
		}
	}
	return nil
}

// consistency returns the percentage of validation eras whose log loss
// beats a coin flip, i.e. is strictly below ln 2.
func consistency(ds *tournament.Dataset, predictions *tournament.Submission) (float64, error) {
	eras := ds.Eras()
	if len(eras) == 0 {
		return 0, errors.Reason("dataset has no validation eras").Err()
	}

	type eraSample struct {
		labels []float64
		probs  []float64
	}
	byEra := make(map[string]*eraSample, len(eras))
	// Validation rows are already in ascending row-id order, so the
	// per-era label and probability vectors pair up row by row.
	for _, row := range ds.Partition(tournament.Validation) {
		prob, ok := predictions.Probabilities[row.ID]
		if !ok {
			continue
		}
		s := byEra[row.Era]
		if s == nil {
			s = &eraSample{}
			byEra[row.Era] = s
		}
		s.labels = append(s.labels, row.Target)
		s.probs = append(s.probs, prob)
	}

	better := 0
	for _, era := range eras {
		s := byEra[era]
		if s == nil {
			return 0, errors.Reason("submission covers no rows of era %s", era).Err()
		}
		loss, err := stats.LogLoss(s.labels, s.probs)
		if err != nil {
			return 0, errors.Annotate(err, "era %s", era).Err()
		}
		if loss < math.Ln2 {
			better++
		}
	}
	return 100 * float64(better) / float64(len(eras)), nil
}
