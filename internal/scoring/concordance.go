// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"context"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/wsteitz/submission-criteria/internal/dqueue"
	"github.com/wsteitz/submission-criteria/internal/features"
	"github.com/wsteitz/submission-criteria/internal/metadata"
	"github.com/wsteitz/submission-criteria/internal/stats"
	"github.com/wsteitz/submission-criteria/internal/tournament"
)

// processConcordance decides whether a submission's probabilities are
// distributed consistently across the validation, test and live partitions
// and writes the verdict.
//
// The round's cluster assignments come from the features engine. When the
// submission's partition splits no longer line up with the memoized
// cluster vectors the round has restarted: the memo is invalidated and the
// evaluation retried once against freshly built features. A second
// mismatch skips the submission without a verdict.
func (p *Pipeline) processConcordance(ctx context.Context, e dqueue.Entry) error {
	sub, err := p.gateway.GetSubmission(ctx, e.SubmissionID)
	if err != nil {
		return errors.Annotate(err, "get submission").Err()
	}
	round, err := p.gateway.GetRoundNumber(ctx, e.SubmissionID)
	if err != nil {
		return errors.Annotate(err, "get round number").Err()
	}
	path, err := p.blobs.Submission(ctx, sub.BlobKey())
	if err != nil {
		return errors.Annotate(err, "fetch submission blob %s", sub.BlobKey()).Err()
	}
	predictions, err := tournament.LoadSubmission(path)
	if err != nil {
		return errors.Annotate(err, "load submission blob %s", sub.BlobKey()).Err()
	}

	concordant, err := p.evaluateConcordance(ctx, round, e.SubmissionID, predictions)
	if err == features.ErrStale {
		logging.Warningf(ctx, "concordance: submission %s: features for round %d are stale, recomputing", e.SubmissionID, round)
		p.features.Invalidate(ctx, round)
		concordant, err = p.evaluateConcordance(ctx, round, e.SubmissionID, predictions)
		if err == features.ErrStale {
			return errors.Reason("features for round %d are stale even after recomputing", round).Err()
		}
	}
	if err != nil {
		return err
	}

	if err := p.gateway.WriteVerdict(ctx, metadata.Concordance, e.SubmissionID, concordant); err != nil {
		return errors.Annotate(err, "write concordance verdict").Err()
	}
	return nil
}

// evaluateConcordance scores one submission against the round's current
// cluster assignments. Returns features.ErrStale when the submission's
// partition splits do not match the cluster vectors.
func (p *Pipeline) evaluateConcordance(ctx context.Context, round int64, id string, predictions *tournament.Submission) (bool, error) {
	rf, err := p.features.Get(ctx, round)
	if err != nil {
		return false, err
	}

	pVal := predictions.SplitByPartition(rf.ValIDs)
	pTest := predictions.SplitByPartition(rf.TestIDs)
	pLive := predictions.SplitByPartition(rf.LiveIDs)
	if err := rf.CheckShape(len(pVal), len(pTest), len(pLive)); err != nil {
		logging.Warningf(ctx, "concordance: submission %s splits %d/%d/%d vs clusters %s",
			id, len(pVal), len(pTest), len(pLive), rf.Shape())
		return false, err
	}

	mean := meanClusterKS(pVal, pTest, pLive, rf)
	logging.Infof(ctx, "concordance: submission %s scored mean KS %.4f over round %d clusters", id, mean, round)
	return mean < concordanceThreshold, nil
}

// meanClusterKS averages, over the clusters present in the validation
// partition, the worst pairwise KS statistic between the submission's
// per-cluster probability samples.
func meanClusterKS(pVal, pTest, pLive []float64, rf *features.RoundFeatures) float64 {
	var sum float64
	var clusters int
	for i := 0; i < features.K; i++ {
		v := filterByCluster(pVal, rf.Val, i)
		if len(v) == 0 {
			// Clusters absent from the validation partition contribute no
			// score.
			continue
		}
		t := filterByCluster(pTest, rf.Test, i)
		l := filterByCluster(pLive, rf.Live, i)
		// A pairing with an empty side yields D = 0 and never drives the
		// max.
		score := stats.KolmogorovSmirnov(v, t)
		if d := stats.KolmogorovSmirnov(v, l); d > score {
			score = d
		}
		if d := stats.KolmogorovSmirnov(l, t); d > score {
			score = d
		}
		sum += score
		clusters++
	}
	if clusters == 0 {
		// An empty validation partition gives no evidence of concordance.
		return 1
	}
	return sum / float64(clusters)
}

// filterByCluster returns the probabilities whose row landed in cluster i.
// probs and clusters are parallel, both in ascending row-id order.
func filterByCluster(probs []float64, clusters []int, i int) []float64 {
	var out []float64
	for j, c := range clusters {
		if c == i {
			out = append(out, probs[j])
		}
	}
	return out
}
