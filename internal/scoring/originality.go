// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"context"
	"math"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/wsteitz/submission-criteria/internal/blobcache"
	"github.com/wsteitz/submission-criteria/internal/dqueue"
	"github.com/wsteitz/submission-criteria/internal/metadata"
	"github.com/wsteitz/submission-criteria/internal/stats"
)

// processOriginality decides whether a submission is original relative to
// the round's cohort and writes the verdict.
func (p *Pipeline) processOriginality(ctx context.Context, e dqueue.Entry) error {
	sub, err := p.gateway.GetSubmission(ctx, e.SubmissionID)
	if err != nil {
		return errors.Annotate(err, "get submission").Err()
	}
	createdAt, err := p.gateway.GetCreatedAt(ctx, e.SubmissionID)
	if err != nil {
		return errors.Annotate(err, "get created at").Err()
	}
	logging.Infof(ctx, "originality: scoring %s by %s", e.SubmissionID, sub.Username)

	subject, err := p.subs.get(ctx, sub.BlobKey())
	if err != nil {
		return errors.Annotate(err, "fetch subject blob %s", sub.BlobKey()).Err()
	}

	original, err := p.evaluateOriginality(ctx, sub, createdAt, subject)
	if err != nil {
		return err
	}
	if err := p.gateway.WriteVerdict(ctx, metadata.Originality, e.SubmissionID, original); err != nil {
		return errors.Annotate(err, "write originality verdict").Err()
	}
	return nil
}

// evaluateOriginality compares the subject against every other user's most
// recent earlier submission in the round. A constant subject is never
// original. Otherwise the subject loses originality on the first cohort
// member that is too correlated or an exact duplicate, or once the similar
// count reaches maxSimilarModels.
func (p *Pipeline) evaluateOriginality(ctx context.Context, sub *metadata.Submission, createdAt time.Time, subject *probVectors) (bool, error) {
	if stats.IsConstant(subject.ByValue) {
		logging.Infof(ctx, "originality: submission %s predicts a constant, not comparing it", sub.ID)
		return false, nil
	}

	cohort, err := p.gateway.ListCohort(ctx, sub.RoundID, sub.UserID, createdAt)
	if err != nil {
		return false, errors.Annotate(err, "list cohort").Err()
	}
	logging.Infof(ctx, "originality: comparing submission %s against %d others", sub.ID, len(cohort))

	var similar []string
	for _, other := range cohort {
		candidate, err := p.subs.get(ctx, other.BlobKey())
		if err == blobcache.ErrMissing {
			logging.Warningf(ctx, "originality: no blob for cohort submission %s, skipping it", other.ID)
			continue
		}
		if err != nil {
			return false, errors.Annotate(err, "fetch cohort submission %s", other.ID).Err()
		}

		// The subject is non-constant past the check above. Pearson needs
		// the vectors paired, so rows must match elementwise; submissions
		// covering different row sets are compared by KS alone.
		if len(candidate.ByID) == len(subject.ByID) && !stats.IsConstant(candidate.ByValue) {
			if r := stats.Pearson(subject.ByID, candidate.ByID); math.Abs(r) > correlationThreshold {
				logging.Infof(ctx, "originality: found a highly correlated submission %s (r=%.4f)", other.ID, r)
				return false, nil
			}
		}

		ks := stats.KolmogorovSmirnovSorted(subject.ByValue, candidate.ByValue)
		if ks < exactDupeThreshold {
			logging.Infof(ctx, "originality: found a duplicate submission %s (KS=%.4f)", other.ID, ks)
			return false, nil
		}
		if ks <= similarThreshold {
			similar = append(similar, other.ID)
			if len(similar) >= maxSimilarModels {
				logging.Infof(ctx, "originality: found too many similar models: %s", strings.Join(similar, ", "))
				return false, nil
			}
		}
	}
	return true, nil
}
