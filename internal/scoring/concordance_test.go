// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"

	"github.com/wsteitz/submission-criteria/internal/dqueue"
	"github.com/wsteitz/submission-criteria/internal/features"
	"github.com/wsteitz/submission-criteria/internal/metadata"
)

func TestConcordance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	Convey("With a concordance worker over fakes", t, func() {
		gw := newFakeGateway()
		blobs := newFakeBlobs()
		tr := makeRound(t, 8)
		blobs.setDataset(7, tr.dir)
		p := New(Options{
			Gateway:  gw,
			Blobs:    blobs,
			Features: features.NewEngine(blobs),
		})

		sub := &metadata.Submission{
			ID:        "s1",
			UserID:    "u1",
			Username:  "alice",
			RoundID:   "r7",
			CreatedAt: time.Now(),
			Filename:  "predictions.csv",
			Selected:  true,
		}
		gw.addSubmission(sub, 7)

		Convey("matching distributions across partitions are concordant", func() {
			blobs.addSubmission(t, sub.BlobKey(), tr.allIDs(), tr.partitionProbs(ramp, ramp, ramp))

			So(p.processConcordance(ctx, dqueue.Entry{SubmissionID: "s1"}), ShouldBeNil)
			v, ok := gw.verdict("s1", metadata.Concordance)
			So(ok, ShouldBeTrue)
			So(v, ShouldBeTrue)
		})

		Convey("a distribution shift between partitions is not concordant", func() {
			low := func(j int) float64 { return 0.10 + 0.004*float64(j) }
			high := func(j int) float64 { return 0.90 + 0.004*float64(j) }
			blobs.addSubmission(t, sub.BlobKey(), tr.allIDs(), tr.partitionProbs(low, high, high))

			So(p.processConcordance(ctx, dqueue.Entry{SubmissionID: "s1"}), ShouldBeNil)
			v, ok := gw.verdict("s1", metadata.Concordance)
			So(ok, ShouldBeTrue)
			So(v, ShouldBeFalse)
		})

		Convey("a round restart is absorbed by one features rebuild", func() {
			// Warm the memo from the dataset as it was before the restart.
			_, err := p.features.Get(ctx, 7)
			So(err, ShouldBeNil)

			// The round restarts with a smaller dataset and the submission
			// covers only its rows.
			restarted := makeRound(t, 4)
			blobs.setDataset(7, restarted.dir)
			blobs.addSubmission(t, sub.BlobKey(), restarted.allIDs(),
				restarted.partitionProbs(ramp, ramp, ramp))

			So(p.processConcordance(ctx, dqueue.Entry{SubmissionID: "s1"}), ShouldBeNil)
			v, ok := gw.verdict("s1", metadata.Concordance)
			So(ok, ShouldBeTrue)
			So(v, ShouldBeTrue)
			So(blobs.fetchCount(7), ShouldEqual, 2)
		})

		Convey("a second stale evaluation is fatal for the submission", func() {
			// The submission covers half of each partition, so the rebuilt
			// features mismatch exactly like the memoized ones.
			var ids []string
			ids = append(ids, tr.valIDs[:4]...)
			ids = append(ids, tr.testIDs[:4]...)
			ids = append(ids, tr.liveIDs[:4]...)
			probs := make([]float64, len(ids))
			for i := range probs {
				probs[i] = 0.3 + 0.02*float64(i%4)
			}
			blobs.addSubmission(t, sub.BlobKey(), ids, probs)

			err := p.processConcordance(ctx, dqueue.Entry{SubmissionID: "s1"})
			So(err, ShouldErrLike, "stale even after recomputing")
			_, ok := gw.verdict("s1", metadata.Concordance)
			So(ok, ShouldBeFalse)
			So(blobs.fetchCount(7), ShouldEqual, 2)
		})

		Convey("a missing submission blob is skipped without a verdict", func() {
			err := p.processConcordance(ctx, dqueue.Entry{SubmissionID: "s1"})
			So(err, ShouldErrLike, "fetch submission blob")
			_, ok := gw.verdict("s1", metadata.Concordance)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestMeanClusterKS(t *testing.T) {
	t.Parallel()

	Convey("meanClusterKS", t, func() {
		sameFill := func(n int) []float64 {
			v := make([]float64, n)
			for j := range v {
				v[j] = float64(j%97) / 97
			}
			return v
		}
		zeros := func(n int) []int { return make([]int, n) }

		Convey("identical samples in one cluster score zero", func() {
			v := sameFill(1000)
			rf := &features.RoundFeatures{Val: zeros(1000), Test: zeros(1000), Live: zeros(1000)}
			So(meanClusterKS(v, v, v, rf), ShouldEqual, 0)
		})

		Convey("fully shifted partitions score one", func() {
			val := make([]float64, 1000)
			rest := make([]float64, 1000)
			for j := range val {
				val[j] = 0.25 + 0.1*float64(j)/1000
				rest[j] = 0.65 + 0.1*float64(j)/1000
			}
			rf := &features.RoundFeatures{Val: zeros(1000), Test: zeros(1000), Live: zeros(1000)}
			So(meanClusterKS(val, rest, rest, rf), ShouldEqual, 1)
		})

		Convey("a cluster with no test or live members contributes zero", func() {
			rf := &features.RoundFeatures{Val: []int{0, 1}, Test: []int{0}, Live: []int{0}}
			mean := meanClusterKS([]float64{0.2, 0.8}, []float64{0.2}, []float64{0.2}, rf)
			So(mean, ShouldEqual, 0)
		})

		Convey("no populated clusters means no concordance", func() {
			rf := &features.RoundFeatures{}
			So(meanClusterKS(nil, nil, nil, rf), ShouldEqual, 1)
		})
	})
}
