// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stats implements the statistical primitives used by the scoring
// pipeline: the two-sample Kolmogorov-Smirnov statistic, the Pearson
// correlation coefficient and binary log loss.
package stats

import (
	"math"
	"sort"

	"go.chromium.org/luci/common/errors"
	"gonum.org/v1/gonum/stat"
)

// logLossEps clips predicted probabilities away from 0 and 1 so that the
// log loss of an overconfident prediction stays finite.
const logLossEps = 1e-15

// KolmogorovSmirnov returns the two-sample Kolmogorov-Smirnov D statistic
// of a and b, the maximum absolute difference between their empirical
// CDFs. Neither argument needs to be sorted and neither is modified.
//
// By convention D is 0 when either sample is empty.
func KolmogorovSmirnov(a, b []float64) float64 {
	as := make([]float64, len(a))
	copy(as, a)
	sort.Float64s(as)
	bs := make([]float64, len(b))
	copy(bs, b)
	sort.Float64s(bs)
	return KolmogorovSmirnovSorted(as, bs)
}

// KolmogorovSmirnovSorted is KolmogorovSmirnov for samples already sorted
// in ascending order. The scoring hot path compares one submission against
// hundreds of cached candidates, so sorting is paid once per vector rather
// than once per comparison.
//
// Both empirical CDFs are evaluated at every distinct value of the union
// of the samples; a single merge walk visits exactly those points.
func KolmogorovSmirnovSorted(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	na := float64(len(a))
	nb := float64(len(b))
	var i, j int
	var d float64
	for i < len(a) && j < len(b) {
		v := a[i]
		if b[j] < v {
			v = b[j]
		}
		for i < len(a) && a[i] == v {
			i++
		}
		for j < len(b) && b[j] == v {
			j++
		}
		if diff := math.Abs(float64(i)/na - float64(j)/nb); diff > d {
			d = diff
		}
	}
	// Past the end of one sample its CDF stays at 1 while the other only
	// climbs toward 1, so no later union point can exceed d.
	return d
}

// Pearson returns the Pearson correlation coefficient of the paired
// samples x and y. The pairing is positional: callers align the vectors
// (the pipeline pairs by row id) before calling.
func Pearson(x, y []float64) float64 {
	return stat.Correlation(x, y, nil)
}

// LogLoss returns the binary cross-entropy of the predicted probabilities
// against the 0/1 labels. Probabilities are clipped to
// [logLossEps, 1-logLossEps] before taking logarithms.
func LogLoss(labels, probs []float64) (float64, error) {
	if len(labels) == 0 {
		return 0, errors.Reason("log loss of an empty sample").Err()
	}
	if len(labels) != len(probs) {
		return 0, errors.Reason("log loss: %d labels but %d probabilities", len(labels), len(probs)).Err()
	}
	var sum float64
	for i, y := range labels {
		p := probs[i]
		if p < logLossEps {
			p = logLossEps
		} else if p > 1-logLossEps {
			p = 1 - logLossEps
		}
		if y == 1 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(labels)), nil
}

// IsConstant reports whether every element of v equals the first, i.e.
// whether the sample's standard deviation is zero. Comparing a constant
// vector is meaningless for both KS and Pearson, so such submissions are
// rejected outright.
func IsConstant(v []float64) bool {
	for _, x := range v {
		if x != v[0] {
			return false
		}
	}
	return true
}
