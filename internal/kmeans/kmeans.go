// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package kmeans implements mini-batch k-means clustering.
//
// The scoring pipeline clusters the feature rows of a round's dataset once
// and then groups submission probabilities by cluster, so training speed
// matters far more than squeezing out the last fraction of inertia. The
// mini-batch variant fits a full tournament dataset in seconds: each
// iteration samples a small batch, assigns it to the nearest centers and
// moves every center toward its assigned points with a per-center
// decaying learning rate.
package kmeans

import (
	"math/rand"

	"go.chromium.org/luci/common/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Model holds trained cluster centers.
type Model struct {
	// Centers is a k x d matrix of cluster centers. It is not modified
	// after Train returns, so a Model is safe for concurrent Predict.
	Centers *mat.Dense
}

// K returns the number of clusters.
func (m *Model) K() int {
	k, _ := m.Centers.Dims()
	return k
}

// Train fits k cluster centers to the rows of data using mini-batch
// k-means: iterations batches of batchSize rows sampled with replacement.
// Centers are seeded with k-means++ over a sample of the data. Training is
// deterministic for a fixed rng.
func Train(data mat.Matrix, k, batchSize, iterations int, rng *rand.Rand) (*Model, error) {
	n, d := data.Dims()
	switch {
	case k <= 0:
		return nil, errors.Reason("kmeans: k = %d, want > 0", k).Err()
	case batchSize <= 0:
		return nil, errors.Reason("kmeans: batch size = %d, want > 0", batchSize).Err()
	case iterations <= 0:
		return nil, errors.Reason("kmeans: iterations = %d, want > 0", iterations).Err()
	case n < k:
		return nil, errors.Reason("kmeans: %d rows cannot seed %d clusters", n, k).Err()
	}
	if batchSize > n {
		batchSize = n
	}

	centers := seed(data, k, batchSize, rng)
	counts := make([]int, k)
	x := make([]float64, d)
	for it := 0; it < iterations; it++ {
		for s := 0; s < batchSize; s++ {
			mat.Row(x, rng.Intn(n), data)
			ci := nearest(centers, x)
			counts[ci]++
			eta := 1 / float64(counts[ci])
			row := centers.RawRowView(ci)
			for j := range row {
				row[j] += eta * (x[j] - row[j])
			}
		}
	}
	return &Model{Centers: centers}, nil
}

// Predict returns the index of the center nearest to x in Euclidean
// distance. Ties break toward the lower index.
func (m *Model) Predict(x []float64) int {
	return nearest(m.Centers, x)
}

// PredictAll returns the nearest center index for every row of data.
func (m *Model) PredictAll(data mat.Matrix) []int {
	n, d := data.Dims()
	out := make([]int, n)
	x := make([]float64, d)
	for i := 0; i < n; i++ {
		mat.Row(x, i, data)
		out[i] = nearest(m.Centers, x)
	}
	return out
}

func nearest(centers *mat.Dense, x []float64) int {
	k, _ := centers.Dims()
	best := 0
	bestDist := floats.Distance(x, centers.RawRowView(0), 2)
	for c := 1; c < k; c++ {
		if dist := floats.Distance(x, centers.RawRowView(c), 2); dist < bestDist {
			best = c
			bestDist = dist
		}
	}
	return best
}

// seed draws initial centers with k-means++ over a sample of up to
// 3*batchSize rows: the first center is a uniformly random row, each later
// center is a sample row drawn with probability proportional to its squared
// distance from the centers chosen so far.
func seed(data mat.Matrix, k, batchSize int, rng *rand.Rand) *mat.Dense {
	n, d := data.Dims()
	sampleSize := 3 * batchSize
	if sampleSize > n {
		sampleSize = n
	}
	sample := rng.Perm(n)[:sampleSize]

	centers := mat.NewDense(k, d, nil)
	mat.Row(centers.RawRowView(0), sample[0], data)

	x := make([]float64, d)
	d2 := make([]float64, sampleSize)
	for c := 1; c < k; c++ {
		var total float64
		for i, ri := range sample {
			mat.Row(x, ri, data)
			min := floats.Distance(x, centers.RawRowView(0), 2)
			for p := 1; p < c; p++ {
				if dist := floats.Distance(x, centers.RawRowView(p), 2); dist < min {
					min = dist
				}
			}
			d2[i] = min * min
			total += d2[i]
		}
		next := sample[rng.Intn(sampleSize)]
		if total > 0 {
			target := rng.Float64() * total
			var cum float64
			for i, w := range d2 {
				cum += w
				if cum >= target {
					next = sample[i]
					break
				}
			}
		}
		mat.Row(centers.RawRowView(c), next, data)
	}
	return centers
}
