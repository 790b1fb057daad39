// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package kmeans

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// blobs builds a matrix of copies copies of each of the given points, in
// point order. Exact duplicates make k-means++ deterministic: once a blob
// holds a center, the remaining seeding mass sits entirely on the other
// blobs.
func blobs(copies int, points ...[]float64) *mat.Dense {
	d := len(points[0])
	m := mat.NewDense(copies*len(points), d, nil)
	for p, pt := range points {
		for c := 0; c < copies; c++ {
			m.SetRow(p*copies+c, pt)
		}
	}
	return m
}

func TestTrainSeparatesBlobs(t *testing.T) {
	t.Parallel()
	data := blobs(50,
		[]float64{0, 0},
		[]float64{10, 10},
		[]float64{-10, 10},
	)
	model, err := Train(data, 3, 50, 20, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	labels := model.PredictAll(data)
	if len(labels) != 150 {
		t.Fatalf("PredictAll returned %d labels, want 150", len(labels))
	}
	seen := map[int]bool{}
	for b := 0; b < 3; b++ {
		first := labels[b*50]
		for i := 1; i < 50; i++ {
			if labels[b*50+i] != first {
				t.Fatalf("blob %d split across clusters %d and %d", b, first, labels[b*50+i])
			}
		}
		if seen[first] {
			t.Fatalf("blob %d merged into an already used cluster %d", b, first)
		}
		seen[first] = true
	}
}

func TestPredictMatchesPredictAll(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(2))
	data := mat.NewDense(40, 3, nil)
	for i := 0; i < 40; i++ {
		data.SetRow(i, []float64{rng.Float64(), rng.Float64(), rng.Float64()})
	}
	model, err := Train(data, 5, 16, 30, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	all := model.PredictAll(data)
	for i := 0; i < 40; i++ {
		row := mat.Row(nil, i, data)
		if got := model.Predict(row); got != all[i] {
			t.Fatalf("row %d: Predict = %d, PredictAll = %d", i, got, all[i])
		}
		if all[i] < 0 || all[i] >= model.K() {
			t.Fatalf("row %d: label %d out of range [0, %d)", i, all[i], model.K())
		}
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(4))
	data := mat.NewDense(60, 2, nil)
	for i := 0; i < 60; i++ {
		data.SetRow(i, []float64{rng.Float64(), rng.Float64()})
	}
	m1, err := Train(data, 4, 20, 50, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	m2, err := Train(data, 4, 20, 50, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(m1.Centers, m2.Centers) {
		t.Error("identical seeds produced different centers")
	}
}

func TestTrainFewerDistinctRowsThanClusters(t *testing.T) {
	t.Parallel()
	// Ten rows but only two distinct values. Some clusters stay empty;
	// training must still succeed and predictions stay in range.
	data := blobs(5, []float64{0, 0}, []float64{5, 5})
	model, err := Train(data, 5, 10, 10, rand.New(rand.NewSource(6)))
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range model.PredictAll(data) {
		if l < 0 || l >= 5 {
			t.Fatalf("label %d out of range", l)
		}
	}
}

func TestTrainArgumentErrors(t *testing.T) {
	t.Parallel()
	data := mat.NewDense(3, 2, nil)
	rng := rand.New(rand.NewSource(7))
	cases := []struct {
		name                     string
		k, batchSize, iterations int
	}{
		{"zero k", 0, 10, 10},
		{"negative batch", 3, -1, 10},
		{"zero iterations", 3, 10, 0},
		{"fewer rows than clusters", 5, 10, 10},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			if _, err := Train(data, c.k, c.batchSize, c.iterations, rng); err == nil {
				t.Errorf("Train(k=%d, batch=%d, iter=%d) succeeded, want error", c.k, c.batchSize, c.iterations)
			}
		})
	}
}
