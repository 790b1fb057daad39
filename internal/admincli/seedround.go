// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package admincli

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"

	"github.com/wsteitz/submission-criteria/internal/features"
	"github.com/wsteitz/submission-criteria/internal/tournament"
)

const (
	trainingName    = "numerai_training_data.csv"
	tournamentName  = "numerai_tournament_data.csv"
	predictionsName = "example_predictions.csv"
)

// SeedRound is a CLI command that fabricates a round dataset for smoke tests.
var SeedRound = &subcommands.Command{
	UsageLine: `seed-round -out DIR`,
	ShortDesc: "fabricate a round dataset",
	LongDesc: `Generate a synthetic round dataset archive and a matching example
predictions file, laid out the way the datasets bucket expects
(ROUND/numerai_datasets.zip). Rows are drawn around a handful of
feature-space centroids so the clustering step has structure to find,
and predictions track the hidden targets closely enough to clear the
consistency bar.`,
	CommandRun: func() subcommands.CommandRun {
		r := &seedRoundRun{}
		r.Flags.StringVar(&r.out, "out", "seed", "The directory to write under")
		r.Flags.Int64Var(&r.round, "round", 1, "The round number")
		r.Flags.IntVar(&r.rows, "rows", 1500, "Rows per tournament partition")
		r.Flags.IntVar(&r.features, "features", 10, "Feature columns")
		r.Flags.Int64Var(&r.seed, "seed", 1, "RNG seed")
		return r
	},
}

type seedRoundRun struct {
	subcommands.CommandRunBase
	out      string
	round    int64
	rows     int
	features int
	seed     int64
}

// Run fabricates a round dataset and returns an exit status.
func (c *seedRoundRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if err := c.innerRun(ctx, a, args, env); err != nil {
		fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
		return 1
	}
	return 0
}

func (c *seedRoundRun) innerRun(ctx context.Context, a subcommands.Application, args []string, env subcommands.Env) error {
	if len(args) != 0 {
		return fmt.Errorf("positional arguments are not accepted")
	}
	if c.rows < 1 || c.features < 1 {
		return fmt.Errorf("-rows and -features must be positive")
	}
	rng := rand.New(rand.NewSource(c.seed))
	dir := filepath.Join(c.out, strconv.FormatInt(c.round, 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotate(err, "create round directory").Err()
	}

	centroids := make([][]float64, features.K)
	for i := range centroids {
		centroids[i] = make([]float64, c.features)
		for j := range centroids[i] {
			centroids[i][j] = rng.Float64()
		}
	}
	g := &roundGenerator{rng: rng, centroids: centroids}

	zipPath := filepath.Join(dir, "numerai_datasets.zip")
	preds, err := writeDatasetZip(zipPath, g, c.rows)
	if err != nil {
		return errors.Annotate(err, "write dataset archive").Err()
	}
	predPath := filepath.Join(dir, predictionsName)
	if err := writePredictions(predPath, preds); err != nil {
		return errors.Annotate(err, "write example predictions").Err()
	}
	fmt.Fprintf(a.GetOut(), "wrote %s\n", zipPath)
	fmt.Fprintf(a.GetOut(), "wrote %s\n", predPath)
	return nil
}

type roundGenerator struct {
	rng       *rand.Rand
	centroids [][]float64
}

// featureVector returns one row's features, drawn around a random centroid.
func (g *roundGenerator) featureVector() []float64 {
	center := g.centroids[g.rng.Intn(len(g.centroids))]
	v := make([]float64, len(center))
	for j, c := range center {
		v[j] = c + 0.1*g.rng.NormFloat64()
	}
	return v
}

// predict returns a probability that tracks the target but keeps spread.
func (g *roundGenerator) predict(target float64) float64 {
	return 0.25 + 0.4*target + 0.2*g.rng.Float64()
}

type prediction struct {
	id          string
	probability float64
}

// writeDatasetZip writes the two dataset tables into a round archive and
// returns an example prediction for every tournament row. Test and live
// rows draw their predictions from a hidden target so all three partitions
// share one prediction distribution.
func writeDatasetZip(path string, g *roundGenerator, rows int) ([]prediction, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	header := []string{"id", "era", "data_type"}
	for i := 0; i < len(g.centroids[0]); i++ {
		header = append(header, fmt.Sprintf("feature%d", i+1))
	}
	header = append(header, "target")

	w, err := zw.Create(trainingName)
	if err != nil {
		return nil, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	for i := 0; i < 2*rows; i++ {
		target := float64(g.rng.Intn(2))
		cells := rowCells(fmt.Sprintf("tr%06d", i), fmt.Sprintf("era%d", 1+i%8), "train", g.featureVector(), target, true)
		if i%500 == 250 {
			// A sprinkling of missing cells, as real rounds have. The
			// clustering fit skips these rows.
			cells[3] = ""
		}
		if err := cw.Write(cells); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}

	w, err = zw.Create(tournamentName)
	if err != nil {
		return nil, err
	}
	cw = csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	var preds []prediction
	partitions := []struct {
		prefix, dataType string
	}{
		{"v", tournament.Validation},
		{"t", tournament.Test},
		{"l", tournament.Live},
	}
	for _, p := range partitions {
		for i := 0; i < rows; i++ {
			target := float64(g.rng.Intn(2))
			era, withTarget := "eraX", false
			if p.dataType == tournament.Validation {
				era, withTarget = fmt.Sprintf("era%d", 9+i%4), true
			}
			id := fmt.Sprintf("%s%06d", p.prefix, i)
			if err := cw.Write(rowCells(id, era, p.dataType, g.featureVector(), target, withTarget)); err != nil {
				return nil, err
			}
			preds = append(preds, prediction{id: id, probability: g.predict(target)})
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}

	return preds, zw.Close()
}

func rowCells(id, era, dataType string, feats []float64, target float64, withTarget bool) []string {
	cells := make([]string, 0, len(feats)+4)
	cells = append(cells, id, era, dataType)
	for _, v := range feats {
		cells = append(cells, strconv.FormatFloat(v, 'f', 6, 64))
	}
	if withTarget {
		cells = append(cells, strconv.FormatFloat(target, 'f', 0, 64))
	} else {
		cells = append(cells, "")
	}
	return cells
}

func writePredictions(path string, preds []prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"id", "probability"}); err != nil {
		return err
	}
	for _, p := range preds {
		if err := cw.Write([]string{p.id, strconv.FormatFloat(p.probability, 'f', 6, 64)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
