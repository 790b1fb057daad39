// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tournament models a round's dataset archive and contestant
// submission files.
//
// A round dataset is a pair of CSV tables, numerai_training_data.csv and
// numerai_tournament_data.csv. Tournament rows are tagged with a data_type
// partition (validation, test or live) and an era label; feature columns
// are the ones whose name starts with "feature"; validation rows carry a
// target label. A submission is a CSV with an id and a probability column,
// in any row order.
package tournament

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"gonum.org/v1/gonum/mat"
)

// Partition labels of tournament rows.
const (
	Validation = "validation"
	Test       = "test"
	Live       = "live"
)

const (
	trainingFile   = "numerai_training_data.csv"
	tournamentFile = "numerai_tournament_data.csv"
)

// Row is one row of a dataset table. Missing numeric cells parse as NaN;
// Target is NaN outside the validation partition.
type Row struct {
	ID       string
	Era      string
	DataType string
	Features []float64
	Target   float64
}

// Dataset is a fully parsed round dataset.
type Dataset struct {
	// FeatureColumns are the tournament table's feature column names, in
	// header order. The training table must carry the same columns; its
	// features are re-ordered to match.
	FeatureColumns []string
	Training       []Row
	Tournament     []Row

	partitions map[string][]Row
	eras       []string
}

// LoadDataset reads the two dataset tables from dir, the directory an
// extracted round archive.
func LoadDataset(dir string) (*Dataset, error) {
	tournament, features, err := readTable(filepath.Join(dir, tournamentFile), nil)
	if err != nil {
		return nil, errors.Annotate(err, "load tournament table").Err()
	}
	if len(features) == 0 {
		return nil, errors.Reason("%s has no feature columns", tournamentFile).Err()
	}
	training, _, err := readTable(filepath.Join(dir, trainingFile), features)
	if err != nil {
		return nil, errors.Annotate(err, "load training table").Err()
	}

	d := &Dataset{
		FeatureColumns: features,
		Training:       training,
		Tournament:     tournament,
		partitions:     map[string][]Row{},
	}
	for _, r := range tournament {
		d.partitions[r.DataType] = append(d.partitions[r.DataType], r)
	}
	for _, rows := range d.partitions {
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	}

	seen := map[string]bool{}
	for _, r := range d.partitions[Validation] {
		if !seen[r.Era] {
			seen[r.Era] = true
			d.eras = append(d.eras, r.Era)
		}
	}
	sort.Strings(d.eras)
	return d, nil
}

// Partition returns the tournament rows with the given data_type, in
// ascending row-id order. The returned slice is shared; callers must not
// modify it.
func (d *Dataset) Partition(dataType string) []Row {
	return d.partitions[dataType]
}

// PartitionIDs returns the row ids of a partition, ascending.
func (d *Dataset) PartitionIDs(dataType string) []string {
	rows := d.partitions[dataType]
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

// Eras returns the distinct era labels of the validation partition, sorted.
func (d *Dataset) Eras() []string {
	return d.eras
}

// ClusteringMatrix returns the matrix the round's clusters are fitted on:
// the training rows that have no missing feature values, followed by every
// tournament row.
func (d *Dataset) ClusteringMatrix() *mat.Dense {
	complete := make([]Row, 0, len(d.Training))
	for _, r := range d.Training {
		if !hasNaN(r.Features) {
			complete = append(complete, r)
		}
	}
	m := mat.NewDense(len(complete)+len(d.Tournament), len(d.FeatureColumns), nil)
	for i, r := range complete {
		m.SetRow(i, r.Features)
	}
	for i, r := range d.Tournament {
		m.SetRow(len(complete)+i, r.Features)
	}
	return m
}

// PartitionMatrix returns the feature matrix of a partition, rows in
// ascending row-id order. It returns nil for an empty partition.
func (d *Dataset) PartitionMatrix(dataType string) *mat.Dense {
	rows := d.partitions[dataType]
	if len(rows) == 0 {
		return nil
	}
	m := mat.NewDense(len(rows), len(d.FeatureColumns), nil)
	for i, r := range rows {
		m.SetRow(i, r.Features)
	}
	return m
}

func hasNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

// readTable parses one dataset CSV. If features is nil the feature columns
// are taken from the header (names starting with "feature", in header
// order); otherwise the named columns are required and the returned rows
// carry them in exactly that order.
func readTable(path string, features []string) ([]Row, []string, error) {
	base := filepath.Base(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Annotate(err, "open %s", base).Err()
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return nil, nil, errors.Annotate(err, "read %s header", base).Err()
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	if features == nil {
		for _, name := range header {
			if strings.HasPrefix(name, "feature") {
				features = append(features, name)
			}
		}
	}
	fidx := make([]int, len(features))
	for i, name := range features {
		j, ok := col[name]
		if !ok {
			return nil, nil, errors.Reason("%s: missing feature column %q", base, name).Err()
		}
		fidx[i] = j
	}
	idIdx, ok := col["id"]
	if !ok {
		return nil, nil, errors.Reason("%s: missing id column", base).Err()
	}
	eraIdx := optionalColumn(col, "era")
	dtIdx := optionalColumn(col, "data_type")
	targetIdx := optionalColumn(col, "target")

	var rows []Row
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Annotate(err, "read %s", base).Err()
		}
		row := Row{ID: rec[idIdx], Target: math.NaN()}
		if eraIdx >= 0 {
			row.Era = rec[eraIdx]
		}
		if dtIdx >= 0 {
			row.DataType = rec[dtIdx]
		}
		row.Features = make([]float64, len(fidx))
		for i, j := range fidx {
			v, err := parseCell(rec[j])
			if err != nil {
				return nil, nil, errors.Annotate(err, "%s line %d column %q", base, line, features[i]).Err()
			}
			row.Features[i] = v
		}
		if targetIdx >= 0 {
			t, err := parseCell(rec[targetIdx])
			if err != nil {
				return nil, nil, errors.Annotate(err, "%s line %d column target", base, line).Err()
			}
			row.Target = t
		}
		rows = append(rows, row)
	}
	return rows, features, nil
}

func optionalColumn(col map[string]int, name string) int {
	if i, ok := col[name]; ok {
		return i
	}
	return -1
}

// parseCell parses one numeric CSV cell. An empty cell is a missing value
// and parses as NaN.
func parseCell(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// Submission is a parsed contestant prediction file.
type Submission struct {
	// Probabilities maps row id to the predicted probability.
	Probabilities map[string]float64
	// IDSorted holds the probabilities ordered by ascending row id. Two
	// submissions over the same rows pair elementwise in this order.
	IDSorted []float64
}

// LoadSubmission parses a submission CSV. Row order in the file does not
// matter; a duplicated row id is an error.
func LoadSubmission(path string) (*Submission, error) {
	base := filepath.Base(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "open %s", base).Err()
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return nil, errors.Annotate(err, "read %s header", base).Err()
	}
	idIdx, probIdx := -1, -1
	for i, name := range header {
		switch name {
		case "id":
			idIdx = i
		case "probability":
			probIdx = i
		}
	}
	if idIdx < 0 || probIdx < 0 {
		return nil, errors.Reason("%s: need id and probability columns, got %v", base, header).Err()
	}

	probs := map[string]float64{}
	ids := make([]string, 0, 1024)
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotate(err, "read %s", base).Err()
		}
		id := rec[idIdx]
		if _, ok := probs[id]; ok {
			return nil, errors.Reason("%s line %d: duplicate row id %q", base, line, id).Err()
		}
		p, err := strconv.ParseFloat(rec[probIdx], 64)
		if err != nil {
			return nil, errors.Annotate(err, "%s line %d", base, line).Err()
		}
		probs[id] = p
		ids = append(ids, id)
	}

	sort.Strings(ids)
	sorted := make([]float64, len(ids))
	for i, id := range ids {
		sorted[i] = probs[id]
	}
	return &Submission{Probabilities: probs, IDSorted: sorted}, nil
}

// SplitByPartition returns the submission's probabilities for the given
// partition row ids, in the ids' order. Ids the submission does not cover
// are skipped, so the result is shorter than ids when coverage is
// incomplete.
func (s *Submission) SplitByPartition(ids []string) []float64 {
	out := make([]float64, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.Probabilities[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
