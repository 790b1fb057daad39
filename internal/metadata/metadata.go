// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metadata is the gateway to the tournament metadata store.
//
// The store keeps contestants, rounds, submissions and the two per-
// submission verdict rows. Every operation maps to one transaction;
// writes are idempotent so the at-least-once pipeline can safely repeat
// them.
package metadata

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"

	"go.chromium.org/luci/common/errors"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Metric names a verdict kind.
type Metric string

// The two verdicts the pipeline produces.
const (
	Originality Metric = "originality"
	Concordance Metric = "concordance"
)

// table returns the table holding a metric's verdict rows.
func (m Metric) table() (string, error) {
	switch m {
	case Originality:
		return "originalities", nil
	case Concordance:
		return "concordances", nil
	}
	return "", errors.Reason("unknown verdict metric %q", string(m)).Err()
}

// Submission is a submission's metadata row joined with its owner.
type Submission struct {
	ID        string
	UserID    string
	Username  string
	RoundID   string
	CreatedAt time.Time
	Filename  string
	Selected  bool
}

// BlobKey returns the submission's object-store key.
func (s *Submission) BlobKey() string {
	return s.Username + "/" + s.Filename
}

// Gateway runs the metadata operations against a SQL store.
type Gateway struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// Dial opens the metadata store. The DSN must enable parseTime so
// timestamps scan into time.Time.
func Dial(ctx context.Context, dsn string) (*Gateway, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Annotate(err, "parse metadata DSN").Err()
	}
	if !cfg.ParseTime {
		return nil, errors.New("metadata DSN must set parseTime=true")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "open metadata store").Err()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "ping metadata store").Err()
	}
	return New(db), nil
}

// Close releases the underlying handle.
func (g *Gateway) Close() error {
	return g.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		username VARCHAR(190) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rounds (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		number BIGINT NOT NULL,
		open_time DATETIME(6)
	)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		round_id VARCHAR(64) NOT NULL,
		inserted_at DATETIME(6) NOT NULL,
		filename VARCHAR(190) NOT NULL,
		selected BOOLEAN NOT NULL DEFAULT FALSE,
		consistency DOUBLE,
		KEY round_user_time (round_id, user_id, inserted_at)
	)`,
	`CREATE TABLE IF NOT EXISTS originalities (
		submission_id VARCHAR(64) NOT NULL PRIMARY KEY,
		pending BOOLEAN NOT NULL,
		value BOOLEAN
	)`,
	`CREATE TABLE IF NOT EXISTS concordances (
		submission_id VARCHAR(64) NOT NULL PRIMARY KEY,
		pending BOOLEAN NOT NULL,
		value BOOLEAN
	)`,
}

// EnsureSchema creates any missing tables.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return errors.Annotate(err, "ensure metadata schema").Err()
		}
	}
	return nil
}

const submissionColumns = `s.id, s.user_id, u.username, s.round_id, s.inserted_at, s.filename, s.selected`

// GetSubmission loads one submission with its owner's username.
func (g *Gateway) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.id = ?`, id)
	s, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Annotate(err, "get submission %s", id).Err()
	}
	return s, nil
}

// GetRoundNumber returns the round number a submission belongs to. The
// number, not the round id, keys the dataset archive in the object store.
func (g *Gateway) GetRoundNumber(ctx context.Context, submissionID string) (int64, error) {
	var n int64
	err := g.db.QueryRowContext(ctx,
		`SELECT r.number
		 FROM submissions s
		 JOIN rounds r ON r.id = s.round_id
		 WHERE s.id = ?`, submissionID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Annotate(err, "get round number for %s", submissionID).Err()
	}
	return n, nil
}

// GetCreatedAt returns a submission's creation timestamp.
func (g *Gateway) GetCreatedAt(ctx context.Context, submissionID string) (time.Time, error) {
	var t time.Time
	err := g.db.QueryRowContext(ctx,
		`SELECT inserted_at FROM submissions WHERE id = ?`, submissionID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, errors.Annotate(err, "get created at for %s", submissionID).Err()
	}
	return t, nil
}

// MarkLeaderboardPending records the submission's consistency metric and
// resets both verdicts to pending, in one transaction. Safe to repeat: a
// redelivered ingress entry simply marks the verdicts pending again and
// the fanned-out workers write them anew.
func (g *Gateway) MarkLeaderboardPending(ctx context.Context, submissionID string, consistency float64) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "begin leaderboard tx").Err()
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE submissions SET consistency = ? WHERE id = ?`,
		consistency, submissionID); err != nil {
		return errors.Annotate(err, "update consistency for %s", submissionID).Err()
	}
	for _, table := range []string{"originalities", "concordances"} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (submission_id, pending, value) VALUES (?, TRUE, NULL)
			 ON DUPLICATE KEY UPDATE pending = TRUE, value = NULL`,
			submissionID); err != nil {
			return errors.Annotate(err, "mark %s pending for %s", table, submissionID).Err()
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "commit leaderboard tx").Err()
	}
	return nil
}

// WriteVerdict resolves a pending verdict. Writing the same verdict twice
// leaves the row exactly as a single write would.
func (g *Gateway) WriteVerdict(ctx context.Context, metric Metric, submissionID string, value bool) error {
	table, err := metric.table()
	if err != nil {
		return err
	}
	if _, err := g.db.ExecContext(ctx,
		`UPDATE `+table+` SET pending = FALSE, value = ? WHERE submission_id = ?`,
		value, submissionID); err != nil {
		return errors.Annotate(err, "write %s verdict for %s", string(metric), submissionID).Err()
	}
	return nil
}

// ListCohort returns the most recent selected submission of every other
// user in the round, restricted to submissions created strictly before
// the given time, newest first.
func (g *Gateway) ListCohort(ctx context.Context, roundID, excludeUserID string, before time.Time) ([]*Submission, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions s
		 JOIN users u ON u.id = s.user_id
		 JOIN (
			SELECT user_id, MAX(inserted_at) AS latest
			FROM submissions
			WHERE round_id = ? AND user_id != ? AND selected = TRUE AND inserted_at < ?
			GROUP BY user_id
		 ) newest ON newest.user_id = s.user_id AND newest.latest = s.inserted_at
		 WHERE s.round_id = ? AND s.selected = TRUE
		 ORDER BY s.inserted_at DESC`,
		roundID, excludeUserID, before, roundID)
	if err != nil {
		return nil, errors.Annotate(err, "list cohort for round %s", roundID).Err()
	}
	defer rows.Close()

	var cohort []*Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, errors.Annotate(err, "scan cohort row").Err()
		}
		cohort = append(cohort, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Annotate(err, "list cohort for round %s", roundID).Err()
	}
	return cohort, nil
}

type scanner interface {
	Scan(dst ...interface{}) error
}

func scanSubmission(row scanner) (*Submission, error) {
	var s Submission
	if err := row.Scan(&s.ID, &s.UserID, &s.Username, &s.RoundID, &s.CreatedAt, &s.Filename, &s.Selected); err != nil {
		return nil, err
	}
	return &s, nil
}
