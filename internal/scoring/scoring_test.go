// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"

	"go.chromium.org/luci/common/errors"

	"github.com/wsteitz/submission-criteria/internal/blobcache"
	"github.com/wsteitz/submission-criteria/internal/dqueue"
	"github.com/wsteitz/submission-criteria/internal/features"
	"github.com/wsteitz/submission-criteria/internal/metadata"
)

// fakeGateway is an in-memory metadata store.
type fakeGateway struct {
	mu          sync.Mutex
	subs        map[string]*metadata.Submission
	rounds      map[string]int64
	cohorts     map[string][]*metadata.Submission
	leaderboard map[string]float64
	verdicts    map[string]map[metadata.Metric]bool
	cohortCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subs:        map[string]*metadata.Submission{},
		rounds:      map[string]int64{},
		cohorts:     map[string][]*metadata.Submission{},
		leaderboard: map[string]float64{},
		verdicts:    map[string]map[metadata.Metric]bool{},
	}
}

func (g *fakeGateway) addSubmission(s *metadata.Submission, round int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs[s.ID] = s
	g.rounds[s.ID] = round
}

func (g *fakeGateway) addCohort(roundID string, subs ...*metadata.Submission) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cohorts[roundID] = append(g.cohorts[roundID], subs...)
}

func (g *fakeGateway) GetSubmission(ctx context.Context, id string) (*metadata.Submission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.subs[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return s, nil
}

func (g *fakeGateway) GetRoundNumber(ctx context.Context, id string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.rounds[id]
	if !ok {
		return 0, metadata.ErrNotFound
	}
	return n, nil
}

func (g *fakeGateway) GetCreatedAt(ctx context.Context, id string) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.subs[id]
	if !ok {
		return time.Time{}, metadata.ErrNotFound
	}
	return s.CreatedAt, nil
}

func (g *fakeGateway) MarkLeaderboardPending(ctx context.Context, id string, consistency float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaderboard[id] = consistency
	return nil
}

func (g *fakeGateway) WriteVerdict(ctx context.Context, metric metadata.Metric, id string, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verdicts[id] == nil {
		g.verdicts[id] = map[metadata.Metric]bool{}
	}
	g.verdicts[id][metric] = value
	return nil
}

func (g *fakeGateway) ListCohort(ctx context.Context, roundID, excludeUserID string, before time.Time) ([]*metadata.Submission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cohortCalls++
	var out []*metadata.Submission
	for _, s := range g.cohorts[roundID] {
		if s.UserID == excludeUserID || !s.CreatedAt.Before(before) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *fakeGateway) verdict(id string, metric metadata.Metric) (value, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	value, ok = g.verdicts[id][metric]
	return
}

func (g *fakeGateway) consistencyOf(id string) (pct float64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pct, ok = g.leaderboard[id]
	return
}

func (g *fakeGateway) cohortCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cohortCalls
}

// fakeBlobs serves datasets and submission files written to local test
// dirs. An unknown blob key reports blobcache.ErrMissing, like the real
// cache does for anything it cannot fetch.
type fakeBlobs struct {
	mu       sync.Mutex
	datasets map[int64]string
	subs     map[string]string
	fetches  map[int64]int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		datasets: map[int64]string{},
		subs:     map[string]string{},
		fetches:  map[int64]int{},
	}
}

func (b *fakeBlobs) setDataset(round int64, dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.datasets[round] = dir
}

func (b *fakeBlobs) addSubmission(t *testing.T, blobKey string, ids []string, probs []float64) {
	t.Helper()
	if len(ids) != len(probs) {
		t.Fatalf("%d ids but %d probabilities", len(ids), len(probs))
	}
	var sb strings.Builder
	sb.WriteString("id,probability\n")
	for i, id := range ids {
		fmt.Fprintf(&sb, "%s,%g\n", id, probs[i])
	}
	path := filepath.Join(t.TempDir(), "submission.csv")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[blobKey] = path
}

func (b *fakeBlobs) Dataset(ctx context.Context, round int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches[round]++
	dir, ok := b.datasets[round]
	if !ok {
		return "", errors.Reason("no dataset for round %d", round).Err()
	}
	return dir, nil
}

func (b *fakeBlobs) Submission(ctx context.Context, blobKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path, ok := b.subs[blobKey]
	if !ok {
		return "", blobcache.ErrMissing
	}
	return path, nil
}

func (b *fakeBlobs) fetchCount(round int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches[round]
}

// testRound is one synthetic round dataset. The three tournament
// partitions carry identical feature rows, so any cluster found in one
// partition has members in all three. Validation rows split into two
// equally sized eras, all with target 0.
type testRound struct {
	dir     string
	valIDs  []string
	testIDs []string
	liveIDs []string
}

func makeRound(t *testing.T, rowsPerPartition int) *testRound {
	t.Helper()
	tr := &testRound{}

	training := "id,era,data_type,feature1,feature2,target\n"
	for i := 0; i < 10; i++ {
		training += fmt.Sprintf("xa%02d,era1,train,0.0,0.0,0\n", i)
		training += fmt.Sprintf("xb%02d,era1,train,1.0,1.0,1\n", i)
	}
	// One training row with missing features, dropped from clustering.
	training += "xnan,era1,train,,,\n"

	tournament := "id,era,data_type,feature1,feature2,target\n"
	for _, p := range []struct {
		prefix, dataType string
		ids              *[]string
	}{
		{"v", "validation", &tr.valIDs},
		{"s", "test", &tr.testIDs},
		{"l", "live", &tr.liveIDs},
	} {
		for j := 0; j < rowsPerPartition; j++ {
			feature := "0.0"
			era := "era1"
			if j >= rowsPerPartition/2 {
				feature = "1.0"
				era = "era2"
			}
			target := ""
			if p.dataType == "validation" {
				target = "0"
			}
			id := fmt.Sprintf("%s%02d", p.prefix, j)
			*p.ids = append(*p.ids, id)
			tournament += fmt.Sprintf("%s,%s,%s,%s,%s,%s\n", id, era, p.dataType, feature, feature, target)
		}
	}

	tr.dir = t.TempDir()
	for name, content := range map[string]string{
		"numerai_training_data.csv":   training,
		"numerai_tournament_data.csv": tournament,
	} {
		if err := os.WriteFile(filepath.Join(tr.dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return tr
}

// allIDs returns every tournament row id, validation then test then live.
func (tr *testRound) allIDs() []string {
	var ids []string
	ids = append(ids, tr.valIDs...)
	ids = append(ids, tr.testIDs...)
	ids = append(ids, tr.liveIDs...)
	return ids
}

// partitionProbs builds a probability list aligned with allIDs, one
// generator per partition taking the row's index within it.
func (tr *testRound) partitionProbs(val, test, live func(j int) float64) []float64 {
	var probs []float64
	for j := range tr.valIDs {
		probs = append(probs, val(j))
	}
	for j := range tr.testIDs {
		probs = append(probs, test(j))
	}
	for j := range tr.liveIDs {
		probs = append(probs, live(j))
	}
	return probs
}

func openTriad(ctx context.Context, t *testing.T) *dqueue.Triad {
	t.Helper()
	queues, err := dqueue.OpenTriad(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { queues.Close() })
	return queues
}

// ramp is the probability profile of a well-behaved submission: the same
// ascending values in every partition, with era1's losses beating a coin
// flip and era2's losing to it.
func ramp(j int) float64 { return 0.30 + 0.04*float64(j) }

func TestIngress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	Convey("With an ingress consumer over fakes", t, func() {
		gw := newFakeGateway()
		blobs := newFakeBlobs()
		tr := makeRound(t, 8)
		blobs.setDataset(42, tr.dir)
		queues := openTriad(ctx, t)
		p := New(Options{
			Queues:   queues,
			Gateway:  gw,
			Blobs:    blobs,
			Features: features.NewEngine(blobs),
		})

		sub := &metadata.Submission{
			ID:        "s1",
			UserID:    "u1",
			Username:  "alice",
			RoundID:   "r42",
			CreatedAt: time.Now(),
			Filename:  "predictions.csv",
			Selected:  true,
		}
		gw.addSubmission(sub, 42)

		Convey("a scoreable submission lands on the leaderboard and fans out", func() {
			blobs.addSubmission(t, sub.BlobKey(), tr.allIDs(), tr.partitionProbs(ramp, ramp, ramp))

			So(p.processIngress(ctx, dqueue.Entry{SubmissionID: "s1"}), ShouldBeNil)

			// Half the eras beat ln 2.
			pct, ok := gw.consistencyOf("s1")
			So(ok, ShouldBeTrue)
			So(pct, ShouldEqual, 50.0)

			So(queues.Originality.Len(), ShouldEqual, 1)
			So(queues.Concordance.Len(), ShouldEqual, 1)
			e, tok, err := queues.Originality.Get(ctx)
			So(err, ShouldBeNil)
			So(e.SubmissionID, ShouldEqual, "s1")
			So(queues.Originality.TaskDone(tok), ShouldBeNil)
		})

		Convey("a submission with no blob is skipped whole", func() {
			err := p.processIngress(ctx, dqueue.Entry{SubmissionID: "s1"})
			So(err, ShouldErrLike, "fetch submission blob")

			_, ok := gw.consistencyOf("s1")
			So(ok, ShouldBeFalse)
			So(queues.Originality.Len(), ShouldEqual, 0)
			So(queues.Concordance.Len(), ShouldEqual, 0)
		})

		Convey("an unknown submission id is skipped", func() {
			err := p.processIngress(ctx, dqueue.Entry{SubmissionID: "ghost"})
			So(err, ShouldErrLike, "get submission")
		})

		Convey("a submission covering only some eras is skipped", func() {
			var ids []string
			ids = append(ids, tr.valIDs[:4]...)
			ids = append(ids, tr.testIDs...)
			ids = append(ids, tr.liveIDs...)
			probs := make([]float64, len(ids))
			for i := range probs {
				probs[i] = 0.4
			}
			blobs.addSubmission(t, sub.BlobKey(), ids, probs)

			err := p.processIngress(ctx, dqueue.Entry{SubmissionID: "s1"})
			So(err, ShouldErrLike, "covers no rows of era")
			So(queues.Originality.Len(), ShouldEqual, 0)
		})
	})
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	Convey("A queued submission ends with both verdicts written", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		gw := newFakeGateway()
		blobs := newFakeBlobs()
		tr := makeRound(t, 8)
		blobs.setDataset(42, tr.dir)
		queues := openTriad(ctx, t)

		sub := &metadata.Submission{
			ID:        "s1",
			UserID:    "u1",
			Username:  "alice",
			RoundID:   "r42",
			CreatedAt: time.Now(),
			Filename:  "predictions.csv",
			Selected:  true,
		}
		gw.addSubmission(sub, 42)
		blobs.addSubmission(t, sub.BlobKey(), tr.allIDs(), tr.partitionProbs(ramp, ramp, ramp))

		p := New(Options{
			Queues:             queues,
			Gateway:            gw,
			Blobs:              blobs,
			Features:           features.NewEngine(blobs),
			OriginalityWorkers: 2,
		})
		done := make(chan struct{})
		go func() {
			p.Run(ctx)
			close(done)
		}()

		// A poisoned entry ahead of the real one must not block it.
		So(queues.Ingress.Put(dqueue.Entry{SubmissionID: "ghost", EnqueueTime: time.Now()}), ShouldBeNil)
		So(queues.Ingress.Put(dqueue.Entry{SubmissionID: "s1", EnqueueTime: time.Now()}), ShouldBeNil)

		deadline := time.After(30 * time.Second)
		for {
			_, haveOrig := gw.verdict("s1", metadata.Originality)
			_, haveConc := gw.verdict("s1", metadata.Concordance)
			if haveOrig && haveConc {
				break
			}
			select {
			case <-deadline:
				t.Fatal("timed out waiting for verdicts")
			case <-time.After(10 * time.Millisecond):
			}
		}

		orig, _ := gw.verdict("s1", metadata.Originality)
		conc, _ := gw.verdict("s1", metadata.Concordance)
		So(orig, ShouldBeTrue) // empty cohort
		So(conc, ShouldBeTrue) // same distribution in every partition
		pct, ok := gw.consistencyOf("s1")
		So(ok, ShouldBeTrue)
		So(pct, ShouldEqual, 50.0)

		cancel()
		<-done
		So(queues.Ingress.Len(), ShouldEqual, 0)
	})
}

func TestScorePanic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	Convey("A panicking scorer is contained as a skip", t, func() {
		p := New(Options{})
		err := p.score(ctx, "test", dqueue.Entry{SubmissionID: "s1"}, func(context.Context, dqueue.Entry) error {
			panic("boom")
		})
		So(err, ShouldErrLike, "panic: boom")
	})
}
