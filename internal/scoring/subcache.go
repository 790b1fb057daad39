// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scoring

import (
	"context"
	"sort"
	"time"

	"go.chromium.org/luci/common/data/caching/lru"

	"github.com/wsteitz/submission-criteria/internal/tournament"
)

// submissionCacheSize bounds the probability vectors held in memory. The
// originality check walks the whole cohort per submission, so at steady
// state the cache holds the round's active cohort.
const submissionCacheSize = 512

// probVectors is a submission's probability column in the two orders the
// scorers need. Immutable once cached; safe to share across workers.
type probVectors struct {
	// ByID is ordered by ascending row id. Two submissions over the same
	// rows pair elementwise in this order.
	ByID []float64
	// ByValue is the same values sorted ascending, the form the sorted-
	// sample KS statistic consumes.
	ByValue []float64
}

// submissionCache memoizes parsed submission files by blob key. A fetch
// failure is returned, not cached, so a blob that shows up later is picked
// up by the next scoring pass that wants it. Concurrent fetches of one key
// collapse into a single download.
type submissionCache struct {
	blobs Blobs
	cache *lru.Cache
}

func newSubmissionCache(blobs Blobs) *submissionCache {
	return &submissionCache{
		blobs: blobs,
		cache: lru.New(submissionCacheSize),
	}
}

// get returns the probability vectors of the submission stored under
// blobKey. Propagates blobcache.ErrMissing untouched so callers can skip
// unfetchable cohort entries.
func (c *submissionCache) get(ctx context.Context, blobKey string) (*probVectors, error) {
	v, err := c.cache.GetOrCreate(ctx, blobKey, func() (interface{}, time.Duration, error) {
		path, err := c.blobs.Submission(ctx, blobKey)
		if err != nil {
			return nil, 0, err
		}
		sub, err := tournament.LoadSubmission(path)
		if err != nil {
			return nil, 0, err
		}
		byValue := make([]float64, len(sub.IDSorted))
		copy(byValue, sub.IDSorted)
		sort.Float64s(byValue)
		return &probVectors{ByID: sub.IDSorted, ByValue: byValue}, 0, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*probVectors), nil
}
