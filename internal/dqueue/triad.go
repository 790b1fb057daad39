// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dqueue

import (
	"context"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
)

// Triad bundles the three pipeline queues. A submission enters on Ingress
// and fans out to Originality and Concordance after its leaderboard write.
type Triad struct {
	Ingress     *Queue
	Originality *Queue
	Concordance *Queue
}

// OpenTriad opens the three queues under root, sharing root/tmp for staged
// index writes.
func OpenTriad(ctx context.Context, root string) (*Triad, error) {
	tmp := filepath.Join(root, "tmp")
	var t Triad
	for _, q := range []struct {
		name string
		dst  **Queue
	}{
		{"ingress", &t.Ingress},
		{"originality", &t.Originality},
		{"concordance", &t.Concordance},
	} {
		queue, err := Open(ctx, filepath.Join(root, q.name), tmp)
		if err != nil {
			t.Close()
			return nil, errors.Annotate(err, "open %s queue", q.name).Err()
		}
		*q.dst = queue
	}
	return &t, nil
}

// Close closes all three queues and returns the first error seen.
func (t *Triad) Close() error {
	var first error
	for _, q := range []*Queue{t.Ingress, t.Originality, t.Concordance} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
