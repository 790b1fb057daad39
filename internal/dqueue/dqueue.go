// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package dqueue provides the durable FIFO queues the scoring pipeline
// hands submissions through.
//
// A queue is a directory holding an append-only journal of length-prefixed,
// checksummed JSON entries and a small index recording which journal
// offsets have been consumed. Entries survive process restart; an entry
// delivered by Get but not yet acknowledged with TaskDone when the process
// dies is delivered again after reopening. Delivery is strictly FIFO.
//
// A queue directory has a single owner process; the index gives no
// protection against two processes consuming the same directory.
package dqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

const (
	journalName = "journal.log"
	indexName   = "consumed.idx"

	// headerSize is the per-record journal overhead: uint32 payload length
	// and uint32 CRC-32C of the payload, both little endian.
	headerSize = 8

	// maxEntrySize bounds a record's payload. A longer length prefix means
	// the journal tail is torn or corrupt.
	maxEntrySize = 16 << 20
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Entry is one queued scoring request.
type Entry struct {
	// ID identifies this entry across redeliveries. Put assigns one when
	// empty.
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	EnqueueTime  time.Time `json:"enqueue_time"`
}

// Token identifies a delivered entry until it is acknowledged.
type Token int64

type record struct {
	off  int64
	size int64
	e    Entry
}

// Queue is a durable FIFO queue. All methods are safe for concurrent use.
type Queue struct {
	dir     string
	tempDir string

	mu          sync.Mutex
	journal     *os.File
	journalSize int64
	watermark   int64
	pending     []record
	outstanding map[int64]record
	acked       map[int64]record
	closed      bool

	wake chan struct{}
	done chan struct{}
}

type indexFile struct {
	// Watermark is the journal offset below which every record has been
	// consumed.
	Watermark int64 `json:"watermark"`
	// Acked lists consumed record offsets at or past the watermark.
	Acked []int64 `json:"acked,omitempty"`
}

// Open opens or creates the queue in dir. Index updates are staged in
// tempDir, which must be on the same filesystem as dir. Unconsumed journal
// entries are loaded for redelivery in their original order.
func Open(ctx context.Context, dir, tempDir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotate(err, "create queue dir").Err()
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, errors.Annotate(err, "create queue temp dir").Err()
	}
	journal, err := os.OpenFile(filepath.Join(dir, journalName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Annotate(err, "open journal").Err()
	}

	recs, good, err := scanJournal(journal)
	if err != nil {
		journal.Close()
		return nil, errors.Annotate(err, "scan journal %s", dir).Err()
	}
	if st, err := journal.Stat(); err == nil && st.Size() > good {
		// A torn append from a crash mid-Put. The writer never saw that Put
		// succeed, so dropping the tail loses nothing acknowledged.
		logging.Warningf(ctx, "queue %s: dropping %d bytes of torn journal tail", dir, st.Size()-good)
		if err := journal.Truncate(good); err != nil {
			journal.Close()
			return nil, errors.Annotate(err, "truncate torn journal tail").Err()
		}
	}

	idx, err := readIndex(filepath.Join(dir, indexName))
	if err != nil {
		logging.Warningf(ctx, "queue %s: unreadable index, redelivering everything: %s", dir, err)
		idx = indexFile{}
	}
	if idx.Watermark > good {
		idx.Watermark = good
	}
	ackedSet := make(map[int64]bool, len(idx.Acked))
	for _, off := range idx.Acked {
		if off < good {
			ackedSet[off] = true
		}
	}

	q := &Queue{
		dir:         dir,
		tempDir:     tempDir,
		journal:     journal,
		journalSize: good,
		watermark:   idx.Watermark,
		outstanding: map[int64]record{},
		acked:       map[int64]record{},
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, r := range recs {
		switch {
		case r.off < q.watermark:
		case ackedSet[r.off]:
			q.acked[r.off] = r
		default:
			q.pending = append(q.pending, r)
		}
	}
	q.advanceWatermarkLocked()
	if len(q.pending) > 0 {
		q.nudgeLocked()
	}
	return q, nil
}

// Put appends an entry and makes it durable before returning.
func (q *Queue) Put(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	payload, err := json.Marshal(&e)
	if err != nil {
		return errors.Annotate(err, "marshal queue entry").Err()
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(payload, castagnoli))
	copy(buf[headerSize:], payload)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, err := q.journal.WriteAt(buf, q.journalSize); err != nil {
		return errors.Annotate(err, "append to journal").Err()
	}
	if err := q.journal.Sync(); err != nil {
		return errors.Annotate(err, "sync journal").Err()
	}
	r := record{off: q.journalSize, size: int64(len(buf)), e: e}
	q.journalSize += r.size
	q.pending = append(q.pending, r)
	q.nudgeLocked()
	return nil
}

// Get returns the oldest unconsumed entry, blocking until one is available
// or ctx is done. The entry stays owned by the queue until TaskDone is
// called with the returned token; without that call it is delivered again
// after the queue is reopened.
func (q *Queue) Get(ctx context.Context) (Entry, Token, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Entry{}, 0, ErrClosed
		}
		if len(q.pending) > 0 {
			r := q.pending[0]
			q.pending = q.pending[1:]
			q.outstanding[r.off] = r
			if len(q.pending) > 0 {
				q.nudgeLocked()
			}
			q.mu.Unlock()
			return r.e, Token(r.off), nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, 0, ctx.Err()
		case <-q.done:
			return Entry{}, 0, ErrClosed
		case <-q.wake:
		}
	}
}

// TaskDone acknowledges a delivered entry. Once the acknowledgement is
// recorded the entry is never delivered again; when the whole journal is
// consumed it is truncated in place.
func (q *Queue) TaskDone(tok Token) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	r, ok := q.outstanding[int64(tok)]
	if !ok {
		return errors.Reason("unknown task token %d", tok).Err()
	}
	delete(q.outstanding, int64(tok))
	q.acked[r.off] = r
	q.advanceWatermarkLocked()

	if q.watermark == q.journalSize && len(q.pending) == 0 && len(q.outstanding) == 0 && len(q.acked) == 0 {
		if err := q.journal.Truncate(0); err != nil {
			return errors.Annotate(err, "truncate consumed journal").Err()
		}
		if err := q.journal.Sync(); err != nil {
			return errors.Annotate(err, "sync truncated journal").Err()
		}
		q.journalSize = 0
		q.watermark = 0
	}
	return q.writeIndexLocked()
}

// Len returns the number of entries waiting to be delivered. Delivered but
// unacknowledged entries are not counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close releases the queue. Blocked Gets return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return q.journal.Close()
}

func (q *Queue) nudgeLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) advanceWatermarkLocked() {
	for {
		r, ok := q.acked[q.watermark]
		if !ok {
			return
		}
		delete(q.acked, q.watermark)
		q.watermark += r.size
	}
}

func (q *Queue) writeIndexLocked() error {
	idx := indexFile{Watermark: q.watermark}
	for off := range q.acked {
		idx.Acked = append(idx.Acked, off)
	}
	sort.Slice(idx.Acked, func(i, j int) bool { return idx.Acked[i] < idx.Acked[j] })
	data, err := json.Marshal(&idx)
	if err != nil {
		return errors.Annotate(err, "marshal index").Err()
	}

	tmp, err := os.CreateTemp(q.tempDir, "consumed-*.idx")
	if err != nil {
		return errors.Annotate(err, "stage index").Err()
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Annotate(err, "write index").Err()
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Annotate(err, "sync index").Err()
	}
	if err := tmp.Close(); err != nil {
		return errors.Annotate(err, "close index").Err()
	}
	if err := os.Rename(tmp.Name(), filepath.Join(q.dir, indexName)); err != nil {
		return errors.Annotate(err, "replace index").Err()
	}
	return syncDir(q.dir)
}

// scanJournal reads every complete, checksummed record and returns them
// with the offset past the last good one. A short, oversized or corrupt
// record ends the scan; whatever follows is a torn tail.
func scanJournal(f *os.File) ([]record, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	var (
		recs []record
		off  int64
		hdr  [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return recs, off, nil
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		if n == 0 || n > maxEntrySize {
			return recs, off, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			return recs, off, nil
		}
		if crc32.Checksum(payload, castagnoli) != sum {
			return recs, off, nil
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return recs, off, nil
		}
		size := headerSize + int64(n)
		recs = append(recs, record{off: off, size: size, e: e})
		off += size
	}
}

func readIndex(path string) (indexFile, error) {
	var idx indexFile
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return idx, nil
	case err != nil:
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexFile{}, err
	}
	return idx, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Annotate(err, "open dir for sync").Err()
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Annotate(err, "sync dir").Err()
	}
	return nil
}
