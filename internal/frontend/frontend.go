// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package frontend serves the scoring ingestion endpoint.
//
// The surface is a single route, POST /, taking a JSON body with the
// submission id and an API key. An authenticated request is queued for
// scoring; the response carries no data beyond the status code.
package frontend

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/wsteitz/submission-criteria/internal/dqueue"
)

// Ingress is where authenticated scoring requests go. *dqueue.Queue
// implements it.
type Ingress interface {
	Put(e dqueue.Entry) error
}

type scoreRequest struct {
	SubmissionID string `json:"submission_id"`
	APIKey       string `json:"api_key"`
}

// Server handles scoring requests.
type Server struct {
	ingress Ingress
	apiKey  []byte
}

// New returns a server enqueueing on ingress requests bearing apiKey.
func New(ingress Ingress, apiKey string) *Server {
	return &Server{ingress: ingress, apiKey: []byte(apiKey)}
}

// Router returns the route table.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()
	r.POST("/", s.queueForScoring)
	return r
}

// queueForScoring authenticates a scoring request and puts it on the
// ingress queue.
//
// Everything short of a queue failure answers 200 with an empty body: a
// bad key or an unreadable body is logged and nothing is revealed to the
// caller.
func (s *Server) queueForScoring(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logging.Warningf(ctx, "ignoring unparseable scoring request: %s", err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIKey), s.apiKey) != 1 {
		logging.Warningf(ctx, "received invalid scoring request for submission %q", req.SubmissionID)
		return
	}

	logging.Infof(ctx, "received request to score %s", req.SubmissionID)
	err := s.ingress.Put(dqueue.Entry{
		SubmissionID: req.SubmissionID,
		EnqueueTime:  clock.Now(ctx),
	})
	if err != nil {
		logging.Errorf(ctx, "queueing submission %s: %s", req.SubmissionID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
