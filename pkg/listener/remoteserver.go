// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package listener

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/carbonio/carbon/pkg/intervals"
	"github.com/carbonio/carbon/pkg/remote"
	"github.com/carbonio/carbon/pkg/store"
)

// RemoteServer exposes the find/fetch endpoints spec.md §6 expects a peer
// to answer (GET /metrics/find/, GET /render/), muxed with gorilla/mux the
// same way the teacher's server.go builds its router.
type RemoteServer struct {
	router *mux.Router
	finder *store.Store
}

func NewRemoteServer(finder *store.Store) *RemoteServer {
	s := &RemoteServer{finder: finder, router: mux.NewRouter()}
	s.router.HandleFunc("/metrics/find/", s.handleFind).Methods(http.MethodGet)
	s.router.HandleFunc("/render/", s.handleRender).Methods(http.MethodGet)
	return s
}

func (s *RemoteServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *RemoteServer) handleFind(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("query")
	start := parseFloatOr(q.Get("from"), intervals.NegInf)
	end := parseFloatOr(q.Get("until"), intervals.Inf)

	nodes := s.finder.Find(r.Context(), pattern, start, end)

	out := make([]remote.NodeDescriptor, 0, len(nodes))
	for _, n := range nodes {
		nd := remote.NodeDescriptor{Path: n.Path, IsLeaf: !n.Branch}
		if !n.Branch && n.Reader != nil {
			nd.Intervals = n.Reader.Intervals().Intervals()
		}
		out = append(out, nd)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *RemoteServer) handleRender(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("target")
	start := parseFloatOr(q.Get("from"), intervals.NegInf)
	end := parseFloatOr(q.Get("until"), intervals.Inf)

	nodes := s.finder.Find(r.Context(), pattern, start, end)

	out := make([]remote.SeriesDescriptor, 0, len(nodes))
	for _, n := range nodes {
		if n.Branch || n.Reader == nil {
			continue
		}
		step, values, err := n.Reader.Fetch(start, end)
		if err != nil {
			continue
		}
		out = append(out, remote.SeriesDescriptor{Name: n.Path, Start: start, End: end, Step: step, Values: values})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func parseFloatOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
