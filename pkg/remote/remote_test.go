// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFindReturnsDecodedNodes(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.True(t, strings.HasPrefix(r.URL.Path, "/metrics/find/"))
		nodes := []NodeDescriptor{{Path: "carbon.agents.a1.cpu", IsLeaf: true}}
		json.NewEncoder(w).Encode(nodes)
	}))
	defer srv.Close()

	p := NewPeer(strings.TrimPrefix(srv.URL, "http://"), Config{FindCacheDuration: time.Minute})
	nodes := p.Find(context.Background(), "carbon.agents.*.cpu", -1, -1)
	require.Len(t, nodes, 1)
	require.Equal(t, "carbon.agents.a1.cpu", nodes[0].Path)

	// second call within the cache bucket should not hit the server again
	p.Find(context.Background(), "carbon.agents.*.cpu", -1, -1)
	require.Equal(t, 1, calls)
}

func TestFindMarksPeerUnavailableOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPeer(strings.TrimPrefix(srv.URL, "http://"), Config{RetryDelay: time.Hour})
	nodes := p.Find(context.Background(), "x.*", -1, -1)
	require.Empty(t, nodes)
	require.False(t, p.Available())
}

func TestFetchSharesBulkCallAcrossSiblingLeaves(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		series := []SeriesDescriptor{
			{Name: "a.x", Start: 0, End: 10, Step: 10, Values: []float64{1}},
			{Name: "a.y", Start: 0, End: 10, Step: 10, Values: []float64{2}},
		}
		json.NewEncoder(w).Encode(series)
	}))
	defer srv.Close()

	p := NewPeer(strings.TrimPrefix(srv.URL, "http://"), Config{})

	sx, err := p.Fetch(context.Background(), "a.*", "a.x", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1.0, sx.Values[0])

	sy, err := p.Fetch(context.Background(), "a.*", "a.y", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2.0, sy.Values[0])

	require.Equal(t, 1, calls)
}

func TestFetchUnknownNameErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]SeriesDescriptor{})
	}))
	defer srv.Close()

	p := NewPeer(strings.TrimPrefix(srv.URL, "http://"), Config{})
	_, err := p.Fetch(context.Background(), "a.*", "missing", 0, 10)
	require.Error(t, err)
}

func TestPoolAvailableSkipsBackedOffPeers(t *testing.T) {
	pool := NewPool([]string{"a:1", "b:1"}, Config{RetryDelay: time.Hour})
	pool.peers[0].fail()

	available := pool.Available()
	require.Len(t, available, 1)
}
