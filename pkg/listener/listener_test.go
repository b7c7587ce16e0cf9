// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package listener

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/remote"
	"github.com/carbonio/carbon/pkg/store"
)

type fakeSink struct {
	mu     sync.Mutex
	stored []cache.Datapoint
	names  []string
}

func (f *fakeSink) Store(metric string, dp cache.Datapoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, metric)
	f.stored = append(f.stored, dp)
}

func (f *fakeSink) snapshot() ([]string, []cache.Datapoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...), append([]cache.Datapoint(nil), f.stored...)
}

func TestTextualListenerParsesWellFormedLines(t *testing.T) {
	sink := &fakeSink{}
	l := NewTextualListener(sink)
	l.handleReader(strings.NewReader("a.b.c 1.5 1000\nd.e.f 2.5 1010\n"))

	names, points := sink.snapshot()
	if len(names) != 2 || names[0] != "a.b.c" || points[0].Value != 1.5 {
		t.Errorf("got names=%v points=%v", names, points)
	}
}

func TestTextualListenerDropsMalformedLines(t *testing.T) {
	sink := &fakeSink{}
	l := NewTextualListener(sink)
	l.handleReader(strings.NewReader("not enough fields\na.b.c 1.5 1000\n"))

	names, _ := sink.snapshot()
	if len(names) != 1 || names[0] != "a.b.c" {
		t.Errorf("got names=%v, want only the well-formed line", names)
	}
}

func TestTextualListenerFiltersNaN(t *testing.T) {
	sink := &fakeSink{}
	l := NewTextualListener(sink)
	l.handleReader(strings.NewReader("a.b.c NaN 1000\n"))

	names, _ := sink.snapshot()
	if len(names) != 0 {
		t.Errorf("expected NaN datapoint to be filtered, got %v", names)
	}
}

func TestBatchListenerEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()

	sink := &fakeSink{}
	bl := NewBatchListener(sink)

	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		bl.handle(conn)
		close(done)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, err := json.Marshal([]batchEntry{
		{Metric: "x.y", Timestamp: 1, Value: 1},
		{Metric: "x.z", Timestamp: 2, Value: math.NaN()},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	conn.Write(header[:])
	conn.Write(payload)
	conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch listener to process the frame")
	}

	names, _ := sink.snapshot()
	if len(names) != 1 || names[0] != "x.y" {
		t.Errorf("got names=%v, want only the non-NaN entry", names)
	}
}

type fakeCacheSource struct {
	points map[string][]cache.Datapoint
}

func (f *fakeCacheSource) Get(metric string) []cache.Datapoint { return f.points[metric] }

func TestCacheQueryListenerEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()

	cs := &fakeCacheSource{points: map[string][]cache.Datapoint{
		"m": {{Timestamp: 1, Value: 2}},
	}}
	ql := NewCacheQueryListener(cs)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ql.handle(conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len("m")))
	conn.Write(header[:])
	conn.Write([]byte("m"))

	var respHeader [4]byte
	if _, err := readFull(conn, respHeader[:]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	length := binary.BigEndian.Uint32(respHeader[:])
	payload := make([]byte, length)
	if _, err := readFull(conn, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count := binary.BigEndian.Uint32(payload[:4])
	if count != 1 {
		t.Errorf("got %d datapoints, want 1", count)
	}
	value := math.Float64frombits(binary.BigEndian.Uint64(payload[4+8:]))
	if value != 2 {
		t.Errorf("got value %v, want 2", value)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestRemoteServerFindRespondsWithEmptyArrayWhenNothingMatches(t *testing.T) {
	s := store.New(nil, nil, 5)
	rs := NewRemoteServer(s)
	srv := httptest.NewServer(rs)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics/find/?local=1&format=pickle&query=nothing.*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	var nodes []remote.NodeDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("got %d nodes, want 0", len(nodes))
	}
}
