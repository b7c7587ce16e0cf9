// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package ring

import (
	"math"
	"strconv"
	"testing"
)

func TestNodeForIsDeterministic(t *testing.T) {
	r := New([]Token{{Host: "a"}, {Host: "b"}, {Host: "c"}}, 100)

	first := r.NodeFor("foo.bar")
	for i := 0; i < 10; i++ {
		if got := r.NodeFor("foo.bar"); got != first {
			t.Fatalf("NodeFor not deterministic: got %v, want %v", got, first)
		}
	}
}

func TestNodesForDistinctHosts(t *testing.T) {
	r := New([]Token{{Host: "a"}, {Host: "b"}, {Host: "c"}}, 100)

	nodes := r.NodesFor("some.metric.name", 3)
	if len(nodes) != 3 {
		t.Fatalf("len(nodes) = %d, want 3", len(nodes))
	}

	seen := map[Token]bool{}
	for _, n := range nodes {
		if seen[n] {
			t.Fatalf("duplicate token %v in NodesFor result", n)
		}
		seen[n] = true
	}
}

func TestRingMappingExampleFromSpec(t *testing.T) {
	r := New([]Token{{Host: "a"}, {Host: "b"}}, 100)

	nodes, err := r.NodesForReplication("foo.bar", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := map[string]bool{}
	for _, n := range nodes {
		got[n.Host] = true
	}
	want := map[string]bool{"a": true, "b": true}
	if len(got) != len(want) || !got["a"] || !got["b"] {
		t.Errorf("destinations = %v, want {a,b}", got)
	}
}

func TestReplicationFactorExceedsHostsErrors(t *testing.T) {
	r := New([]Token{{Host: "a"}}, 100)
	if _, err := r.NodesForReplication("x", 2); err == nil {
		t.Error("expected error when replication factor exceeds distinct host count")
	}
}

func TestMultiInstancePerHost(t *testing.T) {
	r := New([]Token{
		{Host: "a", Instance: "1"},
		{Host: "a", Instance: "2"},
		{Host: "b"},
	}, 100)

	if r.HostCount() != 2 {
		t.Fatalf("HostCount() = %d, want 2", r.HostCount())
	}

	nodes, err := r.NodesForReplication("metric", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hosts := map[string]bool{}
	for _, n := range nodes {
		hosts[n.Host] = true
	}
	if len(hosts) != 2 {
		t.Errorf("expected replicas on 2 distinct hosts, got %v", nodes)
	}
}

func TestRingBalanceWithinTolerance(t *testing.T) {
	tokens := make([]Token, 10)
	for i := range tokens {
		tokens[i] = Token{Host: string(rune('a' + i))}
	}
	r := New(tokens, 100)

	const samples = 200000
	counts := make(map[Token]int, 10)
	for i := 0; i < samples; i++ {
		key := "metric." + strconv.Itoa(i)
		counts[r.NodeFor(key)]++
	}

	mean := float64(samples) / float64(len(tokens))
	for tok, c := range counts {
		dev := math.Abs(float64(c)-mean) / mean
		if dev > 0.25 {
			t.Errorf("token %v load %d deviates %.2f%% from mean %.1f (sanity bound 25%%)", tok, c, dev*100, mean)
		}
	}
}
