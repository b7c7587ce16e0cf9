// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store implements the federated find planner (spec.md §4.7): fan a
// find request out to the local metric tree and every available remote
// peer concurrently, group the results by path, and reduce per-path leaf
// replicas to a minimal covering MultiReader. Grounded on graphite webapp's
// storage.py Store class; the parallel local-walk + remote-fan-out join
// follows the goroutine/channel fan-out-then-join shape the teacher's
// GraphQL resolvers use to hit several data repositories concurrently.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/carbonio/carbon/pkg/intervals"
	"github.com/carbonio/carbon/pkg/remote"
)

// Node is one result of a find call: a Branch (directory, no reader) or a
// Leaf (metric, with a reader covering one or more replicas).
type Node struct {
	Path   string
	Branch bool
	Reader Reader // nil when Branch
}

// Store is the federation entry point used by the query surface.
type Store struct {
	tree *LocalTree
	pool *remote.Pool

	findTolerance float64
}

func New(tree *LocalTree, pool *remote.Pool, findTolerance float64) *Store {
	return &Store{tree: tree, pool: pool, findTolerance: findTolerance}
}

// Find expands pattern over [start, end) across the local tree and every
// available remote peer, returning one Node per distinct path.
func (s *Store) Find(ctx context.Context, pattern string, start, end float64) []Node {
	iv := intervals.Interval{Start: start, End: end}
	if start == 0 && end == 0 {
		iv = intervals.Interval{Start: intervals.NegInf, End: intervals.Inf}
	}

	var wg sync.WaitGroup

	localResults := make(chan WalkResult, 64)
	if s.tree != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tree.Walk(pattern, iv, localResults)
		}()
	} else {
		close(localResults)
	}

	type remoteFind struct {
		peer  *remote.Peer
		nodes []remote.NodeDescriptor
	}
	remoteResults := make(chan remoteFind, 64)
	if s.pool != nil {
		for _, p := range s.pool.Available() {
			wg.Add(1)
			go func(p *remote.Peer) {
				defer wg.Done()
				nodes := p.Find(ctx, pattern, start, end)
				remoteResults <- remoteFind{peer: p, nodes: nodes}
			}(p)
		}
	}

	go func() {
		wg.Wait()
		close(remoteResults)
	}()

	byPath := map[string][]Node{}
	var order []string

	addNode := func(path string, n Node) {
		if _, ok := byPath[path]; !ok {
			order = append(order, path)
		}
		byPath[path] = append(byPath[path], n)
	}

	for wr := range localResults {
		if wr.Branch != nil {
			addNode(wr.Branch.Path, Node{Path: wr.Branch.Path, Branch: true})
		} else if wr.Leaf != nil {
			addNode(wr.Leaf.Path, Node{Path: wr.Leaf.Path, Reader: wr.Leaf.ReaderSource})
		}
	}

	// remoteResults only closes after every peer goroutine finishes, but
	// individual remoteFind values arrive as they complete; drain them all.
	pending := remoteResults
	for rf := range pending {
		for _, nd := range rf.nodes {
			if nd.IsLeaf {
				addNode(nd.Path, Node{Path: nd.Path, Reader: remoteReaderAdapter{peer: rf.peer, pattern: pattern, name: nd.Path, iv: intervals.New(nd.Intervals)}})
			} else {
				addNode(nd.Path, Node{Path: nd.Path, Branch: true})
			}
		}
	}

	return s.reduce(byPath, order, iv)
}

// reduce groups by path (spec.md §4.7 step 5): any Branch wins outright;
// otherwise the leaf replicas are reduced to a minimal covering set and
// wrapped in a MultiReader.
func (s *Store) reduce(byPath map[string][]Node, order []string, iv intervals.Interval) []Node {
	out := make([]Node, 0, len(order))
	for _, path := range order {
		nodes := byPath[path]

		hasBranch := false
		for _, n := range nodes {
			if n.Branch {
				hasBranch = true
				break
			}
		}
		if hasBranch {
			out = append(out, Node{Path: path, Branch: true})
			continue
		}

		readers := make([]Reader, 0, len(nodes))
		for _, n := range nodes {
			readers = append(readers, n.Reader)
		}

		selected := ReduceCoverage(readers, iv, s.findTolerance)
		if len(selected) == 0 {
			continue
		}

		out = append(out, Node{Path: path, Reader: NewMultiReader(selected)})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// remoteReaderAdapter lazily fetches a remote series through a Peer's
// shared bulk-fetch cache, presenting it as a Reader.
type remoteReaderAdapter struct {
	peer    *remote.Peer
	pattern string
	name    string
	iv      intervals.Set
}

func (a remoteReaderAdapter) Intervals() intervals.Set { return a.iv }

func (a remoteReaderAdapter) Fetch(start, end float64) (float64, []float64, error) {
	series, err := a.peer.Fetch(context.Background(), a.pattern, a.name, start, end)
	if err != nil {
		return 0, nil, err
	}
	return series.Step, series.Values, nil
}
