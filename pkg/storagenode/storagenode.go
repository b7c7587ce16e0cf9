// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package storagenode defines the StorageEngine contract the writer loop
// (pkg/writer) and the find planner (pkg/store) treat as an opaque external
// collaborator, plus a reference file-backed implementation. Grounded on
// graphite's Tree/CeresNode split in writer.py: "get a node handle, or
// create one from a retention config, then write/read through it".
package storagenode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/intervals"
	"github.com/carbonio/carbon/pkg/retention"
)

// ErrNodeDeleted signals that a previously resolved node handle no longer
// refers to live storage (spec.md §4.5 step 2c); the writer must evict any
// cached handle and move on without retrying.
var ErrNodeDeleted = errors.New("storagenode: node deleted")

// ErrNodeMissing signals no node exists yet at this path (distinct from
// deleted: never existed).
var ErrNodeMissing = errors.New("storagenode: node missing")

// Node is a handle to one metric's persisted series.
type Node interface {
	// Write persists datapoints, returning ErrNodeDeleted if the
	// underlying storage vanished since the handle was resolved.
	Write(datapoints []cache.Datapoint) error
	// Read returns the archive's reader for the given half-open interval.
	Read(iv intervals.Interval) (Reader, error)
	// HasDataForInterval reports whether this node can answer queries that
	// overlap iv at all (used by the find planner to decide Leaf vs empty).
	HasDataForInterval(iv intervals.Interval) bool
}

// Reader answers §4.7.3 MultiReader-style fetches: a finest step and a
// dense value grid over [start, end).
type Reader interface {
	Intervals() intervals.Set
	Fetch(start, end float64) (step float64, values []float64, err error)
}

// Engine resolves and creates node handles. The writer never talks to the
// filesystem, network, or database directly: it only calls GetNode and
// CreateNode.
type Engine interface {
	// GetNode returns an existing handle, or ErrNodeMissing.
	GetNode(metric string) (Node, error)
	// CreateNode allocates new storage for metric according to config,
	// returning its handle.
	CreateNode(metric string, config retention.Config) (Node, error)
}

// FileEngine is the reference StorageEngine: one flat file per metric under
// a root directory, storing the finest archive's (timestamp, value) points
// as text, trimmed to that archive's point count; it does not use whisper's
// on-disk format (no existing pack dependency speaks that format).
type FileEngine struct {
	root string

	mu    sync.Mutex
	nodes map[string]*fileNode
}

func NewFileEngine(root string) (*FileEngine, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storagenode: create root %q: %w", root, err)
	}
	return &FileEngine{root: root, nodes: map[string]*fileNode{}}, nil
}

func (e *FileEngine) path(metric string) string {
	return filepath.Join(e.root, strings.ReplaceAll(metric, ".", string(filepath.Separator))+".carbon")
}

func (e *FileEngine) GetNode(metric string) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n, ok := e.nodes[metric]; ok {
		if n.deleted {
			return nil, ErrNodeDeleted
		}
		return n, nil
	}

	p := e.path(metric)
	if _, err := os.Stat(p); err != nil {
		return nil, ErrNodeMissing
	}

	n, err := loadFileNode(p)
	if err != nil {
		return nil, err
	}
	e.nodes[metric] = n
	return n, nil
}

func (e *FileEngine) CreateNode(metric string, config retention.Config) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.path(metric)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("storagenode: create dir for %q: %w", metric, err)
	}

	n, err := createFileNode(p, config)
	if err != nil {
		return nil, err
	}
	e.nodes[metric] = n
	return n, nil
}

// DeleteNode marks the in-memory handle (if cached) as deleted and removes
// the backing file. Exercised by tests exercising the writer's
// NodeDeleted-eviction path.
func (e *FileEngine) DeleteNode(metric string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n, ok := e.nodes[metric]; ok {
		n.mu.Lock()
		n.deleted = true
		n.mu.Unlock()
	}
	return os.Remove(e.path(metric))
}

// fileNode is the FileEngine's Node implementation: a single in-memory
// archive set, rewritten to disk on every Write. Archive rollup (propagating
// finer archives into coarser ones) is out of scope for this reference
// engine; it stores only the finest archive and trims to its point count.
type fileNode struct {
	path string

	mu      sync.Mutex
	config  retention.Config
	points  []cache.Datapoint // ascending by timestamp, capped to finest archive's Points
	deleted bool
}

func createFileNode(path string, config retention.Config) (*fileNode, error) {
	n := &fileNode{path: path, config: config}
	if err := n.flush(); err != nil {
		return nil, err
	}
	return n, nil
}

func loadFileNode(path string) (*fileNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storagenode: read %q: %w", path, err)
	}

	n := &fileNode{path: path}
	if err := n.decode(data); err != nil {
		return nil, fmt.Errorf("storagenode: decode %q: %w", path, err)
	}
	return n, nil
}

func (n *fileNode) Write(datapoints []cache.Datapoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.deleted {
		return ErrNodeDeleted
	}

	n.points = append(n.points, datapoints...)
	sortDatapoints(n.points)

	if len(n.config.Archives) > 0 {
		capacity := int(n.config.Archives[0].Points)
		if capacity > 0 && len(n.points) > capacity {
			n.points = n.points[len(n.points)-capacity:]
		}
	}

	return n.flushLocked()
}

func (n *fileNode) Read(iv intervals.Interval) (Reader, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.deleted {
		return nil, ErrNodeDeleted
	}

	points := make([]cache.Datapoint, len(n.points))
	copy(points, n.points)
	return &fileReader{points: points, step: n.timeStep()}, nil
}

func (n *fileNode) HasDataForInterval(iv intervals.Interval) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.deleted || len(n.points) == 0 {
		return false
	}
	span := intervals.Interval{Start: n.points[0].Timestamp, End: n.points[len(n.points)-1].Timestamp}
	return span.Overlaps(iv)
}

func (n *fileNode) timeStep() float64 {
	if len(n.config.Archives) == 0 {
		return 60
	}
	return float64(n.config.Archives[0].SecondsPerPoint)
}

func (n *fileNode) flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flushLocked()
}

func (n *fileNode) flushLocked() error {
	return os.WriteFile(n.path, n.encode(), 0o640)
}

// encode/decode use a plain newline-delimited text format: one
// "precision0:points0,precision1:points1,...\n" header line
// followed by one "timestamp value\n" line per point. Kept deliberately
// simple since the wire/archive format is explicitly out of this spec's
// scope (§6 "Persisted state: delegated to the storage engine").
func (n *fileNode) encode() []byte {
	var sb strings.Builder
	archiveFields := make([]string, len(n.config.Archives))
	for i, a := range n.config.Archives {
		archiveFields[i] = strconv.FormatInt(a.SecondsPerPoint, 10) + ":" + strconv.FormatInt(a.Points, 10)
	}
	sb.WriteString(strings.Join(archiveFields, ","))
	sb.WriteByte('\n')
	for _, p := range n.points {
		sb.WriteString(strconv.FormatFloat(p.Timestamp, 'f', -1, 64))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func (n *fileNode) decode(data []byte) error {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return fmt.Errorf("empty node file")
	}

	var archives []retention.Archive
	if lines[0] != "" {
		for _, field := range strings.Split(lines[0], ",") {
			parts := strings.SplitN(field, ":", 2)
			if len(parts) != 2 {
				continue
			}
			sec, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				return err
			}
			pts, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return err
			}
			archives = append(archives, retention.Archive{SecondsPerPoint: sec, Points: pts})
		}
	}
	timeStep := int64(60)
	if len(archives) > 0 {
		timeStep = archives[0].SecondsPerPoint
	}
	n.config = retention.Config{Archives: archives, TimeStep: timeStep}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		ts, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return err
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return err
		}
		n.points = append(n.points, cache.Datapoint{Timestamp: ts, Value: val})
	}
	return nil
}

func sortDatapoints(points []cache.Datapoint) {
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Timestamp < points[j-1].Timestamp; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}

// fileReader implements Reader over an in-memory point slice.
type fileReader struct {
	points []cache.Datapoint
	step   float64
}

func (r *fileReader) Intervals() intervals.Set {
	if len(r.points) == 0 {
		return intervals.Empty
	}
	return intervals.New([]intervals.Interval{{
		Start: r.points[0].Timestamp,
		End:   r.points[len(r.points)-1].Timestamp + r.step,
	}})
}

func (r *fileReader) Fetch(start, end float64) (float64, []float64, error) {
	if r.step <= 0 {
		return 0, nil, fmt.Errorf("storagenode: non-positive step")
	}

	n := int((end - start) / r.step)
	if n < 0 {
		n = 0
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = nan()
	}

	for _, p := range r.points {
		if p.Timestamp < start || p.Timestamp >= end {
			continue
		}
		idx := int((p.Timestamp - start) / r.step)
		if idx >= 0 && idx < n {
			values[idx] = p.Value
		}
	}

	return r.step, values, nil
}

func nan() float64 {
	var zero float64
	return zero / zero
}
