// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carbonio/carbon/pkg/clog"
	"github.com/carbonio/carbon/pkg/intervals"
	"github.com/carbonio/carbon/pkg/storagenode"
)

// LeafNode is a terminal node in the local metric tree: a metric path
// backed by a storage engine handle.
type LeafNode struct {
	Path         string
	RealPath     string // canonical path after resolving symlinks, used for CacheLink lookups
	Node         storagenode.Node
	ReaderSource Reader
}

// BranchNode is an interior directory in the local metric tree.
type BranchNode struct {
	Path string
}

// WalkResult is either a BranchNode or a LeafNode, discovered while walking
// the local data directory tree (spec.md §4.7.1).
type WalkResult struct {
	Branch *BranchNode
	Leaf   *LeafNode
}

// DatasourcePlugin lets flat-file backends (.wsp, .rrd) register a
// second-level pattern consumer: when the final metric path segment
// matches a file this plugin claims, the *next* dotted pattern segment
// selects a datasource name within that file (spec.md §4.7.1, the
// original's `::RRD_DATASOURCE::` convention, generalized). Carbon's own
// reference engine (pkg/storagenode.FileEngine) needs no such plugin since
// one file holds exactly one metric; this extension point exists for
// alternative flat-file engines. LocalTree stores the plugins passed to
// NewLocalTree, but Walk does not call them: a file such as x.rrd is matched
// by its full name like any other non-directory entry, and no datasource
// segment is matched inside it.
type DatasourcePlugin interface {
	// Matches reports whether fileName belongs to this plugin's format.
	Matches(fileName string) bool
	// Datasources lists the datasource names available within fileName,
	// filtered to those matching pattern.
	Datasources(dirPath, fileName, pattern string) ([]string, error)
}

// LocalTree walks a root directory, matching a dotted glob pattern
// segment-by-segment against real directory entries.
type LocalTree struct {
	root    string
	engine  storagenode.Engine
	plugins []DatasourcePlugin
	linker  Linker
}

func NewLocalTree(root string, engine storagenode.Engine, plugins ...DatasourcePlugin) *LocalTree {
	return &LocalTree{root: root, engine: engine, plugins: plugins}
}

// SetLinker attaches a CacheLink client: every leaf reader this tree hands
// out afterward merges a peer's still-unflushed cache contents into its
// persisted data (spec.md §8 scenario 6). Pass nil to disable merging.
func (t *LocalTree) SetLinker(l Linker) {
	t.linker = l
}

// Walk expands pattern and emits WalkResults on out, closing it when done.
// Symlinked directories are resolved to a "real metric path" so CacheLink
// queries against the canonical name succeed regardless of which alias the
// caller used (spec.md §4.7.1).
func (t *LocalTree) Walk(pattern string, iv intervals.Interval, out chan<- WalkResult) {
	defer close(out)
	segments := strings.Split(pattern, ".")
	t.walk(t.root, "", "", segments, iv, out)
}

func (t *LocalTree) walk(dirPath, metricPrefix, realPrefix string, segments []string, iv intervals.Interval, out chan<- WalkResult) {
	if len(segments) == 0 {
		return
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		clog.Warnf("store: read dir %s: %v", dirPath, err)
		return
	}

	pattern := segments[0]
	rest := segments[1:]

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		baseName := name
		isFlatFile := false
		for _, ext := range []string{".carbon", ".wsp", ".wsp.gz"} {
			if strings.HasSuffix(name, ext) {
				baseName = strings.TrimSuffix(name, ext)
				isFlatFile = true
				break
			}
		}

		matched, err := filepath.Match(pattern, baseName)
		if err != nil || !matched {
			continue
		}

		childPath := filepath.Join(dirPath, name)
		childRealPath := childPath
		metric := joinMetric(metricPrefix, baseName)
		realMetric := joinMetric(realPrefix, baseName)
		isDir := entry.IsDir()

		info, err := os.Lstat(childPath)
		if err == nil && info.Mode()&os.ModeSymlink != 0 {
			if resolved, err := filepath.EvalSymlinks(childPath); err == nil {
				childRealPath = resolved
				if st, serr := os.Stat(resolved); serr == nil {
					isDir = st.IsDir()
				}
				root := t.root
				if r, rerr := filepath.EvalSymlinks(root); rerr == nil {
					root = r
				}
				if rel, rerr := filepath.Rel(root, resolved); rerr == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
					realMetric = strings.ReplaceAll(strings.TrimSuffix(rel, name[len(baseName):]), string(filepath.Separator), ".")
				}
			}
		}

		if isFlatFile || (err == nil && !isDir) {
			if len(rest) > 0 {
				continue // a leaf can't satisfy remaining pattern segments
			}
			node, gerr := t.engine.GetNode(metric)
			if gerr != nil {
				continue
			}
			if !node.HasDataForInterval(iv) {
				continue
			}
			reader, rerr := node.Read(iv)
			if rerr != nil {
				continue
			}
			var rdr Reader = adaptNodeReader{reader}
			if t.linker != nil {
				rdr = NewCacheLinkReader(rdr, t.linker, realMetric)
			}
			out <- WalkResult{Leaf: &LeafNode{
				Path:         metric,
				RealPath:     realMetric,
				Node:         node,
				ReaderSource: rdr,
			}}
			continue
		}

		if isDir {
			if len(rest) == 0 {
				out <- WalkResult{Branch: &BranchNode{Path: metric}}
				continue
			}
			t.walk(childRealPath, metric, realMetric, rest, iv, out)
		}
	}
}

func joinMetric(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

// adaptNodeReader lifts a storagenode.Reader to this package's Reader
// interface (they are structurally identical; a thin wrapper keeps pkg/store
// from importing storagenode types into its public Reader contract).
type adaptNodeReader struct {
	r storagenode.Reader
}

func (a adaptNodeReader) Intervals() intervals.Set { return a.r.Intervals() }
func (a adaptNodeReader) Fetch(start, end float64) (float64, []float64, error) {
	return a.r.Fetch(start, end)
}
