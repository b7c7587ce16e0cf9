// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retention implements the storage schema table: an ordered list of
// (name, predicate, archives) rules used by the writer loop to pick a
// retention configuration for a metric name. Grounded on graphite's
// storage.py (loadStorageSchemas, parseRetentionDefinition, PatternSchema,
// ListSchema, DefaultSchema).
package retention

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carbonio/carbon/pkg/clog"
)

// Archive is one retention level: secondsPerPoint is the sample interval,
// points is the number of samples retained at that resolution.
type Archive struct {
	SecondsPerPoint int64
	Points          int64
}

// unitMultipliers mirrors graphite's UnitMultipliers table.
var unitMultipliers = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'y': 31536000,
}

// ParseRetentionDefinition parses the "<N>[s|m|h|d|y]:<M>[s|m|h|d|y]?" grammar
// from spec.md §4.3. A unitless points field is a raw count; with a unit it
// is a duration divided by precision (integer truncation).
func ParseRetentionDefinition(def string) (Archive, error) {
	parts := strings.SplitN(strings.TrimSpace(def), ":", 2)
	if len(parts) != 2 {
		return Archive{}, fmt.Errorf("retention: invalid definition %q, want <precision>:<points>", def)
	}

	precision, err := parseUnitValue(parts[0])
	if err != nil {
		return Archive{}, fmt.Errorf("retention: precision in %q: %w", def, err)
	}

	pointsRaw := parts[1]
	var points int64
	if isDigits(pointsRaw) {
		points, err = strconv.ParseInt(pointsRaw, 10, 64)
		if err != nil {
			return Archive{}, fmt.Errorf("retention: points in %q: %w", def, err)
		}
	} else {
		duration, err := parseUnitValue(pointsRaw)
		if err != nil {
			return Archive{}, fmt.Errorf("retention: points in %q: %w", def, err)
		}
		points = duration / precision
	}

	return Archive{SecondsPerPoint: precision, Points: points}, nil
}

func parseUnitValue(s string) (int64, error) {
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, err
		}
		return n, nil
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid unit value %q", s)
	}

	unit := s[len(s)-1]
	mult, ok := unitMultipliers[unit]
	if !ok {
		return 0, fmt.Errorf("invalid unit: %q", string(unit))
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Config is the storage-engine-facing configuration derived once per schema:
// the ordered archives plus the finest (first) precision as TimeStep.
type Config struct {
	Archives []Archive
	TimeStep int64
}

// Predicate decides whether a schema applies to a metric name.
type Predicate interface {
	Matches(metric string) bool
}

// MatchAll always matches; it backs the mandatory default schema.
type MatchAll struct{}

func (MatchAll) Matches(string) bool { return true }

// RegexPredicate matches a metric name against a compiled pattern,
// equivalent to graphite's PatternSchema.
type RegexPredicate struct {
	re *regexp.Regexp
}

func NewRegexPredicate(pattern string) (*RegexPredicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("retention: invalid pattern %q: %w", pattern, err)
	}
	return &RegexPredicate{re: re}, nil
}

func (p *RegexPredicate) Matches(metric string) bool {
	return p.re.MatchString(metric)
}

// ListPredicate matches metric names against a named allowlist file,
// reloaded from disk whenever its mtime advances since the last check
// (graphite's ListSchema). The file is expected to hold one metric name per
// line; callers supply a decode function so the on-disk format stays
// pluggable (plain lines, JSON array, ...).
type ListPredicate struct {
	path   string
	decode func([]byte) ([]string, error)

	mu      sync.Mutex
	mtime   time.Time
	members map[string]bool
}

func NewListPredicate(path string, decode func([]byte) ([]string, error)) *ListPredicate {
	return &ListPredicate{path: path, decode: decode, members: map[string]bool{}}
}

func (p *ListPredicate) Matches(metric string) bool {
	p.reloadIfChanged()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[metric]
}

func (p *ListPredicate) reloadIfChanged() {
	info, err := os.Stat(p.path)
	if err != nil {
		return // file absent: behaves as an empty list, matching graphite
	}

	p.mu.Lock()
	stale := info.ModTime().After(p.mtime)
	p.mu.Unlock()
	if !stale {
		return
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		clog.Warnf("retention: list predicate %s: reload failed: %v", p.path, err)
		return
	}

	names, err := p.decode(data)
	if err != nil {
		clog.Warnf("retention: list predicate %s: decode failed: %v", p.path, err)
		return
	}

	members := make(map[string]bool, len(names))
	for _, n := range names {
		members[n] = true
	}

	p.mu.Lock()
	p.members = members
	p.mtime = info.ModTime()
	p.mu.Unlock()
}

// Schema is one row of the schema table.
type Schema struct {
	Name      string
	Predicate Predicate
	Config    Config
}

// NewSchema sorts archives ascending by precision and derives Config,
// matching graphite's Schema.__init__.
func NewSchema(name string, predicate Predicate, archives []Archive) (Schema, error) {
	if len(archives) == 0 {
		return Schema{}, fmt.Errorf("retention: schema %q has no archives", name)
	}

	sorted := make([]Archive, len(archives))
	copy(sorted, archives)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].SecondsPerPoint < sorted[j-1].SecondsPerPoint; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	if err := validateArchives(sorted); err != nil {
		return Schema{}, fmt.Errorf("retention: schema %q: %w", name, err)
	}

	return Schema{
		Name:      name,
		Predicate: predicate,
		Config: Config{
			Archives: sorted,
			TimeStep: sorted[0].SecondsPerPoint,
		},
	}, nil
}

// validateArchives checks the storage engine's preconditions (surfaced here
// as a fatal config error on first use, per spec.md §4.3): each finer
// archive's precision must divide the next coarser one, and retained range
// must be non-decreasing with coarseness.
func validateArchives(sorted []Archive) error {
	for i := 1; i < len(sorted); i++ {
		finer, coarser := sorted[i-1], sorted[i]
		if coarser.SecondsPerPoint%finer.SecondsPerPoint != 0 {
			return fmt.Errorf("archive %d's precision %ds does not divide archive %d's precision %ds",
				i-1, finer.SecondsPerPoint, i, coarser.SecondsPerPoint)
		}
		finerRange := finer.SecondsPerPoint * finer.Points
		coarserRange := coarser.SecondsPerPoint * coarser.Points
		if coarserRange < finerRange {
			return fmt.Errorf("archive %d's retention %ds is shorter than archive %d's %ds",
				i, coarserRange, i-1, finerRange)
		}
	}
	return nil
}

func (s Schema) Matches(metric string) bool {
	return s.Predicate.Matches(metric)
}

// Table is the ordered sequence of schemas consulted by the writer loop.
// The first match wins; a final default schema always matches.
type Table struct {
	mu      sync.RWMutex
	schemas []Schema
}

// defaultRetention matches graphite's 60s:7d fallback for unclassified data.
var defaultRetention = Archive{SecondsPerPoint: 60, Points: 60 * 24 * 7}

// NewTable builds a table from the configured schemas, appending the
// mandatory default schema (match-all, 60s:7d) if the caller didn't supply
// one of their own.
func NewTable(schemas []Schema) (*Table, error) {
	hasDefault := false
	for _, s := range schemas {
		if _, ok := s.Predicate.(MatchAll); ok {
			hasDefault = true
		}
	}

	all := make([]Schema, len(schemas))
	copy(all, schemas)

	if !hasDefault {
		def, err := NewSchema("default", MatchAll{}, []Archive{defaultRetention})
		if err != nil {
			return nil, err
		}
		all = append(all, def)
	}

	return &Table{schemas: all}, nil
}

// Match returns the first schema whose predicate matches metric. By
// construction (NewTable always appends a default) this never fails; a
// missing match is the SchemaUnmatched error from spec.md §7 and is treated
// as fatal by callers, since it signals a table built without NewTable.
var ErrSchemaUnmatched = fmt.Errorf("retention: no schema matched (default schema missing)")

func (t *Table) Match(metric string) (Schema, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.schemas {
		if s.Matches(metric) {
			return s, nil
		}
	}
	return Schema{}, ErrSchemaUnmatched
}

// Replace atomically swaps the table's schema list, used by the writer's
// periodic reload (spec.md §4.5): a reload failure must keep serving the
// previous table, so callers build a fresh Table and only call Replace on
// success.
func (t *Table) Replace(schemas []Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemas = schemas
}

// Schemas returns a snapshot copy of the ordered schema list.
func (t *Table) Schemas() []Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Schema, len(t.schemas))
	copy(out, t.schemas)
	return out
}
