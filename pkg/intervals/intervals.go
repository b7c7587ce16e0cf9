// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package intervals implements sets of half-open numeric intervals with the
// usual set algebra (union, intersection, complement, difference). It backs
// the storage router's interval-coverage reduction (see pkg/store) the same
// way graphite's intervals.py backs MetaNode coverage there.
package intervals

import (
	"math"
	"sort"
)

// Inf and NegInf are the open bounds a Complement can produce.
var (
	Inf    = math.Inf(1)
	NegInf = math.Inf(-1)
)

// Interval is a half-open range [Start, End).
type Interval struct {
	Start, End float64
}

// Size returns End-Start, zero or negative for an empty interval.
func (i Interval) Size() float64 {
	return i.End - i.Start
}

// IsEmpty reports whether the interval contains no points.
func (i Interval) IsEmpty() bool {
	return i.End <= i.Start
}

// Overlaps reports whether i and j touch or overlap. Touching intervals
// ([0,10) and [10,20)) count as overlapping so that Union produces a single
// contiguous run instead of leaving an artificial zero-width gap.
func (i Interval) Overlaps(j Interval) bool {
	earlier, later := i, j
	if j.Start < i.Start {
		earlier, later = j, i
	}
	return earlier.End >= later.Start
}

// Union merges two overlapping intervals. Callers must check Overlaps first;
// the result of unioning disjoint intervals is not a single interval.
func (i Interval) Union(j Interval) Interval {
	return Interval{Start: math.Min(i.Start, j.Start), End: math.Max(i.End, j.End)}
}

// Intersect returns the overlap of i and j, and whether it is non-empty.
func (i Interval) Intersect(j Interval) (Interval, bool) {
	start := math.Max(i.Start, j.Start)
	end := math.Min(i.End, j.End)
	if end > start {
		return Interval{Start: start, End: end}, true
	}
	return Interval{}, false
}

// Set is a normalized, disjoint, sorted collection of Intervals with a
// cached total Size.
type Set struct {
	intervals []Interval
	size      float64
}

// Empty is the zero-size interval set.
var Empty = Set{}

// New builds a normalized Set from arbitrary (possibly overlapping) intervals.
func New(in []Interval) Set {
	merged := unionOverlapping(in)
	return fromSorted(merged)
}

func fromSorted(merged []Interval) Set {
	size := 0.0
	for _, iv := range merged {
		size += iv.Size()
	}
	return Set{intervals: merged, size: size}
}

// unionOverlapping repeatedly merges overlapping intervals until a fixed
// point is reached, mirroring graphite's union_overlapping(): any pairwise
// overlap collapses until nothing overlaps, then the survivors are sorted.
func unionOverlapping(in []Interval) []Interval {
	pending := make([]Interval, 0, len(in))
	for _, iv := range in {
		if !iv.IsEmpty() {
			pending = append(pending, iv)
		}
	}

	for {
		mergedAny := false
		out := make([]Interval, 0, len(pending))
	outer:
		for _, iv := range pending {
			for idx, existing := range out {
				if iv.Overlaps(existing) {
					out[idx] = existing.Union(iv)
					mergedAny = true
					continue outer
				}
			}
			out = append(out, iv)
		}
		pending = out
		if !mergedAny {
			break
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Start < pending[j].Start })
	return pending
}

// Intervals returns a copy of the normalized intervals, sorted by Start.
func (s Set) Intervals() []Interval {
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Size is the sum of the sizes of the disjoint intervals.
func (s Set) Size() float64 {
	return s.size
}

// IsEmpty reports whether the set has zero total size.
func (s Set) IsEmpty() bool {
	return s.size == 0
}

// Union returns the normalized union of s and other.
func (s Set) Union(other Set) Set {
	combined := make([]Interval, 0, len(s.intervals)+len(other.intervals))
	combined = append(combined, s.intervals...)
	combined = append(combined, other.intervals...)
	return New(combined)
}

// Intersect returns the pairwise intersection of s and other, empties dropped.
func (s Set) Intersect(other Set) Set {
	var out []Interval
	for _, a := range s.intervals {
		for _, b := range other.intervals {
			if iv, ok := a.Intersect(b); ok {
				out = append(out, iv)
			}
		}
	}
	return New(out)
}

// IntersectInterval intersects s with a single interval.
func (s Set) IntersectInterval(iv Interval) Set {
	return s.Intersect(New([]Interval{iv}))
}

// Complement returns the gaps of s within (-Inf, +Inf), including the
// leading and trailing open runs when s doesn't already span the full line.
func (s Set) Complement() Set {
	var out []Interval
	cursor := NegInf

	for _, iv := range s.intervals {
		if cursor < iv.Start {
			out = append(out, Interval{Start: cursor, End: iv.Start})
		}
		cursor = iv.End
	}

	if cursor < Inf {
		out = append(out, Interval{Start: cursor, End: Inf})
	}

	return New(out)
}

// Difference returns s minus other: intersect(s, complement(other)).
func (s Set) Difference(other Set) Set {
	return s.Intersect(other.Complement())
}
