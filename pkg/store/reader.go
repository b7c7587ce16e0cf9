// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"math"

	"github.com/carbonio/carbon/pkg/intervals"
)

// Reader is a leaf's data source: the intervals it can answer, and a fetch
// call returning a dense value grid at its native step.
type Reader interface {
	Intervals() intervals.Set
	Fetch(start, end float64) (step float64, values []float64, err error)
}

// ReduceCoverage implements spec.md §4.7.2's greedy minimal-coverage
// algorithm over replicas of one metric. It returns the selected readers in
// selection order (also the MultiReader's coverage-preference order).
//
// When no reader's interval overlaps query at all, it falls back to picking
// the replica whose latest interval ends closest to query.Start from below,
// accepting it only if the gap is within tolerance.
func ReduceCoverage(readers []Reader, query intervals.Interval, tolerance float64) []Reader {
	type candidate struct {
		reader Reader
		iv     intervals.Set
	}

	candidates := make([]candidate, 0, len(readers))
	for _, r := range readers {
		candidates = append(candidates, candidate{reader: r, iv: r.Intervals()})
	}

	covered := intervals.Empty
	var selected []Reader

	for {
		bestIdx := -1
		bestGain := 0.0
		for i, c := range candidates {
			if c.reader == nil {
				continue
			}
			gain := c.iv.IntersectInterval(query).Difference(covered).Size()
			if gain > bestGain {
				bestGain = gain
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		selected = append(selected, candidates[bestIdx].reader)
		covered = covered.Union(candidates[bestIdx].iv)
		candidates[bestIdx].reader = nil
	}

	if len(selected) > 0 {
		return selected
	}

	// Gap fallback: find the replica whose latest interval ends closest to
	// query.Start from below.
	var best Reader
	bestGap := math.Inf(1)
	for _, r := range readers {
		ivs := r.Intervals().Intervals()
		if len(ivs) == 0 {
			continue
		}
		latestEnd := ivs[len(ivs)-1].End
		if latestEnd > query.Start {
			continue
		}
		gap := query.Start - latestEnd
		if gap < bestGap {
			bestGap = gap
			best = r
		}
	}

	if best != nil && bestGap <= tolerance {
		return []Reader{best}
	}
	return nil
}

// MultiReader composes several leaf readers' Fetch outputs into one series,
// per spec.md §4.7.3: intervals() is the union of child intervals; fetch
// picks the finest step among readers that returned data, then for each
// point in the output grid chooses the first non-null value across readers
// in coverage-preference order (the order ReduceCoverage selected them in).
type MultiReader struct {
	readers []Reader
}

func NewMultiReader(readers []Reader) *MultiReader {
	return &MultiReader{readers: readers}
}

func (m *MultiReader) Intervals() intervals.Set {
	out := intervals.Empty
	for _, r := range m.readers {
		out = out.Union(r.Intervals())
	}
	return out
}

func (m *MultiReader) Fetch(start, end float64) (float64, []float64, error) {
	type fetched struct {
		step   float64
		values []float64
	}

	results := make([]fetched, 0, len(m.readers))
	finestStep := math.Inf(1)
	for _, r := range m.readers {
		step, values, err := r.Fetch(start, end)
		if err != nil {
			continue
		}
		results = append(results, fetched{step: step, values: values})
		if step > 0 && step < finestStep {
			finestStep = step
		}
	}

	if len(results) == 0 || math.IsInf(finestStep, 1) {
		return 0, nil, nil
	}

	n := int((end - start) / finestStep)
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}

	for i := range out {
		t := start + float64(i)*finestStep
		for _, res := range results {
			if res.step <= 0 {
				continue
			}
			idx := int((t - start) / res.step)
			if idx < 0 || idx >= len(res.values) {
				continue
			}
			v := res.values[idx]
			if !isNaN(v) {
				out[i] = v
				break
			}
		}
	}

	return finestStep, out, nil
}

func isNaN(f float64) bool { return f != f }
