// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"sort"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/clog"
	"github.com/carbonio/carbon/pkg/intervals"
)

// Linker is the read side of a CacheLink client: ask a remote MetricCache
// for whatever it's still holding for metric (pkg/cachelink.Client
// satisfies this without pkg/store importing it directly).
type Linker interface {
	Query(metric string) ([]cache.Datapoint, error)
}

// CacheLinkReader wraps a persisted-data Reader and merges in a peer's
// still-unflushed cache contents at fetch time (spec.md §8 scenario 6):
// Reader.fetch → StorageEngine.read merged with CacheLink.query on the
// serving node.
type CacheLinkReader struct {
	base   Reader
	linker Linker
	metric string
}

func NewCacheLinkReader(base Reader, linker Linker, metric string) *CacheLinkReader {
	return &CacheLinkReader{base: base, linker: linker, metric: metric}
}

func (r *CacheLinkReader) Intervals() intervals.Set { return r.base.Intervals() }

func (r *CacheLinkReader) Fetch(start, end float64) (float64, []float64, error) {
	step, values, err := r.base.Fetch(start, end)
	if err != nil {
		return step, values, err
	}

	points, qerr := r.linker.Query(r.metric)
	if qerr != nil {
		// CacheQueryFailed (spec.md §7): treated as empty cache, reader
		// returns only persisted data.
		clog.Warnf("store: cachelink query for %q failed, serving persisted data only: %v", r.metric, qerr)
		return step, values, nil
	}

	return step, mergeCacheLink(step, start, values, points), nil
}

// mergeCacheLink overlays cached points onto a persisted value grid: a
// cached point whose bucket index falls within the existing grid overwrites
// that bucket. A point past the end of the grid is dropped, matching
// CeresReader.fetch in the original implementation, which only ever
// assigns values[i] = value and silently ignores an out-of-range index
// rather than extending the array.
func mergeCacheLink(step, start float64, values []float64, points []cache.Datapoint) []float64 {
	if step <= 0 || len(points) == 0 {
		return values
	}

	sorted := append([]cache.Datapoint(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	merged := append([]float64(nil), values...)
	for _, p := range sorted {
		idx := int((p.Timestamp - start) / step)
		if idx < 0 || idx >= len(merged) {
			continue
		}
		merged[idx] = p.Value
	}
	return merged
}
