// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"errors"
	"reflect"
	"testing"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/intervals"
)

type fakeLinker struct {
	points []cache.Datapoint
	err    error
}

func (f *fakeLinker) Query(metric string) ([]cache.Datapoint, error) {
	return f.points, f.err
}

func TestCacheLinkMergeSpecExample(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	points := []cache.Datapoint{
		{Timestamp: 105, Value: 100},
		{Timestamp: 95, Value: 99},
	}

	merged := mergeCacheLink(10, 0, values, points)

	want := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 99}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("got %v, want %v", merged, want)
	}
}

func TestCacheLinkMergeDropsNonContiguousFuturePoint(t *testing.T) {
	values := []float64{1, 2, 3}
	points := []cache.Datapoint{{Timestamp: 1000, Value: 42}}

	merged := mergeCacheLink(10, 0, values, points)

	if !reflect.DeepEqual(merged, values) {
		t.Errorf("got %v, want the persisted grid unchanged: %v", merged, values)
	}
}

func TestCacheLinkMergeIgnoresPointsBeforeStart(t *testing.T) {
	values := []float64{1, 2, 3}
	points := []cache.Datapoint{{Timestamp: -50, Value: 42}}

	merged := mergeCacheLink(10, 0, values, points)

	if !reflect.DeepEqual(merged, values) {
		t.Errorf("got %v, want the persisted grid unchanged: %v", merged, values)
	}
}

func TestCacheLinkReaderFetchMergesLinkerResult(t *testing.T) {
	grid := map[float64]float64{}
	for i := 0; i < 10; i++ {
		grid[float64(i)*10] = float64(i + 1)
	}
	base := newFakeReader(intervals.Interval{Start: 0, End: 100}, 10, grid)
	linker := &fakeLinker{points: []cache.Datapoint{{Timestamp: 95, Value: 99}, {Timestamp: 105, Value: 100}}}
	r := NewCacheLinkReader(base, linker, "carbon.agents.a1.cpu")

	step, values, err := r.Fetch(0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step != 10 {
		t.Errorf("got step=%v, want 10", step)
	}
	want := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 99}
	if !reflect.DeepEqual(values, want) {
		t.Errorf("got %v, want %v", values, want)
	}
}

func TestCacheLinkReaderFetchTreatsQueryFailureAsEmptyCache(t *testing.T) {
	grid := map[float64]float64{0: 1, 10: 2, 20: 3}
	base := newFakeReader(intervals.Interval{Start: 0, End: 30}, 10, grid)
	linker := &fakeLinker{err: errors.New("connection refused")}
	r := NewCacheLinkReader(base, linker, "carbon.agents.a1.cpu")

	step, values, err := r.Fetch(0, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step != 10 || !reflect.DeepEqual(values, []float64{1, 2, 3}) {
		t.Errorf("got step=%v values=%v, want persisted data unchanged", step, values)
	}
}
