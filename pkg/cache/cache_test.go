// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package cache

import (
	"sync"
	"testing"
)

func TestNormalizeMetricCollapsesEmptySegments(t *testing.T) {
	got := NormalizeMetric("a..b.c")
	if got != "a.b.c" {
		t.Errorf("got %q, want %q", got, "a.b.c")
	}
}

func TestStoreThenPopRoundtrips(t *testing.T) {
	c := New(100)
	c.Store("a.b.c", Datapoint{Timestamp: 1, Value: 1})
	c.Store("a.b.c", Datapoint{Timestamp: 2, Value: 2})

	q, err := c.Pop("a.b.c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q) != 2 || q[0].Value != 1 || q[1].Value != 2 {
		t.Errorf("got %+v, want [{1 1} {2 2}]", q)
	}
	if c.Size() != 0 {
		t.Errorf("size after pop = %d, want 0", c.Size())
	}
}

func TestPopMissingMetricReturnsSentinel(t *testing.T) {
	c := New(10)
	if _, err := c.Pop("nope"); err != ErrMetricMissing {
		t.Errorf("err = %v, want ErrMetricMissing", err)
	}
}

func TestCacheNeverExceedsBound(t *testing.T) {
	c := New(5)
	for i := 0; i < 20; i++ {
		c.Store("m", Datapoint{Timestamp: float64(i), Value: float64(i)})
	}
	if c.Size() != 5 {
		t.Errorf("size = %d, want 5", c.Size())
	}
	if c.Overflows() != 15 {
		t.Errorf("overflows = %d, want 15", c.Overflows())
	}
}

// TestDrainOrderExampleFromSpec matches spec.md §8's scenario: a cache
// holding x:[p1,p2,p3], y:[p4], z:[p5,p6] drains x, z, y in that order
// (longest queue first).
func TestDrainOrderExampleFromSpec(t *testing.T) {
	c := New(100)
	c.Store("x", Datapoint{Timestamp: 1})
	c.Store("x", Datapoint{Timestamp: 2})
	c.Store("x", Datapoint{Timestamp: 3})
	c.Store("y", Datapoint{Timestamp: 4})
	c.Store("z", Datapoint{Timestamp: 5})
	c.Store("z", Datapoint{Timestamp: 6})

	d := c.Drain()

	metric, q, ok := d.Next()
	if !ok || metric != "x" || len(q) != 3 {
		t.Fatalf("1st = (%q, %d, %v), want (x, 3, true)", metric, len(q), ok)
	}

	metric, q, ok = d.Next()
	if !ok || metric != "z" || len(q) != 2 {
		t.Fatalf("2nd = (%q, %d, %v), want (z, 2, true)", metric, len(q), ok)
	}

	metric, q, ok = d.Next()
	if !ok || metric != "y" || len(q) != 1 {
		t.Fatalf("3rd = (%q, %d, %v), want (y, 1, true)", metric, len(q), ok)
	}

	if _, _, ok = d.Next(); ok {
		t.Error("expected drain to be exhausted")
	}

	if c.Size() != 0 {
		t.Errorf("size after full drain = %d, want 0", c.Size())
	}
}

func TestDrainSkipsMetricPoppedConcurrently(t *testing.T) {
	c := New(100)
	c.Store("a", Datapoint{Timestamp: 1})
	c.Store("b", Datapoint{Timestamp: 2})

	d := c.Drain()

	// Simulate another consumer winning the race for "a" before the
	// iterator reaches it.
	if _, err := c.Pop("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := map[string]bool{}
	for {
		metric, _, ok := d.Next()
		if !ok {
			break
		}
		seen[metric] = true
	}

	if seen["a"] {
		t.Error("drain should have skipped the already-popped metric")
	}
	if !seen["b"] {
		t.Error("drain should still have yielded the untouched metric")
	}
}

// TestConcurrentStoreConservesTotal exercises the linearizability
// requirement: concurrent stores never lose or duplicate datapoints, and
// the final size matches the number of datapoints actually stored (since
// the bound is large enough here that none overflow).
func TestConcurrentStoreConservesTotal(t *testing.T) {
	c := New(10000)
	const goroutines = 20
	const perGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				c.Store("concurrent.metric", Datapoint{Timestamp: float64(g*perGoroutine + i), Value: 1})
			}
		}(g)
	}
	wg.Wait()

	q, err := c.Pop("concurrent.metric")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q) != goroutines*perGoroutine {
		t.Errorf("got %d datapoints, want %d", len(q), goroutines*perGoroutine)
	}
}

// TestConcurrentDrainNeverDoubleDelivers runs several drains concurrently
// over a pre-filled cache and checks every popped datapoint is observed
// exactly once.
func TestConcurrentDrainNeverDoubleDelivers(t *testing.T) {
	c := New(100000)
	const metrics = 10
	const pointsPerMetric = 50

	for m := 0; m < metrics; m++ {
		for i := 0; i < pointsPerMetric; i++ {
			c.Store(metricName(m), Datapoint{Timestamp: float64(i), Value: float64(i)})
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.Drain()
			for {
				metric, q, ok := d.Next()
				if !ok {
					return
				}
				mu.Lock()
				seen[metric] += len(q)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range seen {
		total += n
	}
	if total != metrics*pointsPerMetric {
		t.Errorf("total delivered = %d, want %d", total, metrics*pointsPerMetric)
	}
	if c.Size() != 0 {
		t.Errorf("size after concurrent drains = %d, want 0", c.Size())
	}
}

func metricName(i int) string {
	return "metric." + string(rune('a'+i))
}
