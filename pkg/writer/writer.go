// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package writer implements the single dedicated writer worker: drain the
// cache, resolve or create a storage node per metric, write through it,
// rate-limit, and periodically reload the schema table. Grounded on
// graphite's writer.py main loop, with the periodic-reload idiom taken from
// the teacher's internal/taskManager (gocron job registration).
package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/clog"
	"github.com/carbonio/carbon/pkg/retention"
	"github.com/carbonio/carbon/pkg/storagenode"
)

// SchemaLoader produces a fresh set of schemas on each call, used for the
// 60-second periodic reload (spec.md §4.5). A failed reload must not
// replace the live table; Writer logs and keeps serving the old one.
type SchemaLoader func() ([]retention.Schema, error)

// Config controls the writer's rate limit and reload cadence.
type Config struct {
	MaxUpdatesPerSecond int
	ReloadInterval      time.Duration // default 60s if zero
	LogUpdates          bool          // log each write's point count and wall-clock cost
}

// Writer drains a Cache and persists its contents through a StorageEngine.
type Writer struct {
	cacheSrc   *cache.Cache
	engine     storagenode.Engine
	table      *retention.Table
	loader     SchemaLoader
	limiter    *rate.Limiter
	reload     time.Duration
	logUpdates bool

	mu      sync.Mutex
	handles map[string]storagenode.Node

	committed prometheus.Counter
	errors    prometheus.Counter
	creates   prometheus.Counter
	updateDur prometheus.Histogram

	scheduler gocron.Scheduler
}

// New builds a Writer. table is the live schema table (already loaded);
// loader, when non-nil, is invoked every cfg.ReloadInterval to refresh it.
func New(c *cache.Cache, engine storagenode.Engine, table *retention.Table, loader SchemaLoader, cfg Config) *Writer {
	reload := cfg.ReloadInterval
	if reload <= 0 {
		reload = 60 * time.Second
	}

	limit := cfg.MaxUpdatesPerSecond
	if limit <= 0 {
		limit = 1000
	}

	return &Writer{
		cacheSrc:   c,
		engine:     engine,
		table:      table,
		loader:     loader,
		limiter:    rate.NewLimiter(rate.Limit(limit), limit),
		reload:     reload,
		logUpdates: cfg.LogUpdates,
		handles:    map[string]storagenode.Node{},

		committed: prometheus.NewCounter(prometheus.CounterOpts{Name: "writer_committed_points_total", Help: "Datapoints successfully written to storage."}),
		errors:    prometheus.NewCounter(prometheus.CounterOpts{Name: "writer_errors_total", Help: "Storage write errors other than NodeDeleted."}),
		creates:   prometheus.NewCounter(prometheus.CounterOpts{Name: "writer_node_creates_total", Help: "New storage nodes created."}),
		updateDur: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "writer_update_duration_seconds", Help: "Wall-clock cost of a single node write."}),
	}
}

// RegisterMetrics exposes the writer's counters/histogram under reg.
func (w *Writer) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{w.committed, w.errors, w.creates, w.updateDur} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce drains the cache exactly once and writes everything found,
// applying the rate limit between writes. It is the unit the Run loop
// repeats forever; tests call it directly to avoid the sleep-on-empty path.
func (w *Writer) RunOnce(ctx context.Context) (committed int, err error) {
	d := w.cacheSrc.Drain()
	for {
		metric, datapoints, ok := d.Next()
		if !ok {
			break
		}

		if err := w.limiter.WaitN(ctx, 1); err != nil {
			// The metric is already popped from the cache: write it before
			// stopping so its datapoints are not lost.
			if werr := w.writeMetric(metric, datapoints); werr == nil {
				committed += len(datapoints)
				w.committed.Add(float64(len(datapoints)))
			}
			return committed, err
		}

		if werr := w.writeMetric(metric, datapoints); werr != nil {
			if !errors.Is(werr, storagenode.ErrNodeDeleted) {
				w.errors.Inc()
				clog.Warnf("writer: write %s failed: %v", metric, werr)
			}
			continue
		}
		committed += len(datapoints)
		w.committed.Add(float64(len(datapoints)))
	}
	return committed, nil
}

// writeMetric resolves (or creates) a node handle for metric and writes
// datapoints through it, measuring the write's wall-clock cost (spec.md
// §4.5 step 2b) and evicting the cached handle on ErrNodeDeleted.
func (w *Writer) writeMetric(metric string, datapoints []cache.Datapoint) error {
	node, err := w.resolveNode(metric)
	if err != nil {
		return err
	}

	t1 := time.Now()
	err = node.Write(datapoints)
	updateTime := time.Since(t1)

	if err != nil {
		if errors.Is(err, storagenode.ErrNodeDeleted) {
			w.mu.Lock()
			delete(w.handles, metric)
			w.mu.Unlock()
		}
		return err
	}

	w.updateDur.Observe(updateTime.Seconds())
	if w.logUpdates {
		clog.Infof("writer: wrote %d datapoints for %s in %.5f seconds", len(datapoints), metric, updateTime.Seconds())
	}
	return nil
}

func (w *Writer) resolveNode(metric string) (storagenode.Node, error) {
	w.mu.Lock()
	if n, ok := w.handles[metric]; ok {
		w.mu.Unlock()
		return n, nil
	}
	w.mu.Unlock()

	n, err := w.engine.GetNode(metric)
	if err == nil {
		w.mu.Lock()
		w.handles[metric] = n
		w.mu.Unlock()
		return n, nil
	}
	if !errors.Is(err, storagenode.ErrNodeMissing) {
		return nil, err
	}

	schema, err := w.table.Match(metric)
	if err != nil {
		return nil, err
	}

	n, err = w.engine.CreateNode(metric, schema.Config)
	if err != nil {
		return nil, err
	}
	w.creates.Inc()

	w.mu.Lock()
	w.handles[metric] = n
	w.mu.Unlock()
	return n, nil
}

// Run loops forever: drain, write, sleep 1s when nothing was found, and
// reload the schema table every w.reload via gocron. It blocks until ctx is
// canceled; a RunOnce in progress then finishes the write of the metric it
// has already popped and stops without draining further metrics (spec.md
// §5), and Run returns the context's error.
func (w *Writer) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	w.scheduler = sched

	if w.loader != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(w.reload),
			gocron.NewTask(w.reloadSchemas),
		); err != nil {
			return err
		}
		sched.Start()
		defer sched.Shutdown()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		committed, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}

		if committed == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(1 * time.Second):
			}
		}
	}
}

// reloadSchemas rebuilds the schema table from w.loader and swaps it in on
// success; a failure logs and leaves the previous table serving.
func (w *Writer) reloadSchemas() {
	schemas, err := w.loader()
	if err != nil {
		clog.Warnf("writer: schema reload failed, keeping previous table: %v", err)
		return
	}

	fresh, err := retention.NewTable(schemas)
	if err != nil {
		clog.Warnf("writer: schema reload produced an invalid table, keeping previous: %v", err)
		return
	}

	w.table.Replace(fresh.Schemas())
	clog.Info("writer: schema table reloaded")
}
