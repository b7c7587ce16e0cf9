// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// carbon-cache is the ingest daemon: it accepts datapoints over the
// textual, batch, and NATS listeners, buffers them in a MetricCache, and
// runs the writer loop that drains the cache through a StorageEngine. It
// also answers CacheLink queries for whatever the writer hasn't persisted
// yet. Wiring follows cmd/cc-backend/main.go's shape: flags, optional gops
// agent, .env loading, fatal-on-config-error Init, signal-driven graceful
// shutdown via a WaitGroup.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/gops/agent"
	natslib "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carbonio/carbon/internal/runtimeEnv"
	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/carbonconf"
	"github.com/carbonio/carbon/pkg/clog"
	"github.com/carbonio/carbon/pkg/listener"
	"github.com/carbonio/carbon/pkg/retention"
	"github.com/carbonio/carbon/pkg/storagenode"
	"github.com/carbonio/carbon/pkg/writer"
)

func main() {
	var flagConfigFile string
	var flagGops bool
	var flagNoServer bool
	var flagNatsURL, flagNatsSubject string
	flag.StringVar(&flagConfigFile, "config", "./carbon-cache.json", "Location of the config file for this daemon")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagNoServer, "no-server", false, "Initialize and validate configuration, then exit")
	flag.StringVar(&flagNatsURL, "nats-url", "", "If set, also ingest batches published to -nats-subject on this NATS server")
	flag.StringVar(&flagNatsSubject, "nats-subject", "carbon.ingest", "NATS subject to subscribe to when -nats-url is set")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			clog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		clog.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	carbonconf.Init(flagConfigFile)
	cfg := carbonconf.Keys

	if flagNoServer {
		return
	}

	engine, err := newEngine(cfg)
	if err != nil {
		clog.Fatalf("carbon-cache: opening storage: %s", err.Error())
	}

	metricCache := cache.New(cfg.MaxCacheSize)
	reg := prometheus.NewRegistry()
	if err := metricCache.RegisterMetrics(reg, "carbon_cache"); err != nil {
		clog.Fatalf("carbon-cache: registering cache metrics: %s", err.Error())
	}

	table, err := retention.NewTable(defaultSchemas())
	if err != nil {
		clog.Fatalf("carbon-cache: building schema table: %s", err.Error())
	}

	w := writer.New(metricCache, engine, table, func() ([]retention.Schema, error) {
		return defaultSchemas(), nil
	}, writer.Config{MaxUpdatesPerSecond: cfg.MaxUpdatesPerSecond, LogUpdates: cfg.LogUpdates})
	if err := w.RegisterMetrics(reg); err != nil {
		clog.Fatalf("carbon-cache: registering writer metrics: %s", err.Error())
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			clog.Errorf("carbon-cache: writer loop stopped: %s", err.Error())
		}
	}()

	startListener(ctx, &wg, "textual", cfg.LineReceiverPort, func(ln net.Listener) error {
		return listener.NewTextualListener(metricCache).Serve(ctx, ln)
	})
	startListener(ctx, &wg, "batch", cfg.PickleReceiverPort, func(ln net.Listener) error {
		return listener.NewBatchListener(metricCache).Serve(ctx, ln)
	})
	startListener(ctx, &wg, "cache-query", cfg.CacheQueryPort, func(ln net.Listener) error {
		return listener.NewCacheQueryListener(metricCache).Serve(ctx, ln)
	})

	if flagNatsURL != "" {
		nc, err := natslib.Connect(flagNatsURL)
		if err != nil {
			clog.Fatalf("carbon-cache: connecting to NATS at %q: %s", flagNatsURL, err.Error())
		}
		defer nc.Close()
		if _, err := listener.NewNatsListener(nc, metricCache).Subscribe(flagNatsSubject); err != nil {
			clog.Fatalf("carbon-cache: subscribing to NATS subject %q: %s", flagNatsSubject, err.Error())
		}
		clog.Infof("carbon-cache: NATS ingest listening on subject %q", flagNatsSubject)
	}

	metricsServer := &http.Server{Addr: ":9109", Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			clog.Errorf("carbon-cache: metrics server stopped: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	runtimeEnv.SystemdNotifiy(false, "shutting down")
	cancel()
	metricsServer.Shutdown(context.Background())

	wg.Wait()
	clog.Print("carbon-cache: graceful shutdown complete")
}

func startListener(ctx context.Context, wg *sync.WaitGroup, name string, port int, serve func(net.Listener) error) {
	if port <= 0 {
		clog.Infof("carbon-cache: %s listener disabled (port <= 0)", name)
		return
	}

	ln, err := net.Listen("tcp", netAddr(port))
	if err != nil {
		clog.Fatalf("carbon-cache: %s listener: %s", name, err.Error())
	}

	clog.Infof("carbon-cache: %s listener on %s", name, ln.Addr())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serve(ln); err != nil {
			select {
			case <-ctx.Done():
			default:
				clog.Errorf("carbon-cache: %s listener stopped: %s", name, err.Error())
			}
		}
	}()
}

func netAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// newEngine selects the StorageEngine named by cfg.StorageEngine ("file" by
// default, "s3" for the object-storage-backed reference engine).
func newEngine(cfg carbonconf.Config) (storagenode.Engine, error) {
	switch cfg.StorageEngine {
	case "", "file":
		return storagenode.NewFileEngine(cfg.LocalDataDir)
	case "s3":
		return storagenode.NewS3Engine(storagenode.S3EngineConfig{
			Endpoint:     cfg.S3Endpoint,
			Bucket:       cfg.S3Bucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Region:       cfg.S3Region,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unrecognized storage_engine %q", cfg.StorageEngine)
	}
}

// defaultSchemas builds the storage schema table in code rather than from a
// config file: schema-file parsing is explicitly out of scope (spec.md
// Non-goals), so the writer's reload hook just rebuilds this fixed table.
func defaultSchemas() []retention.Schema {
	high, err := retention.NewRegexPredicate(`^carbon\.`)
	if err != nil {
		clog.Fatalf("carbon-cache: compiling built-in schema predicate: %s", err.Error())
	}

	carbonArchive, err := retention.ParseRetentionDefinition("10s:6h")
	if err != nil {
		clog.Fatalf("carbon-cache: parsing built-in retention: %s", err.Error())
	}

	carbonSchema, err := retention.NewSchema("carbon-internal", high, []retention.Archive{carbonArchive})
	if err != nil {
		clog.Fatalf("carbon-cache: building built-in schema: %s", err.Error())
	}

	return []retention.Schema{carbonSchema}
}
