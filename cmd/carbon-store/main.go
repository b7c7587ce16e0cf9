// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// carbon-store is the federation daemon: it answers find/render requests by
// walking its local data directory, fanning out to peer carbon-store
// instances for data it doesn't hold, and merging in whatever a
// CARBONLINK_HOSTS ring of carbon-cache daemons is still holding in memory.
// Wiring mirrors cmd/carbon-cache/main.go's shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/carbonio/carbon/internal/runtimeEnv"
	"github.com/carbonio/carbon/pkg/cachelink"
	"github.com/carbonio/carbon/pkg/carbonconf"
	"github.com/carbonio/carbon/pkg/clog"
	"github.com/carbonio/carbon/pkg/listener"
	"github.com/carbonio/carbon/pkg/remote"
	"github.com/carbonio/carbon/pkg/ring"
	"github.com/carbonio/carbon/pkg/storagenode"
	"github.com/carbonio/carbon/pkg/store"
)

func main() {
	var flagConfigFile string
	var flagGops bool
	var flagAddr string
	var flagNoServer bool
	flag.StringVar(&flagConfigFile, "config", "./carbon-store.json", "Location of the config file for this daemon")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagAddr, "addr", ":7001", "Address the find/render HTTP surface listens on")
	flag.BoolVar(&flagNoServer, "no-server", false, "Initialize and validate configuration, then exit")
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
		clog.Fatalf("carbon-store: opening storage: %s", err.Error())
	}

	tree := store.NewLocalTree(cfg.LocalDataDir, engine)

	if len(cfg.CarbonlinkHosts) > 0 {
		tokens := make([]ring.Token, len(cfg.CarbonlinkHosts))
		for i, host := range cfg.CarbonlinkHosts {
			tokens[i] = ring.Token{Host: host}
		}
		r := ring.New(tokens, ring.DefaultReplicaCount)
		linker := cachelink.New(r, cachelink.Config{Timeout: cfg.CarbonlinkTimeout.Duration()})
		tree.SetLinker(linker)
		clog.Infof("carbon-store: CacheLink merge enabled against %d host(s)", len(cfg.CarbonlinkHosts))
	}

	pool := remote.NewPool(cfg.ClusterServers, remote.Config{
		FindTimeout:          cfg.RemoteFindTimeout.Duration(),
		FetchTimeout:         cfg.RemoteFetchTimeout.Duration(),
		RetryDelay:           cfg.RemoteRetryDelay.Duration(),
		FindCacheDuration:    cfg.FindCacheDuration.Duration(),
		ReaderCacheSizeLimit: cfg.RemoteReaderCacheSizeLimit,
	})

	finder := store.New(tree, pool, cfg.FindTolerance.Duration().Seconds())
	rs := listener.NewRemoteServer(finder)

	srv := &http.Server{
		Addr:         flagAddr,
		Handler:      rs,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		clog.Infof("carbon-store: find/render HTTP surface listening at %s", flagAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			clog.Fatalf("carbon-store: HTTP server stopped: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	runtimeEnv.SystemdNotifiy(false, "shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	clog.Print("carbon-store: graceful shutdown complete")
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
