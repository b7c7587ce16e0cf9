// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package remote implements the remote peer client used by the find
// planner (pkg/store) to fan find/fetch requests out to other carbon-store
// instances in a cluster. Grounded on graphite webapp's remote_storage.py;
// the TTL find-cache and bulk-fetch request cache reuse the teacher's
// pkg/lrucache ComputeValue idiom instead of hand-rolling expiry.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/carbonio/carbon/pkg/clog"
	"github.com/carbonio/carbon/pkg/intervals"
	"github.com/carbonio/carbon/pkg/lrucache"
)

// NodeDescriptor is one entry of a remote find response (spec.md §6).
type NodeDescriptor struct {
	Path      string               `json:"path"`
	IsLeaf    bool                 `json:"is_leaf"`
	Intervals []intervals.Interval `json:"intervals"`
}

// SeriesDescriptor is one entry of a remote fetch response.
type SeriesDescriptor struct {
	Name   string    `json:"name"`
	Start  float64   `json:"start"`
	End    float64   `json:"end"`
	Step   float64   `json:"step"`
	Values []float64 `json:"values"`
}

// Config controls timeouts, cache durations, and retry backoff, mapping
// directly to the configuration keys in spec.md §6.
type Config struct {
	FindTimeout          time.Duration
	FetchTimeout         time.Duration
	RetryDelay           time.Duration
	FindCacheDuration    time.Duration
	ReaderCacheSizeLimit int
}

// Peer is one remote carbon-store instance. It tracks its own
// availability/backoff state and owns a find-result cache plus a bulk-fetch
// request cache shared across sibling leaves from the same find burst.
type Peer struct {
	host   string
	config Config
	client *http.Client

	mu          sync.Mutex
	lastFailure time.Time

	findCache  *lrucache.Cache
	fetchCache *lrucache.Cache
}

// NewPeer builds a client for one remote host ("host:port" or a full base
// URL without scheme is also accepted; http:// is prefixed if missing).
func NewPeer(host string, cfg Config) *Peer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.FindCacheDuration <= 0 {
		cfg.FindCacheDuration = 300 * time.Second
	}
	if cfg.ReaderCacheSizeLimit <= 0 {
		cfg.ReaderCacheSizeLimit = 1000
	}

	return &Peer{
		host:       host,
		config:     cfg,
		client:     &http.Client{},
		findCache:  lrucache.New(cfg.ReaderCacheSizeLimit),
		fetchCache: lrucache.New(cfg.ReaderCacheSizeLimit),
	}
}

// Available reports whether this peer is currently eligible for requests
// (spec.md §4.8: now - lastFailure > REMOTE_RETRY_DELAY).
func (p *Peer) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastFailure.IsZero() {
		return true
	}
	return time.Since(p.lastFailure) > p.config.RetryDelay
}

func (p *Peer) fail() {
	p.mu.Lock()
	p.lastFailure = time.Now()
	p.mu.Unlock()
}

// Find issues (or reuses a cached) GET against the peer's find endpoint.
// Find-request errors downgrade silently to an empty result, per spec.md
// §4.8; any find error (I/O, non-200, or an undecodable body) also marks the
// peer unavailable.
func (p *Peer) Find(ctx context.Context, pattern string, start, end float64) []NodeDescriptor {
	bucket := int64(0)
	if p.config.FindCacheDuration > 0 {
		bucket = int64(time.Now().Unix()) / int64(p.config.FindCacheDuration.Seconds())
	}
	key := fmt.Sprintf("%s|%s|%d", p.host, pattern, bucket)

	result := p.findCache.Get(key, func() (interface{}, time.Duration, int) {
		nodes, err := p.doFind(ctx, pattern, start, end)
		if err != nil {
			clog.Warnf("remote: find on %s failed: %v", p.host, err)
			p.fail()
			return []NodeDescriptor{}, p.config.FindCacheDuration, 1
		}
		return nodes, p.config.FindCacheDuration, 1
	})

	nodes, _ := result.([]NodeDescriptor)
	return nodes
}

func (p *Peer) doFind(ctx context.Context, pattern string, start, end float64) ([]NodeDescriptor, error) {
	q := url.Values{}
	q.Set("local", "1")
	q.Set("format", "pickle")
	q.Set("query", pattern)
	if start > intervals.NegInf {
		q.Set("from", strconv.FormatFloat(start, 'f', 0, 64))
	}
	if end < intervals.Inf {
		q.Set("until", strconv.FormatFloat(end, 'f', 0, 64))
	}

	body, err := p.get(ctx, "/metrics/find/", q, p.config.FindTimeout)
	if err != nil {
		return nil, err
	}

	var nodes []NodeDescriptor
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, fmt.Errorf("decode find response: %w", err)
	}
	return nodes, nil
}

// Fetch performs (or reuses) the bulk render call for pattern and returns
// the series matching name. All leaves discovered by the same find burst
// share one underlying HTTP call, keyed by the rendered URL (spec.md §4.8).
func (p *Peer) Fetch(ctx context.Context, pattern, name string, start, end float64) (*SeriesDescriptor, error) {
	key := fmt.Sprintf("%s|%s|%d|%d", p.host, pattern, int64(start), int64(end))

	result := p.fetchCache.Get(key, func() (interface{}, time.Duration, int) {
		series, err := p.doFetch(ctx, pattern, start, end)
		if err != nil {
			clog.Warnf("remote: fetch on %s failed: %v", p.host, err)
			p.fail()
			return map[string]*SeriesDescriptor{}, time.Minute, 1
		}
		byName := make(map[string]*SeriesDescriptor, len(series))
		for i := range series {
			byName[series[i].Name] = &series[i]
		}
		return byName, time.Minute, 1
	})

	byName, _ := result.(map[string]*SeriesDescriptor)
	series, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("remote: no series named %q in bulk fetch response", name)
	}
	return series, nil
}

func (p *Peer) doFetch(ctx context.Context, pattern string, start, end float64) ([]SeriesDescriptor, error) {
	q := url.Values{}
	q.Set("target", pattern)
	q.Set("format", "pickle")
	q.Set("local", "1")
	q.Set("noCache", "1")
	q.Set("from", strconv.FormatFloat(start, 'f', 0, 64))
	q.Set("until", strconv.FormatFloat(end, 'f', 0, 64))

	body, err := p.get(ctx, "/render/", q, p.config.FetchTimeout)
	if err != nil {
		return nil, err
	}

	var series []SeriesDescriptor
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return series, nil
}

func (p *Peer) get(ctx context.Context, path string, q url.Values, timeout time.Duration) ([]byte, error) {
	base := p.host
	if _, err := url.Parse(base); err != nil || !hasScheme(base) {
		base = "http://" + base
	}

	u, err := url.Parse(base + path)
	if err != nil {
		return nil, fmt.Errorf("invalid peer URL: %w", err)
	}
	u.RawQuery = q.Encode()

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.fail()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u.String())
	}

	return io.ReadAll(resp.Body)
}

func hasScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i > 0
		}
		if s[i] == '/' {
			return false
		}
	}
	return false
}

// Pool manages a fixed set of peers discovered from CLUSTER_SERVERS.
type Pool struct {
	peers []*Peer
}

func NewPool(hosts []string, cfg Config) *Pool {
	peers := make([]*Peer, len(hosts))
	for i, h := range hosts {
		peers[i] = NewPeer(h, cfg)
	}
	return &Pool{peers: peers}
}

// Available returns the subset of peers currently eligible for requests,
// skipping any in back-off (spec.md §4.7 step 2).
func (pl *Pool) Available() []*Peer {
	out := make([]*Peer, 0, len(pl.peers))
	for _, p := range pl.peers {
		if p.Available() {
			out = append(out, p)
		}
	}
	return out
}

func (pl *Pool) Peers() []*Peer {
	out := make([]*Peer, len(pl.peers))
	copy(out, pl.peers)
	return out
}
