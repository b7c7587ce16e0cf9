// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cachelink implements the CacheLink client: a length-prefixed
// TCP request/response protocol that asks a peer's MetricCache for the
// datapoints it currently holds for a metric, used to merge in-flight data
// with persisted series at read time. Grounded on graphite webapp's
// carbonlink.py; idle pooled connections are checked with a non-blocking
// readability probe (as carbonlink's "still_connected" does) and tagged with
// a pool generation so that an invalidation drops them, and the
// singleton/mutex-protected-pool shape is borrowed from the teacher's
// pkg/nats client.
package cachelink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/clog"
	"github.com/carbonio/carbon/pkg/ring"
)

// MaxLength bounds a single frame's payload size; a larger declared length
// is a protocol error (spec.md §4.6).
const MaxLength = 1 << 20

// Config controls per-operation socket behavior.
type Config struct {
	Timeout time.Duration
}

// Client queries CacheLink peers, pooling connections per destination token
// and routing requests through a consistent hash ring.
type Client struct {
	ring   *ring.Ring
	dial   func(network, address string) (net.Conn, error)
	config Config

	mu    sync.Mutex
	pools map[ring.Token]*pool
}

// New builds a Client that routes through r and dials addresses verbatim
// (token.Host:token.Instance, caller-provided format).
func New(r *ring.Ring, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		ring:   r,
		dial:   net.Dial,
		config: cfg,
		pools:  map[ring.Token]*pool{},
	}
}

// Query selects the destination via the ring (node_for semantics) and asks
// it for metric's currently cached datapoints. A CacheLink failure is never
// fatal to the caller: per spec.md §7 it is treated as "no cached points".
func (c *Client) Query(metric string) ([]cache.Datapoint, error) {
	if c.ring.Len() == 0 {
		return nil, fmt.Errorf("cachelink: empty ring")
	}
	token := c.ring.NodeFor(metric)

	p := c.poolFor(token)
	conn, gen, err := p.acquire(c.dial, token)
	if err != nil {
		clog.Warnf("cachelink: acquire connection to %s failed: %v", token, err)
		return nil, fmt.Errorf("cachelink: acquire connection to %s: %w", token, err)
	}

	points, err := roundtrip(conn, c.config.Timeout, metric)
	if err != nil {
		conn.Close()
		p.invalidate()
		clog.Warnf("cachelink: query %s at %s failed: %v", metric, token, err)
		return nil, fmt.Errorf("cachelink: query %s at %s: %w", metric, token, err)
	}

	p.release(conn, gen)
	return points, nil
}

func (c *Client) poolFor(token ring.Token) *pool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[token]
	if !ok {
		p = &pool{}
		c.pools[token] = p
	}
	return p
}

// roundtrip sends the request frame (metric path) and reads the response
// frame (serialized datapoints), matching the wire format in spec.md §6.
func roundtrip(conn net.Conn, timeout time.Duration, metric string) ([]cache.Datapoint, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := writeFrame(conn, []byte(metric)); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	payload, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return decodeDatapoints(payload)
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxLength {
		return fmt.Errorf("payload of %d bytes exceeds MAX_LENGTH", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxLength {
		return nil, fmt.Errorf("frame length %d exceeds MAX_LENGTH", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// encodeDatapoints/decodeDatapoints use a simple fixed-width binary form:
// a uint32 count followed by that many (float64, float64) pairs.
func encodeDatapoints(points []cache.Datapoint) []byte {
	buf := make([]byte, 4+len(points)*16)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(points)))
	off := 4
	for _, p := range points {
		binary.BigEndian.PutUint64(buf[off:], math.Float64bits(p.Timestamp))
		binary.BigEndian.PutUint64(buf[off+8:], math.Float64bits(p.Value))
		off += 16
	}
	return buf
}

func decodeDatapoints(payload []byte) ([]cache.Datapoint, error) {
	if len(payload) < 4 {
		if len(payload) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("truncated datapoint frame")
	}
	count := binary.BigEndian.Uint32(payload[:4])
	want := 4 + int(count)*16
	if len(payload) < want {
		return nil, fmt.Errorf("truncated datapoint frame: want %d bytes, got %d", want, len(payload))
	}

	points := make([]cache.Datapoint, count)
	off := 4
	for i := range points {
		points[i] = cache.Datapoint{
			Timestamp: math.Float64frombits(binary.BigEndian.Uint64(payload[off:])),
			Value:     math.Float64frombits(binary.BigEndian.Uint64(payload[off+8:])),
		}
		off += 16
	}
	return points, nil
}

// pool is one destination token's connection pool: any available
// validated connection wins (LRU-ish via simple stack discipline), with a
// generation value that is set on first use and replaced on every
// invalidation, so a connection returned after a pool-wide invalidation is
// dropped rather than reused. Idle connections are still checked with the
// readability probe before reuse.
type pool struct {
	mu         sync.Mutex
	generation uuid.UUID
	idle       []*pooledConn
}

type pooledConn struct {
	conn       net.Conn
	generation uuid.UUID
}

func (p *pool) acquire(dial func(network, address string) (net.Conn, error), token ring.Token) (net.Conn, uuid.UUID, error) {
	p.mu.Lock()
	if p.generation == uuid.Nil {
		p.generation = uuid.New()
	}
	gen := p.generation

	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		candidate := p.idle[last]
		p.idle = p.idle[:last]
		p.mu.Unlock()

		if candidate.generation != gen {
			candidate.conn.Close()
			p.mu.Lock()
			continue
		}

		if probeHealthy(candidate.conn) {
			return candidate.conn, gen, nil
		}
		candidate.conn.Close()
		p.mu.Lock()
	}
	p.mu.Unlock()

	addr := net.JoinHostPort(token.Host, token.Instance)
	conn, err := dial("tcp", addr)
	if err != nil {
		return nil, gen, err
	}
	return conn, gen, nil
}

func (p *pool) release(conn net.Conn, generation uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if generation != p.generation {
		conn.Close()
		return
	}
	p.idle = append(p.idle, &pooledConn{conn: conn, generation: generation})
}

// Invalidate replaces the pool's generation and closes every currently-idle
// connection at once; a connection checked out under the old generation is
// closed when it is released.
func (p *pool) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation = uuid.New()
	for _, c := range p.idle {
		c.conn.Close()
	}
	p.idle = nil
}

// probeHealthy performs a non-blocking zero-byte peek: readable+empty means
// the peer closed the connection; would-block means the socket is healthy.
func probeHealthy(conn net.Conn) bool {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return true // non-TCP test doubles are assumed healthy
	}

	if err := tc.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer tc.SetReadDeadline(time.Time{})

	br := bufio.NewReader(tc)
	_, err := br.Peek(1)
	if err == nil {
		return true // data already waiting; a pipelined response, still healthy
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true // would-block: nothing to read, connection alive
	}
	return false // EOF or hard error: peer closed
}
