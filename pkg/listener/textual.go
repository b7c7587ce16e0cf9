// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package listener implements the ingest and cache-query listeners of
// spec.md §4.9/§6: a textual whitespace-delimited line protocol, a
// length-prefixed framed batch protocol, a NATS-subject alternative to
// both, and the CacheLink query responder. Grounded on graphite's
// listeners.py (implied by writer.py's imports) and the teacher's
// memorystore ingest handlers (api.go, lineprotocol.go) for the accept-loop
// shape; each accepted connection is served by its own goroutine.
package listener

import (
	"bufio"
	"context"
	"io"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/clog"
)

// Sink receives parsed, NaN-filtered datapoints for persistence into the
// MetricCache.
type Sink interface {
	Store(metric string, dp cache.Datapoint)
}

// TextualListener accepts TCP connections speaking the "<metric> <value>
// <timestamp>\n" line protocol (spec.md §6). Malformed lines are logged and
// dropped; the connection is never closed because of them.
type TextualListener struct {
	sink Sink
}

func NewTextualListener(sink Sink) *TextualListener {
	return &TextualListener{sink: sink}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
func (l *TextualListener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(conn)
	}
}

func (l *TextualListener) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		metric, dp, ok := parseTextualLine(line)
		if !ok {
			clog.Warnf("listener: dropping malformed line %q", line)
			continue
		}
		if math.IsNaN(dp.Value) {
			continue
		}
		l.sink.Store(metric, dp)
	}
}

func parseTextualLine(line string) (metric string, dp cache.Datapoint, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", cache.Datapoint{}, false
	}

	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", cache.Datapoint{}, false
	}
	timestamp, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return "", cache.Datapoint{}, false
	}

	return fields[0], cache.Datapoint{Timestamp: timestamp, Value: value}, true
}

// handleReader runs the same line-by-line parse loop as handle, but over an
// arbitrary io.Reader so tests can exercise it without a live socket.
func (l *TextualListener) handleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		metric, dp, ok := parseTextualLine(scanner.Text())
		if !ok || math.IsNaN(dp.Value) {
			continue
		}
		l.sink.Store(metric, dp)
	}
}
