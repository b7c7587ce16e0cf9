// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package listener

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/clog"
)

// batchEntry mirrors the wire tuple (metric, (timestamp, value)) from
// spec.md §6. JSON is used as the concrete encoding, kept internal to this
// package: the spec only fixes the length-prefixed framing and tuple
// shape, not a byte format, and every other wire surface in this repo
// (CacheLink, remote find/fetch) is likewise a private encoding behind a
// documented frame boundary.
type batchEntry struct {
	Metric    string  `json:"metric"`
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// BatchListener accepts length-prefixed frames, each containing a JSON
// array of batchEntry, feeding parsed datapoints into sink.
type BatchListener struct {
	sink Sink
}

func NewBatchListener(sink Sink) *BatchListener {
	return &BatchListener{sink: sink}
}

const maxBatchFrameLength = 1 << 24

func (l *BatchListener) Serve(ctx context.Context, ln net.Listener) error {
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

func (l *BatchListener) handle(conn net.Conn) {
	defer conn.Close()
	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxBatchFrameLength {
			clog.Warnf("listener: batch frame of %d bytes exceeds limit, dropping connection", length)
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		var entries []batchEntry
		if err := json.Unmarshal(payload, &entries); err != nil {
			clog.Warnf("listener: malformed batch frame: %v", err)
			continue
		}

		for _, e := range entries {
			if math.IsNaN(e.Value) {
				continue
			}
			l.sink.Store(e.Metric, cache.Datapoint{Timestamp: e.Timestamp, Value: e.Value})
		}
	}
}
