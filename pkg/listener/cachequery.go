// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package listener

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/clog"
)

// CacheSource is the read side of MetricCache the query listener serves.
type CacheSource interface {
	Get(metric string) []cache.Datapoint
}

// CacheQueryListener answers the CacheLink wire protocol (spec.md §4.6/§6):
// 4-byte BE length + ASCII metric path in, 4-byte BE length + serialized
// datapoints out.
type CacheQueryListener struct {
	cache CacheSource
}

func NewCacheQueryListener(c CacheSource) *CacheQueryListener {
	return &CacheQueryListener{cache: c}
}

const maxQueryMetricLength = 1 << 16

func (l *CacheQueryListener) Serve(ctx context.Context, ln net.Listener) error {
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

func (l *CacheQueryListener) handle(conn net.Conn) {
	defer conn.Close()
	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxQueryMetricLength {
			clog.Warnf("listener: cache-query metric name of %d bytes exceeds limit", length)
			return
		}

		metricBytes := make([]byte, length)
		if _, err := io.ReadFull(conn, metricBytes); err != nil {
			return
		}

		points := l.cache.Get(string(metricBytes))
		payload := encodeQueryDatapoints(points)

		var respHeader [4]byte
		binary.BigEndian.PutUint32(respHeader[:], uint32(len(payload)))
		if _, err := conn.Write(respHeader[:]); err != nil {
			return
		}
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func encodeQueryDatapoints(points []cache.Datapoint) []byte {
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
