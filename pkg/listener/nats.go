// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package listener

import (
	"encoding/json"
	"math"

	natslib "github.com/nats-io/nats.go"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/clog"
)

// NatsListener subscribes to a subject carrying the same batchEntry JSON
// encoding as BatchListener, but delivered over NATS instead of raw TCP —
// an additional ingest transport alongside the textual/framed listeners
// (SPEC_FULL.md §3), mirroring the teacher's pkg/nats subscribe-and-decode
// idiom in internal/memorystore's NATS receiver.
type NatsListener struct {
	conn *natslib.Conn
	sink Sink
}

func NewNatsListener(conn *natslib.Conn, sink Sink) *NatsListener {
	return &NatsListener{conn: conn, sink: sink}
}

// Subscribe registers the decode-and-store handler on subject.
func (l *NatsListener) Subscribe(subject string) (*natslib.Subscription, error) {
	return l.conn.Subscribe(subject, func(msg *natslib.Msg) {
		var entries []batchEntry
		if err := json.Unmarshal(msg.Data, &entries); err != nil {
			clog.Warnf("listener: malformed NATS ingest message on %q: %v", subject, err)
			return
		}
		for _, e := range entries {
			if math.IsNaN(e.Value) {
				continue
			}
			l.sink.Store(e.Metric, cache.Datapoint{Timestamp: e.Timestamp, Value: e.Value})
		}
	})
}
