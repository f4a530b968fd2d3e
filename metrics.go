// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kadcast_messages_received_total",
		Help: "Wire messages accepted by the handler, by type.",
	}, []string{"type"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kadcast_messages_dropped_total",
		Help: "Wire messages dropped before handling, by reason.",
	}, []string{"reason"})

	broadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kadcast_broadcasts_delivered_total",
		Help: "Broadcast frames handed to the listener.",
	})

	dedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kadcast_dedup_hits_total",
		Help: "Chunks suppressed because their group was already processed or poisoned.",
	})

	chunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kadcast_chunks_sent_total",
		Help: "Encoded chunks written to the wire.",
	})

	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kadcast_send_errors_total",
		Help: "Datagram writes that failed after all retries.",
	})
)

func msgTypeLabel(t byte) string {
	switch t {
	case 0:
		return "ping"
	case 1:
		return "pong"
	case 2:
		return "find_nodes"
	case 3:
		return "nodes"
	case 10:
		return "broadcast"
	default:
		return "unknown"
	}
}
