package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatd_active_connections",
			Help: "Currently open websocket sessions",
		},
	)

	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_frames_received_total",
			Help: "Inbound frames by type",
		},
		[]string{"type"},
	)

	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_frames_dropped_total",
			Help: "Inbound frames dropped without dispatch",
		},
		[]string{"reason"},
	)

	messagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatd_messages_persisted_total",
			Help: "Messages written to the room store",
		},
	)

	fabricPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_fabric_publishes_total",
			Help: "Frames published to the fabric",
		},
		[]string{"scope"}, // "base" or "room"
	)
)
