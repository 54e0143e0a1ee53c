// Package metrics exposes the node's prometheus counters. Every Record*
// helper registers the collectors on first use.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	pathsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "dag",
			Name:      "paths_merged_total",
			Help:      "Path records inserted into a wall graph.",
		},
		[]string{"source"},
	)
	unknownPredecessors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "dag",
			Name:      "unknown_predecessors_total",
			Help:      "Predecessor ids referenced before the ancestor was known.",
		},
	)
	gossipMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "gossip",
			Name:      "messages_total",
			Help:      "Gossip messages by direction, type and result.",
		},
		[]string{"direction", "type", "result"},
	)
	syncSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "sync",
			Name:      "sessions_total",
			Help:      "Anti-entropy exchanges by role and result.",
		},
		[]string{"role", "result"},
	)
	syncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Path records sent or received over anti-entropy.",
		},
		[]string{"role"},
	)
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graffiti",
			Subsystem: "sync",
			Name:      "session_duration_seconds",
			Help:      "Anti-entropy exchange duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	persistWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "persist",
			Name:      "writes_total",
			Help:      "Wall persistence writes by target and result.",
		},
		[]string{"target", "result"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber was not keeping up.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graffiti",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graffiti",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			pathsMerged, unknownPredecessors,
			gossipMessages,
			syncSessions, syncRecords, syncDuration,
			persistWrites, eventsDropped,
			httpRequests, httpDuration,
		)
	})
}

// RecordMerge counts one inserted record; source is local, gossip or sync.
func RecordMerge(source string, unknown int) {
	Register()
	pathsMerged.WithLabelValues(source).Inc()
	if unknown > 0 {
		unknownPredecessors.Add(float64(unknown))
	}
}

func RecordGossip(direction, msgType, result string) {
	Register()
	gossipMessages.WithLabelValues(direction, msgType, result).Inc()
}

func RecordSyncSession(role, result string, records int, d time.Duration) {
	Register()
	syncSessions.WithLabelValues(role, result).Inc()
	syncRecords.WithLabelValues(role).Add(float64(records))
	syncDuration.WithLabelValues(role).Observe(d.Seconds())
}

func RecordPersist(target string, err error) {
	Register()
	result := "ok"
	if err != nil {
		result = "error"
	}
	persistWrites.WithLabelValues(target, result).Inc()
}

func RecordEventDropped() {
	Register()
	eventsDropped.Inc()
}

func RecordHTTPRequest(method, path string, status int, d time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(d.Seconds())
}
