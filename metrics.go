package forkdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forkdb_commits_written_total",
		Help: "Commits written, by origin (local or replicated).",
	}, []string{"origin"})

	writeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forkdb_write_duration_seconds",
		Help:    "Time from the start of a write until its batch committed.",
		Buckets: prometheus.DefBuckets,
	})

	replicationHashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forkdb_replication_hashes_total",
		Help: "Commits exchanged with peers, by direction (sent or received).",
	}, []string{"direction"})

	replicationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forkdb_replication_errors_total",
		Help: "Replication failures, by kind: commit, protocol, storage, transport.",
	}, []string{"kind"})

	replicationSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forkdb_replication_sessions_active",
		Help: "Replication sessions currently running.",
	})
)
