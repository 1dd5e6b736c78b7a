// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package metrics exposes Prometheus instrumentation for the daemon:
// scheduler task execution, upstream API health, path-map state, and the
// two synchronizers. Served through /metrics on the operational HTTP port.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler Metrics
	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomis_task_runs_total",
			Help: "Total number of scheduled task executions",
		},
		[]string{"task"},
	)

	TaskFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomis_task_failures_total",
			Help: "Total number of task executions that panicked",
		},
		[]string{"task"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loomis_task_duration_seconds",
			Help:    "Duration of scheduled task executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"task"},
	)

	// Upstream API Metrics
	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomis_upstream_errors_total",
			Help: "Total number of failed upstream API operations",
		},
		[]string{"server", "operation"},
	)

	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomis_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"server", "to_state"},
	)

	// Path Map Metrics
	PathMapSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loomis_path_map_entries",
			Help: "Current number of path->id entries per server",
		},
		[]string{"server"},
	)

	PathMapRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomis_path_map_rebuilds_total",
			Help: "Total number of path map rebuilds",
		},
		[]string{"server", "trigger"}, // "quick_check", "scheduled", "startup"
	)

	// Playlist Sync Metrics
	PlaylistOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomis_playlist_ops_total",
			Help: "Total number of playlist mutations issued",
		},
		[]string{"server", "op"}, // "create", "add", "remove", "move"
	)

	// Watch-State Sync Metrics
	WatchStatePropagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomis_watch_state_propagations_total",
			Help: "Total number of watch/play state updates pushed to peers",
		},
		[]string{"source", "destination", "kind"}, // kind: "watch", "play"
	)

	// Folder Cleanup Metrics
	FoldersRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loomis_folders_removed_total",
			Help: "Total number of empty folders removed",
		},
	)
)
