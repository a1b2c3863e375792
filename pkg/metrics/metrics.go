// Package metrics exposes the prometheus instruments for the sync core.
// All instruments register on the default registry; the server serves them
// on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_active_rooms",
		Help: "Number of live collaborative sessions.",
	})
	ConnectedParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_connected_participants",
		Help: "Number of open sync connections across all rooms.",
	})
	UpdatesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_updates_merged_total",
		Help: "Document updates merged into a session.",
	})
	UpdatesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_updates_rejected_total",
		Help: "Updates dropped because the sender lacks write permission.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_malformed_frames_total",
		Help: "Inbound frames dropped as malformed.",
	})
	ConflictsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_conflicts_dropped_total",
		Help: "Updates dropped with unsatisfiable causal dependencies.",
	})
	SnapshotsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_snapshots_written_total",
		Help: "Version snapshots persisted.",
	})
	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_snapshot_failures_total",
		Help: "Version snapshot writes that exhausted their retries.",
	})
)
