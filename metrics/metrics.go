// Package metrics holds the Prometheus collectors shared by the jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ScanCycles counts scan cycles by result: ok, empty, skipped or error.
	ScanCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forumwatch_scan_cycles_total",
			Help: "Scan cycles by result.",
		},
		[]string{"result"},
	)

	// PostsScanned counts posts passed through address extraction.
	PostsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forumwatch_posts_scanned_total",
			Help: "Posts processed by the address scan.",
		},
	)

	// AddressesMerged counts distinct addresses written per batch, summed.
	AddressesMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forumwatch_addresses_merged_total",
			Help: "Distinct addresses upserted into the index.",
		},
	)

	// Checkpoint is the last post id the scan committed.
	Checkpoint = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forumwatch_checkpoint_post_id",
			Help: "Last committed post id per job key.",
		},
		[]string{"key"},
	)

	// Notifications counts dispatch attempts by outcome.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forumwatch_notifications_total",
			Help: "Mention notifications by outcome.",
		},
		[]string{"outcome"},
	)

	// SweepCycles counts notification sweeps by result.
	SweepCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forumwatch_sweep_cycles_total",
			Help: "Notification sweeps by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ScanCycles)
	prometheus.MustRegister(PostsScanned)
	prometheus.MustRegister(AddressesMerged)
	prometheus.MustRegister(Checkpoint)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(SweepCycles)
}
