// Package metrics provides Prometheus metrics for the block request
// server, exposed at /metrics:
//
//   - blockd_requests_total: client requests by operation and status
//   - blockd_submissions_total: operations handed to the driver
//   - blockd_splits_total: oversized requests split into fragments
//   - blockd_inflight_ops: operations submitted but not yet completed
//   - blockd_barrier_stalls_total: drain passes blocked on a barrier
//   - blockd_group_replies_total: grouped batches answered
//   - blockd_regions_attached: currently attached memory regions
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts client requests by operation and final status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockd_requests_total",
			Help: "Total client requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	// SubmissionsTotal counts operations handed to the driver.
	SubmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockd_submissions_total",
			Help: "Total operations submitted to the driver",
		},
	)

	// SplitsTotal counts requests split because they exceeded the
	// driver's maximum transfer size.
	SplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockd_splits_total",
			Help: "Total oversized requests split into fragments",
		},
	)

	// InflightOps tracks operations submitted but not yet completed.
	InflightOps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockd_inflight_ops",
			Help: "Operations submitted to the driver awaiting completion",
		},
	)

	// BarrierStallsTotal counts drain passes that stopped on an
	// unresolved barrier.
	BarrierStallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockd_barrier_stalls_total",
			Help: "Drain passes blocked waiting for a barrier to resolve",
		},
	)

	// GroupRepliesTotal counts grouped batches answered with a single
	// aggregate reply.
	GroupRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockd_group_replies_total",
			Help: "Grouped batches completed and answered",
		},
	)

	// RegionsAttached tracks currently attached memory regions.
	RegionsAttached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockd_regions_attached",
			Help: "Currently attached client memory regions",
		},
	)
)
