// Package metrics exposes the Prometheus vectors Legion's actors publish
// to: controller state transitions, heartbeat misses, pool reservation
// outcomes, tracker fan-out counts, and reprocessor queue depth.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Controller metrics
	ControllersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "legion_controllers_total",
			Help: "Total number of worker controllers by state",
		},
		[]string{"state"},
	)

	ControllerStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legion_controller_state_transitions_total",
			Help: "Total number of worker controller state transitions",
		},
		[]string{"from", "to"},
	)

	HeartbeatMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legion_heartbeat_misses_total",
			Help: "Total number of heartbeat timeouts by worker id",
		},
		[]string{"worker_id"},
	)

	SubprocessRespawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legion_subprocess_respawns_total",
			Help: "Total number of worker subprocess respawns by worker id",
		},
		[]string{"worker_id"},
	)

	// Pool metrics
	PoolReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legion_pool_reservations_total",
			Help: "Total number of controller-pool reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legion_pool_size",
			Help: "Current number of controllers created in the pool",
		},
	)

	// Processor / reprocessor metrics
	TasksPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legion_tasks_placed_total",
			Help: "Total number of tasks placed by binding kind",
		},
		[]string{"binding"},
	)

	ReprocessorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "legion_reprocessor_queue_depth",
			Help: "Current number of tasks waiting in the reprocessor by queue",
		},
		[]string{"queue"},
	)

	TaskPlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "legion_task_placement_latency_seconds",
			Help:    "Time from ReprocessTask to successful re-placement",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tracker metrics
	TrackerUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legion_tracker_updates_total",
			Help: "Total number of task updates fanned out by the tracker, by tag",
		},
		[]string{"tag"},
	)

	TrackerFanoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "legion_tracker_fanout_duration_seconds",
			Help:    "Time taken to fan a task update out to all recipients",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tree metrics
	TreeTasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legion_tree_tasks_active",
			Help: "Current number of tasks held in the task tree",
		},
	)

	TreeRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legion_tree_restarts_total",
			Help: "Total number of tasks restarted with a fresh uuid",
		},
	)

	// App state / center bus metrics
	AppStatusReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legion_app_status_reports_total",
			Help: "Total number of AppStatusReport messages emitted",
		},
	)

	CenterMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legion_center_messages_total",
			Help: "Total number of center-bus messages sent by subject",
		},
		[]string{"subject"},
	)
)

func init() {
	prometheus.MustRegister(ControllersTotal)
	prometheus.MustRegister(ControllerStateTransitionsTotal)
	prometheus.MustRegister(HeartbeatMissesTotal)
	prometheus.MustRegister(SubprocessRespawnsTotal)
	prometheus.MustRegister(PoolReservationsTotal)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(TasksPlacedTotal)
	prometheus.MustRegister(ReprocessorQueueDepth)
	prometheus.MustRegister(TaskPlacementLatency)
	prometheus.MustRegister(TrackerUpdatesTotal)
	prometheus.MustRegister(TrackerFanoutDuration)
	prometheus.MustRegister(TreeTasksActive)
	prometheus.MustRegister(TreeRestartsTotal)
	prometheus.MustRegister(AppStatusReportsTotal)
	prometheus.MustRegister(CenterMessagesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
