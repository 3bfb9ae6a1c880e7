// Package observers holds the read-only consumers of the event bus:
// Prometheus metrics collection and registry snapshot fan-out, neither of
// which feeds back into orchestration decisions.
package observers

import (
	"sync"

	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "galaxy_tasks_total",
			Help: "Total number of tasks reaching a terminal state, by outcome",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "galaxy_task_duration_seconds",
			Help:    "Time from TASK_STARTED to a task's terminal event, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	constellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "galaxy_constellations_total",
			Help: "Total number of constellations reaching a terminal state, by outcome",
		},
		[]string{"status"},
	)

	constellationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "galaxy_constellation_duration_seconds",
			Help:    "Wall-clock duration of a constellation run, in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	modificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "galaxy_constellation_modifications_total",
			Help: "Total number of structural modifications applied to a constellation",
		},
		[]string{"constellation_id"},
	)

	devicesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "galaxy_devices_connected",
			Help: "Number of devices currently in a connected or idle/busy state",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(constellationsTotal)
	prometheus.MustRegister(constellationDuration)
	prometheus.MustRegister(modificationsTotal)
	prometheus.MustRegister(devicesConnected)
}

// MetricsObserver is a bus handler that mirrors task, constellation, and
// device lifecycle events into Prometheus collectors. It holds no state
// that orchestration depends on; dropping it changes nothing about
// scheduling. Per-task durations are not recorded: HandleEvent makes no
// observation into galaxy_task_duration_seconds.
type MetricsObserver struct {
	mu                 sync.Mutex
	modificationCounts map[string]int
	taskStarts         map[string]struct{}
}

// NewMetricsObserver returns a ready-to-subscribe MetricsObserver.
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{
		modificationCounts: make(map[string]int),
		taskStarts:         make(map[string]struct{}),
	}
}

// HandleEvent is a events.Handler suitable for events.Bus.Subscribe.
func (m *MetricsObserver) HandleEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventTaskCompleted, types.EventTaskFailed:
		tasksTotal.WithLabelValues(string(ev.TaskStatus)).Inc()
	case types.EventConstellationCompleted, types.EventConstellationFailed, types.EventConstellationCancelled:
		constellationsTotal.WithLabelValues(statusLabel(ev.Kind)).Inc()
		constellationDuration.Observe(ev.Duration.Seconds())
	case types.EventConstellationModified:
		m.mu.Lock()
		m.modificationCounts[ev.ConstellationID]++
		m.mu.Unlock()
		modificationsTotal.WithLabelValues(ev.ConstellationID).Inc()
	case types.EventDeviceConnected, types.EventDeviceDisconnected, types.EventDeviceStatusChanged:
		devicesConnected.Set(countLive(ev.RegistrySnapshot))
	}
}

// ModificationsFor returns how many structural modifications this
// observer has recorded for a given constellation.
func (m *MetricsObserver) ModificationsFor(constellationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modificationCounts[constellationID]
}

func statusLabel(kind types.EventKind) string {
	switch kind {
	case types.EventConstellationCompleted:
		return "completed"
	case types.EventConstellationFailed:
		return "failed"
	case types.EventConstellationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func countLive(devices []*types.Device) float64 {
	var n float64
	for _, d := range devices {
		switch d.Status {
		case types.DeviceConnected, types.DeviceIdle, types.DeviceBusy:
			n++
		}
	}
	return n
}
