// Package metrics exports update and boot state for the node exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flipset"

// Statuses are the update statuses exported as flipset_update_status.
var Statuses = []string{"idle", "migrating", "staged", "awaiting-reboot"}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Status          *prometheus.GaugeVec
	Version         *prometheus.GaugeVec
	UpdateAvailable prometheus.Gauge
	LastCheck       prometheus.Gauge
	BootConfirmed   prometheus.Gauge
	SetPriority     *prometheus.GaugeVec
	SetTriesLeft    *prometheus.GaugeVec
	SetSuccessful   *prometheus.GaugeVec
	Operations      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_status",
			Help:      "1 for the current update status",
		}, []string{"status"}),
		Version: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "version_info",
			Help:      "Running and chosen versions",
		}, []string{"kind", "version"}),
		UpdateAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_available",
			Help:      "1 when an update is chosen for this host",
		}),
		LastCheck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_check_timestamp_seconds",
			Help:      "Time of the last successful repository refresh",
		}),
		BootConfirmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "boot_confirmed",
			Help:      "1 when the running boot has been marked successful",
		}),
		SetPriority: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "partition_set",
			Name:      "priority",
			Help:      "Boot priority of each partition set",
		}, []string{"set"}),
		SetTriesLeft: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "partition_set",
			Name:      "tries_left",
			Help:      "Boot attempts left for each partition set",
		}, []string{"set"}),
		SetSuccessful: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "partition_set",
			Name:      "successful",
			Help:      "1 when the partition set has booted successfully",
		}, []string{"set"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Update operations by name and result",
		}, []string{"operation", "result"}),
	}
	m.Registry.MustRegister(m.Status, m.Version, m.UpdateAvailable, m.LastCheck, m.BootConfirmed,
		m.SetPriority, m.SetTriesLeft, m.SetSuccessful, m.Operations)
	return m
}

// SetStatus marks status as the only current one.
func (m *Metrics) SetStatus(status string) {
	for _, s := range Statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.Status.WithLabelValues(s).Set(v)
	}
}

// SetVersion replaces the version exported for kind ("running" or "chosen"). An empty version
// removes it.
func (m *Metrics) SetVersion(kind, version string) {
	m.Version.DeletePartialMatch(prometheus.Labels{"kind": kind})
	if version != "" {
		m.Version.WithLabelValues(kind, version).Set(1)
	}
}

// SetPartitionSet exports the flags of one partition set.
func (m *Metrics) SetPartitionSet(set string, priority, triesLeft uint8, successful bool) {
	m.SetPriority.WithLabelValues(set).Set(float64(priority))
	m.SetTriesLeft.WithLabelValues(set).Set(float64(triesLeft))
	m.SetSuccessful.WithLabelValues(set).Set(boolValue(successful))
}

// Observe counts the outcome of an operation.
func (m *Metrics) Observe(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Operations.WithLabelValues(operation, result).Inc()
}

// WriteTextfile writes the metrics for the textfile collector. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
