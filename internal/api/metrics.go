package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

var programModes = []model.ProgramStatus{
	model.ProgramOff,
	model.ProgramScheduled,
	model.ProgramManual,
	model.ProgramOverride,
}

// Snapshotter is the part of the controller the metrics collector reads.
type Snapshotter interface {
	Snapshot() model.SystemSnapshot
}

// MetricsCollector exports the controller's last known state on every scrape.
// Each scrape builds its metrics from one snapshot, so concurrent scrapes do
// not share state.
type MetricsCollector struct {
	source Snapshotter

	valveActive    *prometheus.Desc
	valveInUse     *prometheus.Desc
	valveRemaining *prometheus.Desc
	valveDuration  *prometheus.Desc
	programMode    *prometheus.Desc
	rainDelay      *prometheus.Desc
	lastPoll       *prometheus.Desc
	pollOK         *prometheus.Desc
}

func NewMetricsCollector(source Snapshotter) *MetricsCollector {
	labels := []string{"valve"}
	return &MetricsCollector{
		source:         source,
		valveActive:    prometheus.NewDesc("sprinkler_valve_active", "1 if the valve has been asked to water", labels, nil),
		valveInUse:     prometheus.NewDesc("sprinkler_valve_in_use", "1 if water is flowing through the valve", labels, nil),
		valveRemaining: prometheus.NewDesc("sprinkler_valve_remaining_seconds", "Seconds left in the current run", labels, nil),
		valveDuration:  prometheus.NewDesc("sprinkler_valve_duration_seconds", "Run time used for the next manual activation", labels, nil),
		programMode:    prometheus.NewDesc("sprinkler_program_mode", "1 for the current program mode", []string{"mode"}, nil),
		rainDelay:      prometheus.NewDesc("sprinkler_rain_delay", "1 if a rain delay is in effect", nil, nil),
		lastPoll:       prometheus.NewDesc("sprinkler_last_poll_timestamp_seconds", "Last status poll timestamp (epoch seconds)", nil, nil),
		pollOK:         prometheus.NewDesc("sprinkler_poll_success", "Last status poll success (1=ok, 0=error)", nil, nil),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.valveActive
	ch <- c.valveInUse
	ch <- c.valveRemaining
	ch <- c.valveDuration
	ch <- c.programMode
	ch <- c.rainDelay
	ch <- c.lastPoll
	ch <- c.pollOK
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	for _, v := range snap.Valves {
		ch <- prometheus.MustNewConstMetric(c.valveActive, prometheus.GaugeValue, boolFloat(v.Active), v.Name)
		ch <- prometheus.MustNewConstMetric(c.valveInUse, prometheus.GaugeValue, boolFloat(v.InUse), v.Name)
		ch <- prometheus.MustNewConstMetric(c.valveRemaining, prometheus.GaugeValue, float64(v.RemainingDuration), v.Name)
		ch <- prometheus.MustNewConstMetric(c.valveDuration, prometheus.GaugeValue, float64(v.Duration), v.Name)
	}

	for _, mode := range programModes {
		ch <- prometheus.MustNewConstMetric(c.programMode, prometheus.GaugeValue, boolFloat(snap.ProgramMode == mode), string(mode))
	}
	ch <- prometheus.MustNewConstMetric(c.rainDelay, prometheus.GaugeValue, boolFloat(snap.RainDelay))

	if !snap.LastPoll.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastPoll, prometheus.GaugeValue, float64(snap.LastPoll.Unix()))
	}
	ch <- prometheus.MustNewConstMetric(c.pollOK, prometheus.GaugeValue, boolFloat(snap.LastPollError == ""))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
