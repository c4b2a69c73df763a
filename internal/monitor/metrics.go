package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsNamespace prefixes every exported metric name.
const metricsNamespace = "varwatch"

// Collector exposes engine statistics as Prometheus metrics. It reads
// live state on scrape and holds no counters of its own.
type Collector struct {
	engine *Engine

	totalSamples    *prometheus.Desc
	errorCount      *prometheus.Desc
	avgInterval     *prometheus.Desc
	variables       *prometheus.Desc
	samplingActive  *prometheus.Desc
	currentInterval *prometheus.Desc
}

// NewCollector creates a Prometheus collector over the given engine.
func NewCollector(engine *Engine) *Collector {
	return &Collector{
		engine: engine,
		totalSamples: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "samples_total"),
			"Total samples recorded across all variables.",
			nil, nil,
		),
		errorCount: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "tick_errors_total"),
			"Sampling cycles that failed.",
			nil, nil,
		),
		avgInterval: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "average_interval_seconds"),
			"Running mean of inter-cycle intervals.",
			nil, nil,
		),
		variables: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "variables_last_cycle"),
			"Variables observed in the most recent cycle.",
			nil, nil,
		),
		samplingActive: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "sampling_active"),
			"Whether a sampling tick is scheduled (1 running or paused, 0 stopped).",
			nil, nil,
		),
		currentInterval: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "interval_seconds"),
			"Current sampling interval.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalSamples
	ch <- c.errorCount
	ch <- c.avgInterval
	ch <- c.variables
	ch <- c.samplingActive
	ch <- c.currentInterval
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.engine.Stats()

	ch <- prometheus.MustNewConstMetric(c.totalSamples, prometheus.CounterValue, float64(stats.TotalSamples))
	ch <- prometheus.MustNewConstMetric(c.errorCount, prometheus.CounterValue, float64(stats.ErrorCount))
	ch <- prometheus.MustNewConstMetric(c.avgInterval, prometheus.GaugeValue, stats.AverageInterval.Seconds())
	ch <- prometheus.MustNewConstMetric(c.variables, prometheus.GaugeValue, float64(stats.VariablesLastCycle))

	active := 0.0
	if c.engine.IsSampling() {
		active = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.samplingActive, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.currentInterval, prometheus.GaugeValue, c.engine.Interval().Seconds())
}
