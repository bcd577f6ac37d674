package health

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "speechwire"

// Collector exports Tracker snapshots as Prometheus metrics.
type Collector struct {
	tracker *Tracker

	started    *prometheus.Desc
	active     *prometheus.Desc
	failed     *prometheus.Desc
	reconnects *prometheus.Desc
	dataLoss   *prometheus.Desc
	chunksLost *prometheus.Desc
	busy       *prometheus.Desc
	errors     *prometheus.Desc
	errorRate  *prometheus.Desc
}

func NewCollector(t *Tracker) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		tracker:    t,
		started:    desc("streams_started_total", "Streams opened by callers."),
		active:     desc("streams_active", "Streams currently open."),
		failed:     desc("streams_failed_total", "Streams that ended with a terminal error."),
		reconnects: desc("reconnects_total", "Successful reconnects after a recoverable fault."),
		dataLoss:   desc("data_loss_events_total", "Reconnects that could not replay every unacknowledged chunk."),
		chunksLost: desc("chunks_lost_total", "Audio chunks dropped from the replay window before acknowledgement."),
		busy:       desc("busy", "In-flight one-shot recognitions."),
		errors:     desc("errors_total", "Classified failures, including recovered ones.", "kind"),
		errorRate:  desc("error_rate", "Failed streams over started streams."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.started
	ch <- c.active
	ch <- c.failed
	ch <- c.reconnects
	ch <- c.dataLoss
	ch <- c.chunksLost
	ch <- c.busy
	ch <- c.errors
	ch <- c.errorRate
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.tracker.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.started, prometheus.CounterValue, float64(s.StreamsStarted))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.StreamsActive))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.StreamsFailed))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(s.Reconnects))
	ch <- prometheus.MustNewConstMetric(c.dataLoss, prometheus.CounterValue, float64(s.DataLossEvents))
	ch <- prometheus.MustNewConstMetric(c.chunksLost, prometheus.CounterValue, float64(s.ChunksLost))
	ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, float64(s.Busy))
	kinds := make([]string, 0, len(s.Errors))
	for k := range s.Errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors[k]), k)
	}
	ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, s.ErrorRate)
}

// NewRegistry returns a registry with the tracker collector and the Go
// runtime and process collectors.
func NewRegistry(t *Tracker) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(t))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
