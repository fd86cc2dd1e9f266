package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/sysdash-web/internal/api"
	"github.com/skobkin/sysdash-web/internal/stream"
)

const metricsNamespace = "sysdash"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, value func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value()) })
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		counter("connections_total", "Total WebSocket connections accepted since start.", s.wsTotal.Load),
		counter("rejected_total", "Total WebSocket connection attempts rejected due to capacity.", s.wsRejected.Load),
		counter("forbidden_total", "Total WebSocket connection attempts rejected due to origin.", s.wsForbidden.Load),
		counter("messages_sent_total", "Total WebSocket frames written to clients.", s.wsSent.Load),
		counter("messages_dropped_total", "Total frames dropped because a client queue was full.", s.wsDropped.Load),
		counter("ping_failures_total", "Total connections closed after a failed liveness probe.", s.wsPingFails.Load),
	)

	if s.stream != nil {
		registry.MustRegister(newStreamCollector(s.stream))
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

type streamCollector struct {
	stream Stream

	state           *prometheus.Desc
	clients         *prometheus.Desc
	buffered        *prometheus.Desc
	ticks           *prometheus.Desc
	broadcasts      *prometheus.Desc
	sendFailures    *prometheus.Desc
	polls           *prometheus.Desc
	pollFailures    *prometheus.Desc
	pollsSkipped    *prometheus.Desc
	commands        *prometheus.Desc
	commandFailures *prometheus.Desc
	ignored         *prometheus.Desc

	snapshotMetrics []snapshotMetric
}

type snapshotMetric struct {
	desc    *prometheus.Desc
	extract func(snapshot api.Snapshot) (float64, bool)
}

func newStreamCollector(s Stream) *streamCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, labels, nil)
	}

	c := &streamCollector{
		stream:          s,
		state:           desc("stream", "state", "Stream lifecycle state, 1 for the current state.", "state"),
		clients:         desc("stream", "clients", "Clients attached to the stream."),
		buffered:        desc("stream", "buffered_snapshots", "Snapshots held for replay."),
		ticks:           desc("stream", "ticks_total", "Sampling ticks since start."),
		broadcasts:      desc("stream", "broadcasts_total", "Snapshots broadcast since start."),
		sendFailures:    desc("stream", "send_failures_total", "Per-client send failures since start."),
		polls:           desc("inventory", "polls_total", "Inventory list calls since start."),
		pollFailures:    desc("inventory", "poll_failures_total", "Inventory list calls that failed."),
		pollsSkipped:    desc("inventory", "polls_skipped_total", "Inventory ticks skipped because a poll was in flight."),
		commands:        desc("commands", "handled_total", "Workload commands handled."),
		commandFailures: desc("commands", "failed_total", "Workload commands whose action failed."),
		ignored:         desc("commands", "ignored_total", "Client frames ignored as malformed or unknown."),
	}

	c.snapshotMetrics = []snapshotMetric{
		{
			desc: desc("host", "cpu_usage_percent", "Latest CPU utilisation."),
			extract: func(snap api.Snapshot) (float64, bool) {
				return snap.CPU.UsagePercent, true
			},
		},
		{
			desc: desc("host", "memory_used_bytes", "Latest used memory."),
			extract: func(snap api.Snapshot) (float64, bool) {
				return float64(snap.Memory.UsedKB) * 1024, true
			},
		},
		{
			desc: desc("host", "memory_total_bytes", "Total memory."),
			extract: func(snap api.Snapshot) (float64, bool) {
				return float64(snap.Memory.TotalKB) * 1024, snap.Memory.TotalKB > 0
			},
		},
		{
			desc: desc("host", "temperature_celsius", "Latest system temperature."),
			extract: func(snap api.Snapshot) (float64, bool) {
				return snap.Temperature.SystemTemperatureC, true
			},
		},
		{
			desc: desc("gpu", "busy_percent", "Latest GPU utilisation."),
			extract: func(snap api.Snapshot) (float64, bool) {
				if snap.GPU == nil {
					return 0, false
				}
				return snap.GPU.UsagePercent, true
			},
		},
		{
			desc: desc("gpu", "power_watts", "Latest GPU power draw."),
			extract: func(snap api.Snapshot) (float64, bool) {
				if snap.GPU == nil {
					return 0, false
				}
				return snap.GPU.PowerW, true
			},
		},
		{
			desc: desc("gpu", "temperature_celsius", "Latest GPU temperature."),
			extract: func(snap api.Snapshot) (float64, bool) {
				if snap.GPU == nil {
					return 0, false
				}
				return snap.GPU.TemperatureC, true
			},
		},
		{
			desc: desc("inventory", "workloads", "Workloads in the latest inventory view."),
			extract: func(snap api.Snapshot) (float64, bool) {
				return float64(len(snap.Inventory)), true
			},
		},
		{
			desc: desc("stream", "snapshot_age_seconds", "Seconds since the latest snapshot was taken."),
			extract: func(snap api.Snapshot) (float64, bool) {
				if snap.Timestamp.IsZero() {
					return 0, false
				}
				return max(time.Since(snap.Timestamp).Seconds(), 0), true
			},
		},
	}

	return c
}

func (c *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.state, c.clients, c.buffered, c.ticks, c.broadcasts, c.sendFailures,
		c.polls, c.pollFailures, c.pollsSkipped, c.commands, c.commandFailures, c.ignored,
	} {
		ch <- d
	}
	for _, metric := range c.snapshotMetrics {
		ch <- metric.desc
	}
}

func (c *streamCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stream.Stats()

	for _, state := range []stream.State{stream.StateStopped, stream.StateRunning, stream.StateSuspended} {
		value := 0.0
		if state.String() == stats.State {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, value, state.String())
	}

	ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, float64(stats.Clients))
	ch <- prometheus.MustNewConstMetric(c.buffered, prometheus.GaugeValue, float64(stats.Buffered))
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(stats.Ticks))
	ch <- prometheus.MustNewConstMetric(c.broadcasts, prometheus.CounterValue, float64(stats.Broadcasts))
	ch <- prometheus.MustNewConstMetric(c.sendFailures, prometheus.CounterValue, float64(stats.SendFailures))
	ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(stats.Polls))
	ch <- prometheus.MustNewConstMetric(c.pollFailures, prometheus.CounterValue, float64(stats.PollFailures))
	ch <- prometheus.MustNewConstMetric(c.pollsSkipped, prometheus.CounterValue, float64(stats.PollsSkipped))
	ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue, float64(stats.Commands))
	ch <- prometheus.MustNewConstMetric(c.commandFailures, prometheus.CounterValue, float64(stats.CommandFailures))
	ch <- prometheus.MustNewConstMetric(c.ignored, prometheus.CounterValue, float64(stats.MessagesIgnored))

	snapshot, ok := c.stream.Latest()
	if !ok {
		return
	}
	for _, metric := range c.snapshotMetrics {
		value, ok := metric.extract(snapshot)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value)
	}
}
