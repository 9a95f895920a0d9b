package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "winwatch",
		Subsystem: "agent",
		Name:      "events_total",
		Help:      "Total number of events observed, per monitor and kind",
	}, []string{"monitor", "kind"})
	metricMonitorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "winwatch",
		Subsystem: "agent",
		Name:      "monitor_failures_total",
		Help:      "Total number of failed monitor updates, per monitor",
	}, []string{"monitor"})
	metricMonitorRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "winwatch",
		Subsystem: "agent",
		Name:      "monitor_restarts_total",
		Help:      "Total number of successful monitor rebuilds, per monitor",
	}, []string{"monitor"})
	metricMonitorUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "winwatch",
		Subsystem: "agent",
		Name:      "monitor_up",
		Help:      "1 while the monitor is running, 0 while it is being rebuilt or stopped",
	}, []string{"monitor"})

	metricJournalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "winwatch",
		Subsystem: "agent",
		Name:      "journal_errors_total",
		Help:      "Total number of events the journal failed to record",
	})
	metricSinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "winwatch",
		Subsystem: "agent",
		Name:      "sink_errors_total",
		Help:      "Total number of events a sink failed to accept, per sink",
	}, []string{"sink"})
)
