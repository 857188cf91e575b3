package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcome labels recorded by ObserveRun.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

var (
	registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symrun",
		Name:      "runs_total",
		Help:      "Total number of supervised runs by outcome.",
	}, []string{"outcome"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "symrun",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of supervised runs in seconds.",
	})

	timeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "symrun",
		Name:      "timeouts_total",
		Help:      "Total number of runs terminated by their timeout.",
	})

	signalsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symrun",
		Name:      "signals_sent_total",
		Help:      "Total number of signals sent to supervised process groups.",
	}, []string{"signal"})

	batchTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symrun",
		Name:      "batch_tasks_total",
		Help:      "Total number of batch tasks by terminal result.",
	}, []string{"result"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "symrun",
		Name:      "build_info",
		Help:      "Build metadata for the running symrun binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(runsTotal, runDuration, timeoutsTotal, signalsSent, batchTasks, buildInfo)
}

// Registry returns the Prometheus registry containing all symrun metrics.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveRun records one completed run with its outcome and duration.
func ObserveRun(outcome string, d time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(d.Seconds())
	if outcome == OutcomeTimeout {
		timeoutsTotal.Inc()
	}
}

// IncrementSignal counts a signal delivered to a supervised process group.
func IncrementSignal(signal string) {
	if signal == "" {
		return
	}
	signalsSent.WithLabelValues(signal).Inc()
}

// ObserveBatchTask records the terminal result of one task within a batch.
func ObserveBatchTask(result string) {
	if result == "" {
		return
	}
	batchTasks.WithLabelValues(result).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
