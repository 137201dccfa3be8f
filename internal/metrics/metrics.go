package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	tasksRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "geark",
		Name:      "tasks_registered",
		Help:      "Number of tasks currently registered with the supervisor.",
	})

	taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geark",
		Name:      "task_runs_total",
		Help:      "Total number of times each task body has been invoked.",
	}, []string{"task"})

	taskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geark",
		Name:      "task_failures_total",
		Help:      "Total number of failures raised by each task body.",
	}, []string{"task"})

	taskRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geark",
		Name:      "task_restarts_total",
		Help:      "Total number of restarts performed for each task.",
	}, []string{"task"})

	taskStops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "geark",
		Name:      "task_stops_total",
		Help:      "Total number of tasks cancelled through stop requests.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "geark",
		Name:      "build_info",
		Help:      "Build metadata for the running geark binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(tasksRegistered, taskRuns, taskFailures, taskRestarts, taskStops, buildInfo)
}

// Registry returns the Prometheus registry containing all geark metrics.
func Registry() *prometheus.Registry {
	return registry
}

// TaskRegistered bumps the registered-task gauge.
func TaskRegistered() {
	tasksRegistered.Inc()
}

// TaskRemoved lowers the registered-task gauge and clears per-task series.
func TaskRemoved(task string) {
	tasksRegistered.Dec()
	ResetTask(task)
}

// ObserveRun counts one invocation of a task body.
func ObserveRun(task string) {
	if task == "" {
		return
	}
	taskRuns.WithLabelValues(task).Inc()
}

// ObserveFailure counts one failure raised by a task body.
func ObserveFailure(task string) {
	if task == "" {
		return
	}
	taskFailures.WithLabelValues(task).Inc()
}

// AddTaskRestarts increments the restart counter for a task.
func AddTaskRestarts(task string, n int) {
	if task == "" || n <= 0 {
		return
	}
	taskRestarts.WithLabelValues(task).Add(float64(n))
}

// IncrementTaskRestart increments the restart counter by one for a task.
func IncrementTaskRestart(task string) {
	AddTaskRestarts(task, 1)
}

// ObserveStop counts a task cancelled by a stop request.
func ObserveStop() {
	taskStops.Inc()
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

// ResetTask clears the per-task series for a deregistered task.
func ResetTask(task string) {
	if task == "" {
		return
	}
	taskRuns.DeleteLabelValues(task)
	taskFailures.DeleteLabelValues(task)
	taskRestarts.DeleteLabelValues(task)
}
