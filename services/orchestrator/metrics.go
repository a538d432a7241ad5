package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"taskpilot/services/task"
)

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_executions_total",
		Help: "Finished executions by task type and terminal status.",
	}, []string{"type", "status"})

	executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskpilot_execution_duration_seconds",
		Help:    "Wall time of finished executions.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
	}, []string{"type"})

	exhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_executions_exhausted_total",
		Help: "Executions that failed on their last attempt.",
	})
)

func init() {
	prometheus.MustRegister(executionsTotal, executionDuration, exhaustedTotal)
}

func observe(t *task.Task, exec *task.TaskExecution) {
	executionsTotal.WithLabelValues(string(t.Type), string(exec.Status)).Inc()
	if exec.Duration != nil {
		executionDuration.WithLabelValues(string(t.Type)).Observe(float64(*exec.Duration) / 1000)
	}
}
