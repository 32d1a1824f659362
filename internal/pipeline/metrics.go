package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phasesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regressd",
		Subsystem: "pipeline",
		Name:      "phases_executed_total",
		Help:      "Phase executions recorded, by phase and resulting status.",
	}, []string{"phase", "status"})

	approvalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regressd",
		Subsystem: "pipeline",
		Name:      "approval_decisions_total",
		Help:      "Approval gate resolutions, by decision.",
	}, []string{"decision"})

	gateTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regressd",
		Subsystem: "pipeline",
		Name:      "gate_timeouts_total",
		Help:      "Approval gates auto-rejected by the timeout sweep.",
	})

	generationsGated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regressd",
		Subsystem: "pipeline",
		Name:      "generations_gated_total",
		Help:      "Runs whose generation phase was skipped by the gate.",
	})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regressd",
		Subsystem: "pipeline",
		Name:      "runs_finished_total",
		Help:      "Runs reaching a terminal status.",
	}, []string{"status"})
)
