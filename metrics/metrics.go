// ABOUTME: Prometheus metrics shared by the director services.
// ABOUTME: Registered on the default registry and served by the mediator's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExperimentsTotal counts experiment lifecycle transitions by the
	// status entered.
	ExperimentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unicorn",
		Name:      "experiments_total",
		Help:      "Experiment lifecycle transitions by resulting status.",
	}, []string{"status"})

	// CompilationsTotal counts finished compilations by outcome.
	CompilationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unicorn",
		Name:      "compilations_total",
		Help:      "Finished environment compilations by outcome.",
	}, []string{"outcome"})

	// HeartbeatsTotal counts executor heartbeats accepted by the gateway.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "unicorn",
		Name:      "heartbeats_total",
		Help:      "Executor heartbeats accepted by the gateway.",
	})

	// ExecutorResultsTotal counts final executor reports by whether the
	// submission applied (first-wins).
	ExecutorResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unicorn",
		Name:      "executor_results_total",
		Help:      "Executor result submissions by application outcome.",
	}, []string{"applied"})

	// RunningExperiments tracks experiments currently in RUNNING.
	RunningExperiments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unicorn",
		Name:      "running_experiments",
		Help:      "Experiments currently in the RUNNING status.",
	})

	// FlagOpsTotal counts flag operations through the gateway.
	FlagOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unicorn",
		Name:      "flag_ops_total",
		Help:      "Flag operations served by the gateway.",
	}, []string{"op"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
