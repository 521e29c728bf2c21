package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "channel",
			Name:      "commands_sent_total",
			Help:      "Number of commands written to the sidecar channel.",
		}, []string{"command"},
	)
	acksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "channel",
			Name:      "acks_total",
			Help:      "Number of ACK resolutions by outcome (ok, timeout, closed).",
		}, []string{"outcome"},
	)
	eventsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "dispatcher",
			Name:      "events_total",
			Help:      "Number of sidecar events routed, by event type.",
		}, []string{"type"},
	)
	supervisorKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "supervisor",
			Name:      "terminations_total",
			Help:      "Number of validated process terminations, by target name.",
		}, []string{"name"},
	)
	validationRefusals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "supervisor",
			Name:      "validation_refusals_total",
			Help:      "Number of destructive actions declined because process identity could not be confirmed.",
		},
	)
	launchesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmd",
			Subsystem: "orchestrator",
			Name:      "launches_total",
			Help:      "Number of launch workflows started, by mode.",
		}, []string{"mode"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	cols := []prometheus.Collector{
		commandsSent, acksReceived, eventsRouted,
		supervisorKills, validationRefusals, launchesStarted,
	}
	for _, c := range cols {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func CommandSent(command string) { commandsSent.WithLabelValues(command).Inc() }

func AckResolved(outcome string) { acksReceived.WithLabelValues(outcome).Inc() }

func EventRouted(eventType string) { eventsRouted.WithLabelValues(eventType).Inc() }

func ProcessKilled(name string) { supervisorKills.WithLabelValues(name).Inc() }

func ValidationRefused() { validationRefusals.Inc() }
func LaunchStarted(mode string) {
	if mode == "" {
		mode = "default"
	}
	launchesStarted.WithLabelValues(mode).Inc()
}
