// Package metrics expõe as métricas Prometheus do daemon.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"modoboa-policyd/policy/domain"
)

var (
	// RequestsTotal conta respostas enviadas ao MTA por ação.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_requests_total",
			Help: "Total number of policy requests answered",
		},
		[]string{"action"},
	)

	// RequestDuration mede do fim da leitura até a resposta.
	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyd_request_duration_seconds",
			Help:    "Time spent evaluating and answering a policy request",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs a ~3s
		},
	)

	CounterChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_counter_checks_total",
			Help: "Total number of counter checks by identity kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	StoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_store_errors_total",
			Help: "Total number of counter store failures answered with dunno",
		},
	)

	// NotificationsTotal conta entregas de aviso: sent, failed ou dropped.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_notifications_total",
			Help: "Total number of limit notifications by result",
		},
		[]string{"result"},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyd_connections_active",
			Help: "Number of policy connections being served",
		},
	)

	AdmissionRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_admission_rejected_total",
			Help: "Total number of requests answered without an evaluation slot",
		},
	)

	ResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_resets_total",
			Help: "Total number of counter resets by result",
		},
		[]string{"result"},
	)
)

// ObserveDecision registra a resposta e cada verificação de contador.
func ObserveDecision(action string, elapsed time.Duration, dec domain.Decision) {
	RequestsTotal.WithLabelValues(action).Inc()
	RequestDuration.Observe(elapsed.Seconds())
	for _, c := range dec.Checks {
		CounterChecksTotal.WithLabelValues(string(c.Identity.Kind), string(c.Outcome)).Inc()
		if c.Outcome == domain.OutcomeError {
			StoreErrorsTotal.Inc()
		}
	}
}

// ObserveNotification classifica o resultado reportado pelo dispatcher.
func ObserveNotification(err error) {
	switch {
	case err == nil:
		NotificationsTotal.WithLabelValues("sent").Inc()
	case errors.Is(err, domain.ErrQueueFull):
		NotificationsTotal.WithLabelValues("dropped").Inc()
	default:
		NotificationsTotal.WithLabelValues("failed").Inc()
	}
}

func ObserveReset(err error) {
	if err != nil {
		ResetsTotal.WithLabelValues("error").Inc()
		return
	}
	ResetsTotal.WithLabelValues("ok").Inc()
}
