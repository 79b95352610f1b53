package app

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iotmon/golang_services/internal/command_service/domain"
)

var (
	operationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "command_service",
			Name:      "operations_total",
			Help:      "Total number of coordinator operations by outcome.",
		},
		[]string{"operation", "outcome"}, // outcome: "success", "not_found", "conflict", ...
	)

	queueCallDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "command_service",
			Name:      "queue_call_duration_seconds",
			Help:      "Duration of delay queue calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	acknowledgmentsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "command_service",
			Name:      "acknowledgments_total",
			Help:      "Total number of device acknowledgments by result.",
		},
		[]string{"result"}, // "executed", "failed_at_device", "not_found", "lost_race"
	)

	dispatchedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "command_service",
			Name:      "dispatched_total",
			Help:      "Total number of queue messages relayed to devices.",
		},
		[]string{"result"}, // "published", "publish_error", "malformed", "delete_error"
	)
)

// outcomeLabel classifies err for the operations counter.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrTransportConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

func observeOperation(operation string, err *error) {
	operationsCounter.WithLabelValues(operation, outcomeLabel(*err)).Inc()
}
