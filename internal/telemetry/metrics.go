package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/idaholion/cabinbuddy"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Rotation lifecycle metrics
	RotationYearsStartedTotal metric.Int64Counter
	PhasesCompletedTotal      metric.Int64Counter

	// Claim metrics
	ClaimsTotal            metric.Int64Counter
	ClaimRejectionsTotal   metric.Int64Counter
	ClaimDuration          metric.Float64Histogram
	IdempotentReplaysTotal metric.Int64Counter

	// Turn metrics
	AdvancesTotal       metric.Int64Counter
	StaleConflictsTotal metric.Int64Counter

	// Ledger metrics
	LedgerResetsTotal metric.Int64Counter

	// Notification metrics
	NotificationsTotal      metric.Int64Counter
	NotificationErrorsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Rotation lifecycle metrics
	m.RotationYearsStartedTotal, _ = meter.Int64Counter(
		"cabinbuddy.rotation.years_started.total",
		metric.WithDescription("Total number of rotation years started"),
		metric.WithUnit("{year}"),
	)

	m.PhasesCompletedTotal, _ = meter.Int64Counter(
		"cabinbuddy.rotation.phases_completed.total",
		metric.WithDescription("Total number of rotation phases completed"),
		metric.WithUnit("{phase}"),
	)

	// Claim metrics
	m.ClaimsTotal, _ = meter.Int64Counter(
		"cabinbuddy.claims.total",
		metric.WithDescription("Total number of successful turn claims"),
		metric.WithUnit("{claim}"),
	)

	m.ClaimRejectionsTotal, _ = meter.Int64Counter(
		"cabinbuddy.claims.rejections.total",
		metric.WithDescription("Total number of rejected turn claims"),
		metric.WithUnit("{claim}"),
	)

	m.ClaimDuration, _ = meter.Float64Histogram(
		"cabinbuddy.claims.duration",
		metric.WithDescription("Duration of claim operations"),
		metric.WithUnit("ms"),
	)

	m.IdempotentReplaysTotal, _ = meter.Int64Counter(
		"cabinbuddy.claims.idempotent_replays.total",
		metric.WithDescription("Total number of claims answered from the idempotency cache"),
		metric.WithUnit("{claim}"),
	)

	// Turn metrics
	m.AdvancesTotal, _ = meter.Int64Counter(
		"cabinbuddy.turns.advances.total",
		metric.WithDescription("Total number of forced turn advances"),
		metric.WithUnit("{advance}"),
	)

	m.StaleConflictsTotal, _ = meter.Int64Counter(
		"cabinbuddy.turns.stale_conflicts.total",
		metric.WithDescription("Total number of optimistic version conflicts"),
		metric.WithUnit("{conflict}"),
	)

	// Ledger metrics
	m.LedgerResetsTotal, _ = meter.Int64Counter(
		"cabinbuddy.ledger.resets.total",
		metric.WithDescription("Total number of administrative ledger resets"),
		metric.WithUnit("{reset}"),
	)

	// Notification metrics
	m.NotificationsTotal, _ = meter.Int64Counter(
		"cabinbuddy.notifications.total",
		metric.WithDescription("Total number of turn-change notifications emitted"),
		metric.WithUnit("{notification}"),
	)

	m.NotificationErrorsTotal, _ = meter.Int64Counter(
		"cabinbuddy.notifications.errors.total",
		metric.WithDescription("Total number of notification dispatch failures"),
		metric.WithUnit("{error}"),
	)

	return m
}
