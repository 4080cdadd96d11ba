package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinicore_db_operation_duration_seconds",
		Help:    "Duration of database operations",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation", "result"})

	slowOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicore_db_slow_operations_total",
		Help: "Count of operations that exceeded the slow threshold",
	}, []string{"operation"})

	poolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clinicore_pool_connections",
		Help: "Pool connections by state (active, idle, waiting)",
	}, []string{"pool", "state"})

	poolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clinicore_pool_utilization_ratio",
		Help: "Active connections divided by the pool maximum",
	}, []string{"pool"})

	poolAcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinicore_pool_acquire_duration_seconds",
		Help:    "Time spent waiting for a pooled connection",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool", "result"})

	poolDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicore_pool_discarded_connections_total",
		Help: "Connections closed by the pool, by reason",
	}, []string{"pool", "reason"})

	tenantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicore_tenant_isolation_violations_total",
		Help: "Rejected cross-tenant access attempts",
	}, []string{"operation"})

	auditRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicore_audit_records_total",
		Help: "Audit records written, by entity type and action",
	}, []string{"entity_type", "action"})

	migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicore_migrations_total",
		Help: "Migration transitions by direction and result",
	}, []string{"direction", "result"})
)

// ObserveOperation records the duration of a database operation with a result label
func ObserveOperation(operation, result string, duration time.Duration) {
	operationDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// ObserveSlowOperation increments the slow operation counter
func ObserveSlowOperation(operation string) {
	slowOperations.WithLabelValues(operation).Inc()
}

// SetPoolStats publishes a pool snapshot.
func SetPoolStats(pool string, active, idle, waiting int, utilization float64) {
	poolConnections.WithLabelValues(pool, "active").Set(float64(active))
	poolConnections.WithLabelValues(pool, "idle").Set(float64(idle))
	poolConnections.WithLabelValues(pool, "waiting").Set(float64(waiting))
	poolUtilization.WithLabelValues(pool).Set(utilization)
}

// ObserveAcquire records how long an acquisition took and how it ended
func ObserveAcquire(pool, result string, duration time.Duration) {
	poolAcquireDuration.WithLabelValues(pool, result).Observe(duration.Seconds())
}

// ObserveDiscard counts a connection closed by the pool
func ObserveDiscard(pool, reason string) {
	poolDiscards.WithLabelValues(pool, reason).Inc()
}

// ObserveTenantViolation counts a denied cross-tenant access
func ObserveTenantViolation(operation string) {
	tenantViolations.WithLabelValues(operation).Inc()
}

// ObserveAuditRecord counts a committed audit record
func ObserveAuditRecord(entityType, action string) {
	auditRecords.WithLabelValues(entityType, action).Inc()
}

// ObserveMigration counts an apply or revert attempt
func ObserveMigration(direction, result string) {
	migrations.WithLabelValues(direction, result).Inc()
}
