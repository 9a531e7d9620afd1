// Package metrics exposes Prometheus instrumentation for the pool
// scheduler and janitor, relabeled per (database, user) pool instead
// of the teacher's per-tenant labeling.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric gobouncer registers.
type Collector struct {
	Registry *prometheus.Registry

	poolClientsActive  *prometheus.GaugeVec
	poolClientsWaiting *prometheus.GaugeVec
	poolServersIdle    *prometheus.GaugeVec
	poolServersActive  *prometheus.GaugeVec
	poolServersUsed    *prometheus.GaugeVec
	poolServersTested  *prometheus.GaugeVec

	acquireDuration     *prometheus.HistogramVec
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	serverDisconnectsTotal *prometheus.CounterVec
	recheckLaunchesTotal   *prometheus.CounterVec
	poolExhaustedTotal     *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	labels := []string{"database", "user"}

	c := &Collector{
		Registry: reg,
		poolClientsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobouncer_pool_clients_active", Help: "Active client connections per pool",
		}, labels),
		poolClientsWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobouncer_pool_clients_waiting", Help: "Clients waiting for a backend per pool",
		}, labels),
		poolServersIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobouncer_pool_servers_idle", Help: "Idle backend connections per pool",
		}, labels),
		poolServersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobouncer_pool_servers_active", Help: "Active backend connections per pool",
		}, labels),
		poolServersUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobouncer_pool_servers_used", Help: "Used (not yet reset) backend connections per pool",
		}, labels),
		poolServersTested: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobouncer_pool_servers_tested", Help: "Backend connections under health recheck per pool",
		}, labels),
		acquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gobouncer_acquire_duration_seconds", Help: "Time a client waited for a backend",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, labels),
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobouncer_transactions_total", Help: "Completed transactions per pool",
		}, labels),
		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gobouncer_transaction_duration_seconds", Help: "Backend hold time per transaction",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, labels),
		sessionPinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobouncer_session_pins_total", Help: "Session pin events by reason",
		}, []string{"database", "user", "reason"}),
		backendResetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobouncer_backend_resets_total", Help: "Backend reset-query results",
		}, []string{"database", "user", "status"}),
		dirtyDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobouncer_dirty_disconnects_total", Help: "Client disconnects mid-transaction",
		}, labels),
		serverDisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobouncer_server_disconnects_total", Help: "Backend connections closed by the janitor, by reason",
		}, []string{"database", "reason"}),
		recheckLaunchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobouncer_recheck_launches_total", Help: "New backend connections launched by launch_recheck",
		}, labels),
		poolExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobouncer_pool_exhausted_total", Help: "Times a client gave up waiting for a backend",
		}, labels),
	}

	reg.MustRegister(
		c.poolClientsActive, c.poolClientsWaiting,
		c.poolServersIdle, c.poolServersActive, c.poolServersUsed, c.poolServersTested,
		c.acquireDuration, c.transactionsTotal, c.transactionDuration,
		c.sessionPinsTotal, c.backendResetsTotal, c.dirtyDisconnects,
		c.serverDisconnectsTotal, c.recheckLaunchesTotal, c.poolExhaustedTotal,
	)
	return c
}

// UpdatePoolStats sets every per-pool gauge from a scheduler snapshot.
func (c *Collector) UpdatePoolStats(database, user string, clActive, clWaiting, svIdle, svActive, svUsed, svTested int) {
	c.poolClientsActive.WithLabelValues(database, user).Set(float64(clActive))
	c.poolClientsWaiting.WithLabelValues(database, user).Set(float64(clWaiting))
	c.poolServersIdle.WithLabelValues(database, user).Set(float64(svIdle))
	c.poolServersActive.WithLabelValues(database, user).Set(float64(svActive))
	c.poolServersUsed.WithLabelValues(database, user).Set(float64(svUsed))
	c.poolServersTested.WithLabelValues(database, user).Set(float64(svTested))
}

// AcquireDuration records how long a client waited for a backend.
func (c *Collector) AcquireDuration(database, user string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// TransactionCompleted records one finished transaction.
func (c *Collector) TransactionCompleted(database, user string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database, user).Inc()
	c.transactionDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// SessionPinned records a pin event with its cause.
func (c *Collector) SessionPinned(database, user, reason string) {
	c.sessionPinsTotal.WithLabelValues(database, user, reason).Inc()
}

// BackendReset records a reset-query outcome.
func (c *Collector) BackendReset(database, user string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(database, user, status).Inc()
}

// DirtyDisconnect records a mid-transaction client disconnect.
func (c *Collector) DirtyDisconnect(database, user string) {
	c.dirtyDisconnects.WithLabelValues(database, user).Inc()
}

// ServerDisconnected records a janitor-initiated close with its reason.
func (c *Collector) ServerDisconnected(database, reason string) {
	c.serverDisconnectsTotal.WithLabelValues(database, reason).Inc()
}

// RecheckLaunched records launch_recheck dialing a new backend.
func (c *Collector) RecheckLaunched(database, user string) {
	c.recheckLaunchesTotal.WithLabelValues(database, user).Inc()
}

// PoolExhausted records a client giving up while waiting.
func (c *Collector) PoolExhausted(database, user string) {
	c.poolExhaustedTotal.WithLabelValues(database, user).Inc()
}

// RemovePool removes every metric series labeled with one pool's
// (database, user) pair; the per-database disconnect counter is kept. E.g. after its
// database is garbage-collected (auto-database GC).
func (c *Collector) RemovePool(database, user string) {
	c.poolClientsActive.DeleteLabelValues(database, user)
	c.poolClientsWaiting.DeleteLabelValues(database, user)
	c.poolServersIdle.DeleteLabelValues(database, user)
	c.poolServersActive.DeleteLabelValues(database, user)
	c.poolServersUsed.DeleteLabelValues(database, user)
	c.poolServersTested.DeleteLabelValues(database, user)
	c.poolExhaustedTotal.DeleteLabelValues(database, user)
	c.acquireDuration.DeleteLabelValues(database, user)
	c.transactionsTotal.DeleteLabelValues(database, user)
	c.transactionDuration.DeleteLabelValues(database, user)
	c.dirtyDisconnects.DeleteLabelValues(database, user)
	c.recheckLaunchesTotal.DeleteLabelValues(database, user)
	pool := prometheus.Labels{"database": database, "user": user}
	c.sessionPinsTotal.DeletePartialMatch(pool)
	c.backendResetsTotal.DeletePartialMatch(pool)
}
