package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UpdatePoolStats("mydb", "alice", 3, 1, 2, 3, 0, 0)

	if got := getGaugeValue(c.poolClientsActive.WithLabelValues("mydb", "alice")); got != 3 {
		t.Errorf("clients active = %v, want 3", got)
	}
	if got := getGaugeValue(c.poolServersIdle.WithLabelValues("mydb", "alice")); got != 2 {
		t.Errorf("servers idle = %v, want 2", got)
	}
}

func TestTransactionCompleted(t *testing.T) {
	c, _ := newTestCollector(t)
	c.TransactionCompleted("mydb", "alice", 50*time.Millisecond)
	if got := getCounterValue(c.transactionsTotal.WithLabelValues("mydb", "alice")); got != 1 {
		t.Errorf("transactions total = %v, want 1", got)
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SessionPinned("mydb", "alice", "named prepared statement")
	if got := getCounterValue(c.sessionPinsTotal.WithLabelValues("mydb", "alice", "named prepared statement")); got != 1 {
		t.Errorf("session pins total = %v, want 1", got)
	}
}

func TestBackendReset(t *testing.T) {
	c, _ := newTestCollector(t)
	c.BackendReset("mydb", "alice", true)
	c.BackendReset("mydb", "alice", false)
	if got := getCounterValue(c.backendResetsTotal.WithLabelValues("mydb", "alice", "success")); got != 1 {
		t.Errorf("success resets = %v, want 1", got)
	}
	if got := getCounterValue(c.backendResetsTotal.WithLabelValues("mydb", "alice", "failure")); got != 1 {
		t.Errorf("failure resets = %v, want 1", got)
	}
}

func TestRemovePool(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UpdatePoolStats("mydb", "alice", 1, 0, 1, 0, 0, 0)
	c.RemovePool("mydb", "alice")
	if got := getGaugeValue(c.poolClientsActive.WithLabelValues("mydb", "alice")); got != 0 {
		t.Errorf("clients active after remove = %v, want 0", got)
	}
}
