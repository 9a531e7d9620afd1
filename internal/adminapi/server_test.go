package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gobouncer/gobouncer/internal/bouncer"
	"github.com/gobouncer/gobouncer/internal/metrics"
)

func newTestBouncer(t *testing.T) *bouncer.Bouncer {
	t.Helper()
	b := bouncer.New(metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	b.SetDatabase(&bouncer.PgDatabase{Name: "mydb", Host: "127.0.0.1", Port: 5432, DBName: "mydb", PoolSize: 5})
	b.SetUser(&bouncer.PgUser{Name: "alice", Password: "secret"})
	return b
}

func TestStatsEndpointReturnsJSONArray(t *testing.T) {
	b := newTestBouncer(t)
	s := New(b, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats []bouncer.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	b := newTestBouncer(t)
	s := New(b, nil)

	req := httptest.NewRequest(http.MethodPost, "/pools/mydb/alice/pause", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/pools/mydb/alice/resume", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rec.Code)
	}
}

func TestReloadNotConfigured(t *testing.T) {
	b := newTestBouncer(t)
	s := New(b, nil)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d when no reload func is configured", rec.Code, http.StatusNotImplemented)
	}
}

func TestReloadInvokesConfiguredFunc(t *testing.T) {
	b := newTestBouncer(t)
	called := false
	s := New(b, func() error {
		called = true
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Errorf("reload: status=%d called=%v, want 200/true", rec.Code, called)
	}
}

func TestReadyEndpoint(t *testing.T) {
	b := newTestBouncer(t)
	s := New(b, nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !body["ready"] {
		t.Errorf("/ready should report ready=true")
	}
}

func TestKillDatabaseEndpoint(t *testing.T) {
	b := newTestBouncer(t)
	s := New(b, nil)

	req := httptest.NewRequest(http.MethodPost, "/databases/mydb/kill", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("kill status = %d, want 200", rec.Code)
	}
}
