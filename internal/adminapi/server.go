// Package adminapi exposes the narrow HTTP surface an operator (or the
// CLI wrapper) uses to drive the pool core: pause/resume/suspend a
// pool, kill a database, force a config reload, and read stats. The
// admin command *grammar* (spec.md's external console concern) stays
// out of the core; this package only ever calls the handful of typed
// operations Bouncer exports.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gobouncer/gobouncer/internal/bouncer"
)

// Server wraps a gorilla/mux router over one Bouncer instance.
type Server struct {
	b      *bouncer.Bouncer
	router *mux.Router
	srv    *http.Server
	reload func() error
}

// New builds the router. reload is called by POST /reload to re-read
// the configuration file; it may be nil in tests.
func New(b *bouncer.Bouncer, reload func() error) *Server {
	s := &Server{b: b, router: mux.NewRouter(), reload: reload}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	s.router.HandleFunc("/pools/{database}/{user}/pause", s.pause).Methods(http.MethodPost)
	s.router.HandleFunc("/pools/{database}/{user}/resume", s.resume).Methods(http.MethodPost)
	s.router.HandleFunc("/pools/{database}/{user}/suspend", s.suspend).Methods(http.MethodPost)
	s.router.HandleFunc("/databases/{name}/kill", s.kill).Methods(http.MethodPost)
	s.router.HandleFunc("/reload", s.doReload).Methods(http.MethodPost)
	s.router.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the http.Handler to mount.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on addr in its own goroutine.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	default:
	}
	return nil
}

// Stop closes the HTTP server and its open connections immediately.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.AllStats())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	s.b.Pause(v["database"], v["user"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	s.b.Resume(v["database"], v["user"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) suspend(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	s.b.Suspend(v["database"], v["user"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) kill(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	s.b.KillDatabase(v["name"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) doReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	if err := s.reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
