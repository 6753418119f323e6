package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /health and /metrics on a local address.
type Server struct {
	addr    string
	running atomic.Bool

	mu     sync.RWMutex
	checks map[string]func() bool

	srv *http.Server
	ln  net.Listener
}

func New(addr string, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:   addr,
		checks: make(map[string]func() bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) SetRunning(ok bool) {
	s.running.Store(ok)
}

// AddCheck registers a named check evaluated on every /health request.
func (s *Server) AddCheck(name string, check func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Listen binds the address so a taken port fails at startup rather than
// after the daemon is already running.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr is the bound address once Listen succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown is called. It binds the address itself
// unless Listen was called first.
func (s *Server) Serve() error {
	var err error
	if s.ln != nil {
		err = s.srv.Serve(s.ln)
	} else {
		err = s.srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type status struct {
	Running bool            `json:"running"`
	Checks  map[string]bool `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := status{Running: s.running.Load(), Checks: map[string]bool{}}

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resp.Checks[name] = s.checks[name]()
	}
	s.mu.RUnlock()

	code := http.StatusOK
	if !resp.Running {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
