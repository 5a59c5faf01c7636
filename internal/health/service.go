// Package health serves the operational HTTP endpoint: /healthz with a
// JSON snapshot of process and storage state, /metrics for Prometheus
// scrapes, and optionally the pprof handlers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cellarsight/internal/runtime/supervisor"
	"cellarsight/internal/storage"
	"cellarsight/pkg/logx"
)

// Config controls the health HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StorageHealth reports storage connection and process state.
type StorageHealth interface {
	Health() storage.Health
}

// JobLister reports the job types currently executing.
type JobLister interface {
	Running() []string
}

// Report is the /healthz response body.
type Report struct {
	storage.Health
	RunningJobs []string            `json:"running_jobs"`
	Goroutines  supervisor.Counters `json:"supervised"`
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	store StorageHealth
	jobs  JobLister
	sup   *supervisor.Supervisor
	reg   *prometheus.Registry

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, log logx.Logger, store StorageHealth, jobs JobLister, sup *supervisor.Supervisor, reg *prometheus.Registry) *Service {
	return &Service{cfg: cfg, log: log, store: store, jobs: jobs, sup: sup, reg: reg}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr || a.Token != b.Token {
		return true
	}
	if a.AllowInsecure != b.AllowInsecure || a.Pprof != b.Pprof {
		return true
	}
	// Timeouts affect server behavior; easiest is restart.
	return a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// If stop is in progress, wait for it (avoid double listen).
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				// loop
			case <-ctx.Done():
				return
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}

		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = "127.0.0.1:8090"
		}

		// Safety: prevent accidental public exposure without auth.
		if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			if !s.log.IsZero() {
				s.log.Error("health refused to start: non-loopback addr requires token or allow_insecure",
					logx.String("addr", addr))
			}
			return
		}
		if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			if !s.log.IsZero() {
				s.log.Warn("health running without token on non-loopback addr (insecure)",
					logx.String("addr", addr))
			}
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if !s.log.IsZero() {
				s.log.Error("health listen failed", logx.String("addr", addr), logx.Any("err", err))
			}
			return
		}

		mux := http.NewServeMux()
		wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(cur.Token, h) }

		mux.HandleFunc("/healthz", wrap(s.handleHealthz))
		if s.reg != nil {
			metricsHandler := promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
			mux.HandleFunc("/metrics", wrap(metricsHandler.ServeHTTP))
		}
		if cur.Pprof {
			mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
			mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
			mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
			mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
			mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
		}

		srv := &http.Server{
			Handler:      mux,
			ReadTimeout:  cur.ReadTimeout,
			WriteTimeout: cur.WriteTimeout,
			IdleTimeout:  cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				if !s.log.IsZero() {
					s.log.Error("health server stopped with error", logx.Any("err", err))
				}
			}
		}()

		if !s.log.IsZero() {
			s.log.Info("health endpoint started",
				logx.String("addr", ln.Addr().String()),
				logx.Bool("token_set", cur.Token != ""),
				logx.Bool("pprof", cur.Pprof))
		}
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	// Close the listener even if Shutdown is stuck.
	if ln != nil {
		_ = ln.Close()
	}

	go func() {
		defer close(done)
		shutdownCtx := ctx
		if shutdownCtx == nil {
			shutdownCtx = context.Background()
		}
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Addr reports the bound listener address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	rep := Report{RunningJobs: []string{}}
	if s.store != nil {
		rep.Health = s.store.Health()
	} else {
		rep.Status = "ok"
	}
	if s.jobs != nil {
		if running := s.jobs.Running(); running != nil {
			rep.RunningJobs = running
		}
	}
	rep.Goroutines = s.sup.Counters()

	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	// addr is host:port; empty host means all interfaces.
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
