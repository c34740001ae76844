// Package httpd serves health, metrics, pprof and a read-only JSON view of
// the medication catalog over HTTP.
package httpd

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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"medtime/internal/alarm"
	"medtime/internal/medication"
	"medtime/internal/runtime/supervisor"
	"medtime/pkg/logx"
)

// Config controls the optional HTTP server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:8089"

// Sources feeds the read-only endpoints. Nil fields answer 404.
type Sources struct {
	Medications func(ctx context.Context) ([]medication.Medication, error)
	Upcoming    func(ctx context.Context) ([]medication.Upcoming, error)
	Rings       func() []alarm.RingInfo
	Tasks       func() any
	Health      func() []supervisor.Stats
	Metrics     http.Handler
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	src Sources
	log logx.Logger

	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, src: src, log: log.Component("httpd")}
}

// Handler builds the router for the current config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	token := s.cfg.Token
	s.mu.Unlock()
	return s.routes(token)
}

func (s *Server) routes(token string) http.Handler {
	token = strings.TrimSpace(token)
	r := chi.NewRouter()
	r.Use(
		chimw.Recoverer,
		chimw.RealIP,
		chimw.CleanPath,
		chimw.Timeout(30*time.Second),
	)

	r.Get("/healthz", s.health)

	r.Group(func(pr chi.Router) {
		pr.Use(bearer(token))
		if s.src.Metrics != nil {
			pr.Method(http.MethodGet, "/metrics", s.src.Metrics)
		}
		pr.Route("/debug/pprof", func(dr chi.Router) {
			dr.Get("/", hpprof.Index)
			dr.Get("/cmdline", hpprof.Cmdline)
			dr.Get("/profile", hpprof.Profile)
			dr.Get("/symbol", hpprof.Symbol)
			dr.Post("/symbol", hpprof.Symbol)
			dr.Get("/trace", hpprof.Trace)
			dr.Get("/{profile}", func(w http.ResponseWriter, r *http.Request) {
				hpprof.Handler(chi.URLParam(r, "profile")).ServeHTTP(w, r)
			})
		})
		pr.Route("/api", func(ar chi.Router) {
			ar.Get("/medications", s.medications)
			ar.Get("/upcoming", s.upcoming)
			ar.Get("/rings", s.rings)
			ar.Get("/tasks", s.tasks)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	var stats []supervisor.Stats
	if s.src.Health != nil {
		stats = s.src.Health()
	}
	status := http.StatusOK
	for _, st := range stats {
		if st.Active == 0 && st.LastErr != "" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]any{
		"ok":         status == http.StatusOK,
		"time":       time.Now().UTC(),
		"goroutines": stats,
	})
}

func (s *Server) medications(w http.ResponseWriter, r *http.Request) {
	if s.src.Medications == nil {
		http.NotFound(w, r)
		return
	}
	meds, err := s.src.Medications(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meds)
}

func (s *Server) upcoming(w http.ResponseWriter, r *http.Request) {
	if s.src.Upcoming == nil {
		http.NotFound(w, r)
		return
	}
	ups, err := s.src.Upcoming(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ups)
}

func (s *Server) rings(w http.ResponseWriter, r *http.Request) {
	if s.src.Rings == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.src.Rings())
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	if s.src.Tasks == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.src.Tasks())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>. An empty
// token disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != token {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Reconfigure applies cfg, starting, stopping or restarting the server as
// needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

// Start binds the listener and serves until Stop or ctx is done. It is a
// no-op when disabled or already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return errors.New("httpd: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("serving without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.routes(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go("http.shutdown", func(c context.Context) error {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	s.srv, s.sup = srv, sup
	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop shuts the server down, waiting at most until ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("http stopped")
}

// Supervisor returns the serving supervisor, nil when stopped.
func (s *Server) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func isLoopbackAddr(addr string) bool {
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
	return ip != nil && ip.IsLoopback()
}
