// Package status serves a small read-only JSON view of the running bot.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"errorbot/internal/host"
	"errorbot/internal/runtime/supervisor"
	logx "errorbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

// Source provides module snapshots.
type Source interface {
	Snapshot() []host.ModuleStatus
	Module(name string) (host.ModuleStatus, bool)
}

type Option func(*Server)

func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

// WithForum reports the forum link state on /healthz.
func WithForum(connected func() bool) Option { return func(s *Server) { s.connected = connected } }

// WithPprof mounts net/http/pprof under /debug/pprof/.
func WithPprof(enabled bool) Option { return func(s *Server) { s.pprof = enabled } }

// WithLoops reports the app's supervised goroutines on /healthz.
func WithLoops(loops func() []supervisor.Stats) Option { return func(s *Server) { s.loops = loops } }

type Server struct {
	addr      string
	src       Source
	log       logx.Logger
	connected func() bool
	loops     func() []supervisor.Stats
	pprof     bool
	started   time.Time
	router    *mux.Router
}

func New(addr string, src Source, opts ...Option) *Server {
	if strings.TrimSpace(addr) == "" {
		addr = DefaultAddr
	}
	s := &Server{addr: addr, src: src, log: logx.Nop(), started: time.Now(), router: mux.NewRouter()}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/modules", s.handleModules).Methods(http.MethodGet)
	api.HandleFunc("/modules/{name}", s.handleModule).Methods(http.MethodGet)

	if s.pprof {
		dbg := s.router.PathPrefix("/debug/pprof").Subrouter()
		dbg.HandleFunc("/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/profile", hpprof.Profile)
		dbg.HandleFunc("/symbol", hpprof.Symbol)
		dbg.HandleFunc("/trace", hpprof.Trace)
		// Index also serves the named profiles (heap, goroutine, ...).
		dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
}

func (s *Server) Handler() http.Handler { return s.router }

type health struct {
	Status         string             `json:"status"`
	Uptime         string             `json:"uptime"`
	ForumConnected *bool              `json:"forum_connected,omitempty"`
	Modules        int                `json:"modules"`
	Running        int                `json:"running"`
	Loops          []supervisor.Stats `json:"loops,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Uptime: time.Since(s.started).Truncate(time.Second).String()}
	if s.src != nil {
		for _, m := range s.src.Snapshot() {
			h.Modules++
			if m.Running {
				h.Running++
			}
		}
	}
	code := http.StatusOK
	if s.connected != nil {
		c := s.connected()
		h.ForumConnected = &c
		if !c {
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.loops != nil {
		h.Loops = s.loops()
	}
	writeJSON(w, code, h)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	mods := []host.ModuleStatus{}
	if s.src != nil {
		mods = s.src.Snapshot()
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.src == nil {
		http.NotFound(w, r)
		return
	}
	st, ok := s.src.Module(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown module", "module": name})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if !isLoopbackAddr(s.addr) {
		s.log.Warn("status endpoint bound to a non-loopback address", logx.String("addr", s.addr))
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.log.Info("status endpoint listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
