package httpsrv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sealedchat/conv-gateway/config"
)

// Server owns the gateway's HTTP listeners: the main one carrying the
// client surface (WS, SSE, session/rooms/inbox API) and, when configured,
// a second ops listener isolating /metrics and /v1/stats from client
// traffic.
type Server struct {
	main *http.Server
	ops  *http.Server
	log  *slog.Logger

	shutdownTimeout time.Duration
}

// NewRouter builds the shared router base: panic recovery, real client
// IPs behind proxies, and a debug-level access log.
func NewRouter(log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(recoverer(log))
	r.Use(accessLog(log))
	return r
}

// NewOpsRouter is the second mux for the ops listener. When
// server.ops_listen is empty the handlers register the ops routes on the
// main mux instead and this one goes unused.
func NewOpsRouter(log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer(log))
	return r
}

func New(cfg *config.Config, mux *chi.Mux, ops *chi.Mux, log *slog.Logger) *Server {
	s := &Server{
		main: &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
			IdleTimeout:       cfg.Server.IdleTimeout(),
		},
		log:             log,
		shutdownTimeout: cfg.Server.ShutdownTimeout(),
	}
	if cfg.Server.OpsListen != "" {
		s.ops = &http.Server{
			Addr:              cfg.Server.OpsListen,
			Handler:           ops,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
			IdleTimeout:       cfg.Server.IdleTimeout(),
		}
	}
	return s
}

// Start binds the listeners synchronously so a bad address fails startup,
// then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.main.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http server listening", "addr", ln.Addr().String())
	go s.serve(s.main, ln)

	if s.ops != nil {
		opsLn, err := net.Listen("tcp", s.ops.Addr)
		if err != nil {
			_ = s.main.Close()
			return err
		}
		s.log.Info("ops server listening", "addr", opsLn.Addr().String())
		go s.serve(s.ops, opsLn)
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("HTTP_SERVER_FAILED", "addr", srv.Addr, "err", err)
	}
}

// Stop drains in-flight requests within the configured shutdown budget.
// Hijacked connections (WS, SSE) are unwound by their own handlers through
// fx shutdown ordering before this runs.
func (s *Server) Stop(ctx context.Context) error {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	var err error
	if s.ops != nil {
		err = s.ops.Shutdown(ctx)
	}
	if mainErr := s.main.Shutdown(ctx); mainErr != nil {
		return mainErr
	}
	return err
}

func recoverer(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("PANIC_RECOVERED",
						"err", rec,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
