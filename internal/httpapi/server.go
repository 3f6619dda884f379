package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mmcdole/kinoedge/internal/domain"
	"github.com/mmcdole/kinoedge/internal/metrics"
	"github.com/mmcdole/kinoedge/internal/offline"
	"github.com/mmcdole/kinoedge/internal/progress"
)

// Server exposes the progress API, controller endpoints and the caching proxy
type Server struct {
	controller *offline.Controller
	progress   *progress.Store
	origin     *url.URL
	logger     *slog.Logger

	keepAlive time.Duration

	router *chi.Mux
	proxy  *httputil.ReverseProxy
	server *http.Server

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKeepAlive sets how often idle event streams send a comment line
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// NewServer wires the router. Requests no local route claims are proxied to
// origin through the controller.
func NewServer(controller *offline.Controller, store *progress.Store, origin *url.URL, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		progress:   store,
		origin:     origin,
		logger:     slog.Default(),
		keepAlive:  15 * time.Second,
		router:     chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "httpapi")
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.proxy = s.newProxy()
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	s.logger.Info("listening", "addr", addr, "origin", s.origin.String())
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends open event streams, then drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/progress", func(r chi.Router) {
		r.Get("/", s.handleListProgress)
		r.Put("/", s.handlePutProgress)
		r.Delete("/", s.handleClearProgress)
		r.Get("/{id}", s.handleGetProgress)
		r.Delete("/{id}", s.handleDeleteProgress)
	})

	r.Route("/sw", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})

	r.Handle("/*", s.proxy)
}

func (s *Server) newProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.origin)
			pr.SetXForwarded()
		},
		Transport:     s.controller,
		FlushInterval: -1,
		ErrorHandler:  s.proxyError,
	}
}

// proxyError maps controller failures to gateway responses
func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, domain.ErrOffline) {
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("client went away", "path", r.URL.Path)
		return
	}
	s.logger.Warn("upstream request failed", "path", r.URL.Path, "status", status, "error", err)
	w.WriteHeader(status)
}
