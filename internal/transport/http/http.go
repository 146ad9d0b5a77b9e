package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/corray333/backend-labs/relay/internal/config"
	"github.com/corray333/backend-labs/relay/pkg/http/middleware/trace"
	"github.com/corray333/backend-labs/relay/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const readHeaderTimeout = 5 * time.Second

type service interface {
	PendingCount(ctx context.Context) (int64, error)
}

// HTTPTransport serves the operational endpoints of the relay.
type HTTPTransport struct {
	server  *http.Server
	router  *chi.Mux
	service service
}

func NewHTTPTransport(service service, cfg config.HTTPConfig, serviceName string) *HTTPTransport {
	router := newRouter(cfg.CORS, serviceName)
	server := newServer(router, cfg.Port)

	return &HTTPTransport{
		server:  server,
		router:  router,
		service: service,
	}
}

// Run listens until Shutdown is called; it returns nil on a graceful shutdown.
func (h *HTTPTransport) Run() error {
	if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown stops accepting requests and waits for active ones to finish.
func (h *HTTPTransport) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (h *HTTPTransport) Handler() http.Handler {
	return h.router
}

// RegisterRoutes registers the routes for the HTTPTransport.
func (h *HTTPTransport) RegisterRoutes() {
	h.router.Get("/healthz", h.healthz)
	h.router.Route("/api", func(r chi.Router) {
		r.Get("/outbox/pending", h.pending)
	})
}

func (h *HTTPTransport) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type pendingResponse struct {
	Pending int64 `json:"pending"`
}

func (h *HTTPTransport) pending(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.PendingCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		slog.ErrorContext(r.Context(), "Error counting pending outbox rows", "error", err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pendingResponse{Pending: count}); err != nil {
		slog.ErrorContext(r.Context(), "Error sending response", "error", err)
	}
}

func newRouter(cfg config.CORSConfig, serviceName string) *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(trace.NewTraceMiddleware(serviceName))
	router.Use(logger.NewLoggerMiddleware(slog.Default()))

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})

	router.Use(c.Handler)

	return router
}

func newServer(router http.Handler, port int) *http.Server {
	return &http.Server{
		Addr:              "0.0.0.0:" + strconv.Itoa(port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
