package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/crmrag/internal/api/middlewares"
	"github.com/markdave123-py/crmrag/internal/config"
	"github.com/markdave123-py/crmrag/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// RouterDeps is what the routes need.
type RouterDeps struct {
	Config   *config.Config
	Docs     *services.DocumentService
	Chat     *services.ChatService
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds and wires all routes.
func NewRouter(d RouterDeps) http.Handler {
	rs := handlers.NewResponder(d.Config.IsDevelopment(), d.Logger)
	docHandler := handlers.NewDocumentHandler(d.Docs, rs)
	chatHandler := handlers.NewChatHandler(d.Chat, rs)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		rs.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(d.Config.JWTSecret))

		api.Route("/documents", func(docs chi.Router) {
			docs.With(middleware.Timeout(60*time.Second)).Post("/upload", docHandler.UploadDocument)
			docs.Post("/", docHandler.CreateDocument)
			docs.Get("/", docHandler.GetDocuments)
			docs.Post("/search", docHandler.SearchDocuments)
			docs.Get("/{id}", docHandler.GetDocument)
			docs.Patch("/{id}", docHandler.UpdateDocument)
			docs.Delete("/{id}", docHandler.DeleteDocument)
		})

		api.Post("/chat/query", chatHandler.QueryDocument)
		api.Post("/chat/stream", chatHandler.StreamQuery)
	})

	return r
}

func NewServer(cfg *config.Config, handler http.Handler, logger *zap.Logger) *Server {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, logger: logger}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}
