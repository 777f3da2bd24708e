// Пакет server — HTTP-сервер tempshare: маршруты chi, TLS, graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
	"github.com/bigkaa/tempshare/internal/api/handlers"
	"github.com/bigkaa/tempshare/internal/api/middleware"
	"github.com/bigkaa/tempshare/internal/api/openapi"
	"github.com/bigkaa/tempshare/internal/config"
)

// Handlers — обработчики, из которых собирается роутер.
// Admin и Auth могут быть nil: тогда admin API не монтируется.
type Handlers struct {
	Session  *handlers.SessionHandler
	Upload   *handlers.UploadHandler
	Download *handlers.DownloadHandler
	Config   *handlers.ConfigHandler
	Health   *handlers.HealthHandler
	Admin    *handlers.AdminHandler
	Auth     *middleware.JWTAuth
	// Limiter — ограничение частоты handshake и загрузок
	Limiter *middleware.RateLimiter
}

// Server — HTTP-сервер tempshare.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает chi-роутер со всеми маршрутами.
func NewRouter(cfg *config.Config, logger *slog.Logger, h Handlers) chi.Router {
	router := chi.NewRouter()

	router.Use(chimw.Recoverer)
	router.Use(middleware.ClientIP(cfg.TrustProxy))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Маршрут не найден")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.WriteError(w, http.StatusMethodNotAllowed, apierrors.CodeValidationError, "Метод не поддерживается")
	})

	// Ops
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/api/v1/openapi.yaml", openapi.Handler)
	router.Get("/api/v1/config", h.Config.GetConfig)

	// Скачивание
	router.Get("/d/{fileId}", h.Download.Download)
	router.Get("/api/v1/files/{fileId}/download", h.Download.Download)

	// Сессии и загрузка — с ограничением частоты
	router.Group(func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware())
		}
		r.Post("/api/v1/session", h.Session.Handshake)
		r.Post("/api/v1/upload", h.Upload.Upload)
	})
	router.Post("/api/v1/session/heartbeat", h.Session.Heartbeat)

	// Admin API — JWT + scope
	if h.Admin != nil && h.Auth != nil {
		router.Route("/api/v1/admin", func(r chi.Router) {
			r.Use(h.Auth.Middleware())
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))

			r.Get("/files", h.Admin.ListFiles)
			r.Delete("/files/{fileId}", h.Admin.PurgeFile)
			r.Post("/sweep", h.Admin.RunSweep)
			r.Post("/reconcile", h.Admin.Reconcile)
			r.Get("/mode", h.Admin.GetMode)
			r.Post("/mode", h.Admin.TransitionMode)
		})
	}

	return router
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(cfg, logger, h),
		ReadHeaderTimeout: 10 * time.Second,
		// Загрузка и отдача больших файлов: без общего WriteTimeout/ReadTimeout
		IdleTimeout: 120 * time.Second,
	}

	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// Run запускает сервер и блокируется до отмены ctx или ошибки сервера.
// После отмены ctx выполняется graceful shutdown с таймаутом TS_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
