package api

import (
	"log/slog"
	"net/http"
	"time"

	"loan-workflow/internal/api/handler"
	mw "loan-workflow/internal/api/middleware"
	"loan-workflow/internal/config"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/domain/loan"

	_ "loan-workflow/docs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/traceid"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
)

func SetupRouter(loanService loan.Service, resolver identity.Resolver, limiter *mw.RateLimiterMiddleware, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	router := chi.NewRouter()

	setupMiddleware(router, limiter, logger)
	setupMetricsEndpoint(router, cfg, logger)
	setupAuthRoutes(router, cfg, resolver, logger)
	setupLoanRoutes(router, loanService, resolver, cfg, logger)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	setupSwaggerEndpoint(router, logger)

	return router
}

func setupMiddleware(router *chi.Mux, limiter *mw.RateLimiterMiddleware, logger *slog.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(traceid.Middleware)
	router.Use(mw.StructuredLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Compress(5))
	router.Use(middleware.Timeout(60 * time.Second))
	if limiter != nil {
		router.Use(limiter.Middleware)
	}
	router.Use(mw.MetricsMiddleware())
}

func setupMetricsEndpoint(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	metricsPath := cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	logger.Info("Setting up Prometheus metrics endpoint", "path", metricsPath)
	router.Handle(metricsPath, promhttp.Handler())
}

func setupSwaggerEndpoint(router *chi.Mux, logger *slog.Logger) {
	logger.Info("Setting up Swagger UI endpoint", "path", "/swagger/")
	router.Get("/swagger/*", httpSwagger.WrapHandler)
	router.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/swagger/index.html", http.StatusMovedPermanently)
	})
}

// setupAuthRoutes exposes token issuance only when explicitly enabled.
func setupAuthRoutes(router *chi.Mux, cfg *config.Config, resolver identity.Resolver, logger *slog.Logger) {
	if !cfg.Server.Auth.IssueTokens {
		return
	}
	logger.Warn("Token issuing endpoint enabled", "path", "/auth/token")
	authHandler := handler.NewAuthHandler(cfg.Server.Auth, resolver, logger)
	router.Route("/auth", func(r chi.Router) {
		r.Post("/token", authHandler.GenerateBearerToken)
	})
}

func setupLoanRoutes(router *chi.Mux, loanService loan.Service, resolver identity.Resolver, cfg *config.Config, logger *slog.Logger) {
	loanHandler := handler.NewLoanHandler(loanService, logger)

	router.Route("/loans", func(r chi.Router) {
		r.Use(mw.AuthMiddleware(cfg.Server.Auth, resolver, logger))
		r.Post("/", loanHandler.SubmitLoan)
		r.Get("/", loanHandler.ListLoans)
		r.Get("/stats", loanHandler.GetStats)
		r.Route("/{loanID}", func(r chi.Router) {
			r.Get("/", loanHandler.GetLoan)
			r.Delete("/", loanHandler.DeleteLoan)
			r.Post("/resubmit", loanHandler.Resubmit)
			r.Post("/officer-review", loanHandler.OfficerReview)
			r.Post("/manager-review", loanHandler.ManagerReview)
			r.Post("/gm-review", loanHandler.GMReview)
			r.Post("/disburse", loanHandler.Disburse)
			r.Post("/notes", loanHandler.AddNote)
		})
	})
}
