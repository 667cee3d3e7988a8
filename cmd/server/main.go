package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HanTheDev/review-gateway/internal/admin"
	"github.com/HanTheDev/review-gateway/internal/api"
	"github.com/HanTheDev/review-gateway/internal/auth"
	"github.com/HanTheDev/review-gateway/internal/cache"
	"github.com/HanTheDev/review-gateway/internal/clock"
	"github.com/HanTheDev/review-gateway/internal/config"
	"github.com/HanTheDev/review-gateway/internal/credentials"
	"github.com/HanTheDev/review-gateway/internal/db"
	"github.com/HanTheDev/review-gateway/internal/logging"
	"github.com/HanTheDev/review-gateway/internal/provider"
	"github.com/HanTheDev/review-gateway/internal/ratelimit"
	"github.com/HanTheDev/review-gateway/internal/retry"
	"github.com/HanTheDev/review-gateway/internal/token"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	logCloser := logging.Setup(cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal("Failed to migrate database: ", err)
	}

	// Shared cache tier is optional
	var shared cache.Shared
	if cfg.RedisURL != "" {
		store, err := cache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to configure redis: ", err)
		}
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			log.WithError(err).Warn("server: redis unreachable at startup, continuing with in-process cache")
		}
		shared = store
	} else {
		log.Info("server: REDIS_URL not set, shared cache tier disabled")
	}

	responses := cache.New(shared, cache.WithSweepInterval(cfg.CacheSweepInterval))
	responses.Start(ctx)
	defer responses.Close()

	rotator, err := credentials.NewRotator(cfg.Credentials)
	if err != nil {
		log.Fatal("Failed to load OAuth clients: ", err)
	}
	log.Infof("server: %d OAuth client credential set(s) configured", rotator.Len())

	guard := ratelimit.NewQuotaGuard(ratelimit.Limits{
		MaxPerMinute:     cfg.MaxRequestsPerMinute,
		MaxPerDay:        cfg.MaxRequestsPerDay,
		CooldownTime:     cfg.CooldownTime,
		QuotaBackoffTime: cfg.QuotaBackoffTime,
	}, clock.Wall, database)
	go guard.Run(ctx)

	executor := retry.NewExecutor(retry.Config{
		MaxRetries:      cfg.MaxRetries,
		InitialDelay:    cfg.InitialRetryDelay,
		MaxDelay:        cfg.MaxRetryDelay,
		MaxQuotaRetries: cfg.MaxQuotaRetries,
	}, guard, rotator, clock.Wall)

	tokens := token.NewManager(database, rotator, cfg.OAuthTokenURL)

	providerAPI := provider.NewHTTPAPI(provider.Endpoints{
		Accounts:     cfg.AccountsAPIURL,
		BusinessInfo: cfg.BusinessInfoAPIURL,
		Reviews:      cfg.ReviewsAPIURL,
	}, nil)
	client := provider.NewClient(providerAPI, tokens, executor, responses, database)

	// Initialize router
	router := mux.NewRouter()
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)

	// Public routes
	router.HandleFunc("/health", healthHandler(database)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Admin routes
	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(authMiddleware.RequireAdmin)
	admin.NewAdminHandler(guard, rotator, responses, client, cfg.JWTSecret).RegisterRoutes(adminRouter)

	// Tenant routes
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(authMiddleware.Authenticate)
	api.NewHandler(client, guard).RegisterRoutes(apiRouter)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Server starting on port %s", cfg.ServerPort)
		log.Info("Admin API available at /admin/*")
		log.Info("Tenant API available at /api/*")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed: ", err)
		}
	}()

	<-ctx.Done()
	log.Info("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server: graceful shutdown failed")
	}
}

func healthHandler(database *db.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"version": "1.0.0",
		})
	}
}
