package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voh_site_echo/internal/config"
	"voh_site_echo/internal/handlers"
	authMiddleware "voh_site_echo/internal/middleware"
	"voh_site_echo/internal/metrics"
	"voh_site_echo/internal/services"
	"voh_site_echo/internal/tasks"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	metrics.Register()

	// Initialize Database
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Redis is optional: without it tokens stay per-process, polls are not locked and rate limiting is off
	var cache *services.RedisCache
	if cfg.RedisURL != "" {
		cache, err = services.NewRedisCache(cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			log.Printf("Warning: Redis connection failed: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	} else {
		log.Println("Warning: REDIS_URL not set, running without shared cache")
	}

	if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
		log.Println("Warning: Stripe keys not fully configured, card donations will fail")
	}
	stripeService := services.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)

	if cfg.MpesaConsumerKey == "" || cfg.MpesaShortcode == "" || cfg.MpesaPasskey == "" {
		log.Println("Warning: M-Pesa credentials not fully configured, STK pushes will fail")
	}
	var tokenStore services.TokenStore
	if cache != nil {
		tokenStore = services.NewRedisTokenStore(cache)
	}
	mpesaService := services.NewMpesaService(services.MpesaConfig{
		BaseURL:         cfg.MpesaBaseURL,
		ConsumerKey:     cfg.MpesaConsumerKey,
		ConsumerSecret:  cfg.MpesaConsumerSecret,
		Shortcode:       cfg.MpesaShortcode,
		Passkey:         cfg.MpesaPasskey,
		TransactionType: cfg.MpesaTransactionType,
		CallbackURL:     cfg.MpesaCallbackEndpoint(),
		Timeout:         cfg.HTTPClientTimeout(),
	}, services.NewCredentialCache(tokenStore), logger)

	donationService := services.NewDonationService(services.NewDonationStore(db), stripeService, mpesaService, services.DonationServiceConfig{
		DefaultCardCurrency:    cfg.DefaultCardCurrency,
		AccountReferencePrefix: cfg.MpesaAccountReferencePrefix,
		Poll: services.PollPolicy{
			MaxAttempts: cfg.PollMaxAttempts,
			Interval:    cfg.PollInterval(),
		},
	}, logger)
	donationService.SetObserver(tasks.NewScheduler(db, cfg.PollInitialDelay(), logger))
	if cache != nil {
		donationService.SetLocker(cache)
	}

	// Initialize Firebase
	ctx := context.Background()
	authClient, err := services.InitFirebase(ctx, cfg.FirebaseCredentialsPath)
	if err != nil {
		log.Printf("Warning: Firebase initialization failed: %v", err)
		log.Println("Admin routes will not work until valid credentials are provided")
	}
	var verifier authMiddleware.TokenVerifier
	var issuer handlers.SessionIssuer
	if authClient != nil {
		verifier = authClient
		issuer = authClient
	}

	var limiter authMiddleware.RateLimiter
	if cache != nil {
		limiter = services.NewRedisRateLimiter(cache.Client(), cfg.RedisKeyPrefix)
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = authMiddleware.CustomErrorHandler

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	donationHandler := handlers.NewDonationHandler(donationService, stripeService, cfg.MpesaCallbackToken, logger)
	adminHandler := handlers.NewAdminHandler(donationService)
	authHandler := handlers.NewAuthHandler(issuer, isHTTPS(cfg.AppURL))

	// Public donation routes
	initiateLimit := authMiddleware.RateLimit(limiter, "initiate", cfg.InitiateRateLimitPerMinute, time.Minute)
	api := e.Group("/api")
	api.POST("/donations/initiate", donationHandler.Initiate, initiateLimit)
	api.POST("/create-payment-intent", donationHandler.InitiateCard, initiateLimit)
	api.POST("/mpesa/stkpush", donationHandler.InitiateMpesa, initiateLimit)

	api.POST("/donations/callback", donationHandler.MpesaCallback)
	api.POST("/mpesa/callback", donationHandler.MpesaCallback)
	api.POST("/webhooks/stripe", donationHandler.StripeWebhook)

	api.POST("/donations/query", donationHandler.Query)
	api.POST("/mpesa/query", donationHandler.Query)
	api.GET("/donations/:id", donationHandler.Show)

	// Admin session
	api.POST("/auth/login", authHandler.HandleLogin)
	api.POST("/auth/logout", authHandler.HandleLogout)

	// Protected routes
	admin := api.Group("/admin")
	admin.Use(authMiddleware.RequireAuth(verifier))
	admin.GET("/donations", adminHandler.ListDonations)
	admin.GET("/donations/:id", adminHandler.ShowDonation)
	admin.POST("/donations/:id/refresh", adminHandler.RefreshDonation)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Start server
	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

func isHTTPS(appURL string) bool {
	return strings.HasPrefix(appURL, "https://")
}
