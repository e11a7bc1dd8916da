package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"voh_site_echo/internal/config"
	"voh_site_echo/internal/services"
	"voh_site_echo/internal/tasks"
)

const workerConcurrency = 4

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

	var cache *services.RedisCache
	if cfg.RedisURL != "" {
		cache, err = services.NewRedisCache(cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			log.Printf("Warning: Redis connection failed: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
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

	donationService := services.NewDonationService(
		services.NewDonationStore(db),
		services.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger),
		mpesaService,
		services.DonationServiceConfig{
			DefaultCardCurrency:    cfg.DefaultCardCurrency,
			AccountReferencePrefix: cfg.MpesaAccountReferencePrefix,
			Poll: services.PollPolicy{
				MaxAttempts: cfg.PollMaxAttempts,
				Interval:    cfg.PollInterval(),
			},
		}, logger)
	scheduler := tasks.NewScheduler(db, cfg.PollInitialDelay(), logger)
	donationService.SetObserver(scheduler)
	if cache != nil {
		donationService.SetLocker(cache)
	}

	deps := tasks.Dependencies{
		Donations:  donationService,
		StaleAfter: cfg.ReconcileStaleAfter(),
		Logger:     logger,
	}
	email := services.NewEmailService(services.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.EmailFrom,
	})
	if email.Configured() {
		deps.Email = email
	} else {
		log.Println("Warning: SMTP not configured, email receipts disabled")
	}
	if cfg.WahaBaseURL != "" {
		deps.Whatsapp = services.NewWahaService(cfg.WahaBaseURL, cfg.WahaAPIKey, cfg.HTTPClientTimeout())
	}

	// Initialize Task Registry
	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry, deps)
	log.Printf("Registered tasks: %v", registry.Names())

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := scheduler.EnsureRecurring(ctx, tasks.ReconcileTaskName, cfg.ReconcileSchedule, tasks.ReconcileArgs{}); err != nil {
		log.Printf("Warning: failed to schedule reconciliation sweep: %v", err)
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down worker...")
		cancel()
	}()

	runner := tasks.NewRunner(db, registry, workerConcurrency, logger)

	ticker := time.NewTicker(cfg.WorkerTick())
	defer ticker.Stop()

	log.Printf("Worker started, checking for due tasks every %s", cfg.WorkerTick())
	processScheduledTasks(ctx, runner)

	for {
		select {
		case <-ticker.C:
			processScheduledTasks(ctx, runner)
		case <-ctx.Done():
			return
		}
	}
}

func processScheduledTasks(ctx context.Context, runner *tasks.Runner) {
	ran, err := runner.RunDue(ctx)
	if err != nil && ctx.Err() == nil {
		log.Printf("Error running scheduled tasks: %v", err)
		return
	}
	if ran > 0 {
		log.Printf("Processed %d tasks", ran)
	}
}
