package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"voh_site_echo/internal/config"
	"voh_site_echo/internal/services"
)

func main() {
	phone := flag.String("phone", "", "Phone number to prompt (e.g. 0712345678)")
	amount := flag.String("amount", "1", "Amount in KES")
	query := flag.String("query", "", "CheckoutRequestID to query instead of sending a push")
	flag.Parse()

	if *phone == "" && *query == "" {
		log.Fatal("Please provide -phone to send a push or -query to check a checkout request")
	}

	// Load envs
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found")
	}
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	service := services.NewMpesaService(services.MpesaConfig{
		BaseURL:         cfg.MpesaBaseURL,
		ConsumerKey:     cfg.MpesaConsumerKey,
		ConsumerSecret:  cfg.MpesaConsumerSecret,
		Shortcode:       cfg.MpesaShortcode,
		Passkey:         cfg.MpesaPasskey,
		TransactionType: cfg.MpesaTransactionType,
		CallbackURL:     cfg.MpesaCallbackEndpoint(),
		Timeout:         cfg.HTTPClientTimeout(),
	}, services.NewCredentialCache(nil), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *query != "" {
		result, err := service.QueryStatus(ctx, *query)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		log.Printf("ResultCode=%s ResultDesc=%q processing=%t", result.ResultCode, result.ResultDesc, result.Processing)
		return
	}

	value, err := decimal.NewFromString(*amount)
	if err != nil {
		log.Fatalf("Invalid amount %q: %v", *amount, err)
	}
	normalized, err := services.FormatPhoneNumber(*phone)
	if err != nil {
		log.Fatalf("Invalid phone number: %v", err)
	}

	log.Printf("Sending STK push of KES %s to %s (%s)", value.StringFixed(0), normalized, cfg.MpesaBaseURL)
	result, err := service.STKPush(ctx, services.STKPushInput{
		Amount:           value,
		PhoneNumber:      normalized,
		AccountReference: cfg.MpesaAccountReferencePrefix + "-PROBE",
		Description:      "Probe",
	})
	if err != nil {
		log.Fatalf("STK push failed: %v", err)
	}

	log.Printf("Push accepted: CheckoutRequestID=%s MerchantRequestID=%s", result.CheckoutRequestID, result.MerchantRequestID)
	log.Printf("Check it later with: mpesa_probe -query %s", result.CheckoutRequestID)
}
