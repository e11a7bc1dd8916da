package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"voh_site_echo/internal/metrics"
)

const stripeProvider = "stripe"

// Stripe event types the settlement listener acts on
const (
	StripeEventIntentSucceeded = "payment_intent.succeeded"
	StripeEventIntentFailed    = "payment_intent.payment_failed"
	StripeEventIntentCanceled  = "payment_intent.canceled"
)

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// ErrInvalidSignature is returned when a webhook cannot be verified
var ErrInvalidSignature = errors.New("invalid stripe webhook signature")

type paymentIntentClient interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	Retrieve(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
}

type StripeService struct {
	intents       paymentIntentClient
	webhookSecret string
	logger        *slog.Logger
}

func NewStripeService(secretKey, webhookSecret string, logger *slog.Logger) *StripeService {
	if logger == nil {
		logger = slog.Default()
	}
	sc := stripe.NewClient(secretKey)
	return &StripeService{
		intents:       sc.V1PaymentIntents,
		webhookSecret: webhookSecret,
		logger:        logger.With("component", "stripe"),
	}
}

type PaymentIntentInput struct {
	DonationID  string
	Amount      decimal.Decimal
	Currency    string
	DonorName   string
	DonorEmail  string
	Message     string
	IsRecurring bool
}

type PaymentIntentResult struct {
	IntentID     string `json:"id"`
	ClientSecret string `json:"-"`
	Status       string `json:"status"`
	AmountMinor  int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// IntentStatus is the state of a payment intent mapped onto the donation lifecycle
type IntentStatus struct {
	IntentID       string `json:"id"`
	Status         string `json:"status"`
	ChargeID       string `json:"latest_charge,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

func (s IntentStatus) Succeeded() bool {
	return s.Status == string(stripe.PaymentIntentStatusSucceeded)
}

func (s IntentStatus) Canceled() bool {
	return s.Status == string(stripe.PaymentIntentStatusCanceled)
}

// StripeWebhookEvent is the verified subset of a webhook the settlement listener needs
type StripeWebhookEvent struct {
	ID     string
	Type   string
	Intent IntentStatus
	Raw    json.RawMessage
}

// ToMinorUnits converts a major-unit amount into the smallest unit of the currency.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreatePaymentIntent pre-creates an intent and returns its client secret for the hosted element.
func (s *StripeService) CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*PaymentIntentResult, error) {
	minor := ToMinorUnits(in.Amount, in.Currency)
	if minor < 1 {
		return nil, validationErr("amount", "is too small for "+strings.ToUpper(in.Currency))
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(in.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Description: stripe.String("Donation"),
	}
	if in.DonorEmail != "" {
		params.ReceiptEmail = stripe.String(in.DonorEmail)
	}
	params.AddMetadata("donation_id", in.DonationID)
	params.AddMetadata("donor_name", in.DonorName)
	params.AddMetadata("donor_email", in.DonorEmail)
	params.AddMetadata("is_recurring", fmt.Sprintf("%t", in.IsRecurring))
	if in.Message != "" {
		params.AddMetadata("message", truncate(in.Message, 500))
	}

	start := time.Now()
	intent, err := s.intents.Create(ctx, params)
	metrics.ProviderRequestDuration.WithLabelValues(stripeProvider, "create_intent").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, stripeRequestError(err)
	}

	s.logger.Info("payment intent created", "intent_id", intent.ID, "donation_id", in.DonationID)
	return &PaymentIntentResult{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		AmountMinor:  intent.Amount,
		Currency:     string(intent.Currency),
	}, nil
}

// RetrievePaymentIntent fetches the current state of an intent for the poll and sweep paths.
func (s *StripeService) RetrievePaymentIntent(ctx context.Context, intentID string) (*IntentStatus, error) {
	start := time.Now()
	intent, err := s.intents.Retrieve(ctx, intentID, nil)
	metrics.ProviderRequestDuration.WithLabelValues(stripeProvider, "retrieve_intent").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, stripeRequestError(err)
	}
	status := intentStatus(intent)
	return &status, nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the payment intent.
func (s *StripeService) ParseWebhook(payload []byte, signatureHeader string) (*StripeWebhookEvent, error) {
	if s.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	parsed := &StripeWebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return parsed, nil
	}
	parsed.Raw = event.Data.Raw

	if !strings.HasPrefix(parsed.Type, "payment_intent.") {
		return parsed, nil
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: unreadable payment intent: %v", ErrInvalidCallback, err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: payment intent without id", ErrInvalidCallback)
	}
	parsed.Intent = intentStatus(&intent)
	return parsed, nil
}

func intentStatus(intent *stripe.PaymentIntent) IntentStatus {
	status := IntentStatus{IntentID: intent.ID, Status: string(intent.Status)}
	if intent.LatestCharge != nil {
		status.ChargeID = intent.LatestCharge.ID
	}
	if intent.LastPaymentError != nil {
		status.FailureMessage = intent.LastPaymentError.Msg
	}
	if status.FailureMessage == "" && intent.CancellationReason != "" {
		status.FailureMessage = "canceled: " + string(intent.CancellationReason)
	}
	return status
}

func stripeRequestError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeInvalidRequest && stripeErr.HTTPStatusCode == 401 {
			return &ProviderAuthError{Provider: stripeProvider, Err: err}
		}
		return &ProviderRequestError{Provider: stripeProvider, Code: string(stripeErr.Code), Message: stripeErr.Msg, Err: err}
	}
	return &ProviderRequestError{Provider: stripeProvider, Err: err}
}
