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
	"gorm.io/datatypes"

	"voh_site_echo/internal/metrics"
	"voh_site_echo/internal/models"
)

// ErrPollInProgress is returned when another process already polls the same correlation id
var ErrPollInProgress = errors.New("settlement poll already in progress")

// a push with no checkout request id can still be claimed by a callback for this long
const unconfirmedPushWindow = 15 * time.Minute

const unconfirmedPushExpired = "M-Pesa never confirmed the push request"

// CardGateway is the hosted-element rail
type CardGateway interface {
	CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (*PaymentIntentResult, error)
	RetrievePaymentIntent(ctx context.Context, intentID string) (*IntentStatus, error)
}

// PushGateway is the phone-prompt rail
type PushGateway interface {
	AccessToken(ctx context.Context) (string, error)
	STKPush(ctx context.Context, in STKPushInput) (*STKPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error)
}

// DonationObserver is told about lifecycle events that need follow-up work
type DonationObserver interface {
	PushInitiated(ctx context.Context, donation models.Donation) error
	Settled(ctx context.Context, donation models.Donation) error
}

// Locker guards a key across processes. release is never nil when acquired is true.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

type DonationServiceConfig struct {
	DefaultCardCurrency    string
	AccountReferencePrefix string
	Poll                   PollPolicy
}

type DonationService struct {
	store    DonationStore
	card     CardGateway
	push     PushGateway
	observer DonationObserver
	locker   Locker
	cfg      DonationServiceConfig
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDonationService(store DonationStore, card CardGateway, push PushGateway, cfg DonationServiceConfig, logger *slog.Logger) *DonationService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultCardCurrency == "" {
		cfg.DefaultCardCurrency = "USD"
	}
	if cfg.AccountReferencePrefix == "" {
		cfg.AccountReferencePrefix = "VOH"
	}
	if cfg.Poll.MaxAttempts <= 0 {
		cfg.Poll.MaxAttempts = 30
	}
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = 10 * time.Second
	}
	return &DonationService{
		store:  store,
		card:   card,
		push:   push,
		cfg:    cfg,
		logger: logger.With("component", "donations"),
		sleep:  sleepContext,
	}
}

func (s *DonationService) SetObserver(observer DonationObserver) {
	s.observer = observer
}

func (s *DonationService) SetLocker(locker Locker) {
	s.locker = locker
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// InitiateInput is what the donation form submits
type InitiateInput struct {
	Amount      decimal.Decimal
	Currency    string
	Rail        string
	DonorName   string
	DonorEmail  string
	Message     string
	IsRecurring bool
	PhoneNumber string
}

type InitiateResult struct {
	DonationID        string                `json:"donationId"`
	Rail              models.PaymentRail    `json:"rail"`
	Status            models.DonationStatus `json:"status"`
	Amount            decimal.Decimal       `json:"amount"`
	Currency          string                `json:"currency"`
	CorrelationID     string                `json:"correlationId"`
	ClientToken       string                `json:"clientToken,omitempty"`
	ClientSecret      string                `json:"clientSecret,omitempty"`
	CheckoutRequestID string                `json:"checkoutRequestId,omitempty"`
	Message           string                `json:"message,omitempty"`
}

// QueryResult is one poll of the provider merged with the local donation state
type QueryResult struct {
	DonationID     string                `json:"donationId"`
	CorrelationID  string                `json:"correlationId"`
	Rail           models.PaymentRail    `json:"rail"`
	Status         models.DonationStatus `json:"status"`
	Processing     bool                  `json:"processing"`
	ReceiptID      string                `json:"receiptId,omitempty"`
	ResultCode     string                `json:"ResultCode,omitempty"`
	ResultDesc     string                `json:"ResultDesc,omitempty"`
	ProviderStatus string                `json:"providerStatus,omitempty"`
}

type ReconcileReport struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

func parseRail(raw string) (models.PaymentRail, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "card", "stripe":
		return models.PaymentRailCard, nil
	case "mpesa", "m-pesa":
		return models.PaymentRailMpesa, nil
	}
	return "", validationErr("rail", "must be card or mpesa")
}

// Initiate validates the request, creates the pending donation and asks the provider to collect.
func (s *DonationService) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	rail, err := parseRail(in.Rail)
	if err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, validationErr("amount", "must be greater than zero")
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	var phone string
	switch rail {
	case models.PaymentRailCard:
		if s.card == nil {
			return nil, validationErr("rail", "card payments are not available")
		}
		if currency == "" {
			currency = s.cfg.DefaultCardCurrency
		}
	case models.PaymentRailMpesa:
		if s.push == nil {
			return nil, validationErr("rail", "M-Pesa payments are not available")
		}
		if currency == "" {
			currency = "KES"
		}
		if currency != "KES" {
			return nil, validationErr("currency", "M-Pesa donations must be in KES")
		}
		if strings.TrimSpace(in.PhoneNumber) == "" {
			return nil, validationErr("phoneNumber", "is required for M-Pesa")
		}
		if phone, err = FormatPhoneNumber(in.PhoneNumber); err != nil {
			return nil, err
		}
		// no record is written when the credential exchange fails
		if _, err := s.push.AccessToken(ctx); err != nil {
			s.initiationFailed(rail, err)
			return nil, err
		}
	}

	donation := &models.Donation{
		Amount:      in.Amount,
		Currency:    currency,
		DonorName:   strings.TrimSpace(in.DonorName),
		DonorEmail:  strings.TrimSpace(in.DonorEmail),
		Message:     strings.TrimSpace(in.Message),
		IsRecurring: in.IsRecurring,
		Rail:        rail,
		PhoneNumber: phone,
	}
	if err := s.store.Create(ctx, donation); err != nil {
		return nil, err
	}

	if rail == models.PaymentRailCard {
		return s.initiateCard(ctx, donation)
	}
	return s.initiatePush(ctx, donation)
}

func (s *DonationService) initiateCard(ctx context.Context, donation *models.Donation) (*InitiateResult, error) {
	intent, err := s.card.CreatePaymentIntent(ctx, PaymentIntentInput{
		DonationID:  donation.ID,
		Amount:      donation.Amount,
		Currency:    donation.Currency,
		DonorName:   donation.DonorName,
		DonorEmail:  donation.DonorEmail,
		Message:     donation.Message,
		IsRecurring: donation.IsRecurring,
	})
	if err != nil {
		s.rejectInitiation(ctx, donation, err)
		return nil, err
	}

	if err := s.store.AttachCorrelationID(ctx, donation.ID, donation.Rail, intent.IntentID, toJSON(intent)); err != nil {
		s.logger.Error("provider accepted donation but correlation id was not stored", "donation_id", donation.ID, "correlation_id", intent.IntentID, "error", err)
		return nil, err
	}
	metrics.DonationsInitiatedTotal.WithLabelValues(string(donation.Rail)).Inc()
	s.logger.Info("donation initiated", "donation_id", donation.ID, "rail", donation.Rail, "correlation_id", intent.IntentID)

	return &InitiateResult{
		DonationID:    donation.ID,
		Rail:          donation.Rail,
		Status:        models.DonationStatusPending,
		Amount:        donation.Amount,
		Currency:      donation.Currency,
		CorrelationID: intent.IntentID,
		ClientToken:   intent.ClientSecret,
		ClientSecret:  intent.ClientSecret,
	}, nil
}

func (s *DonationService) initiatePush(ctx context.Context, donation *models.Donation) (*InitiateResult, error) {
	push, err := s.push.STKPush(ctx, STKPushInput{
		Amount:           donation.Amount,
		PhoneNumber:      donation.PhoneNumber,
		AccountReference: s.accountReference(donation.ID),
		Description:      "Donation",
	})
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			s.holdInitiation(ctx, donation, err)
			return nil, err
		}
		s.rejectInitiation(ctx, donation, err)
		return nil, err
	}

	if err := s.store.AttachCorrelationID(ctx, donation.ID, donation.Rail, push.CheckoutRequestID, toJSON(push)); err != nil {
		s.logger.Error("provider accepted donation but correlation id was not stored", "donation_id", donation.ID, "correlation_id", push.CheckoutRequestID, "error", err)
		return nil, err
	}
	metrics.DonationsInitiatedTotal.WithLabelValues(string(donation.Rail)).Inc()
	s.logger.Info("donation initiated", "donation_id", donation.ID, "rail", donation.Rail, "correlation_id", push.CheckoutRequestID)

	correlationID := push.CheckoutRequestID
	donation.MpesaCheckoutRequestID = &correlationID
	if s.observer != nil {
		if err := s.observer.PushInitiated(ctx, *donation); err != nil {
			s.logger.Warn("failed to schedule settlement poll", "donation_id", donation.ID, "error", err)
		}
	}

	message := push.CustomerMessage
	if message == "" {
		message = "Check your phone to complete the payment"
	}
	return &InitiateResult{
		DonationID:        donation.ID,
		Rail:              donation.Rail,
		Status:            models.DonationStatusPending,
		Amount:            donation.Amount,
		Currency:          donation.Currency,
		CorrelationID:     correlationID,
		CheckoutRequestID: correlationID,
		Message:           message,
	}, nil
}

func (s *DonationService) accountReference(donationID string) string {
	ref := s.cfg.AccountReferencePrefix + strings.ToUpper(strings.ReplaceAll(donationID, "-", ""))
	return truncate(ref, mpesaReferenceMaxLen)
}

// rejectInitiation keeps the record for audit and marks it failed
func (s *DonationService) rejectInitiation(ctx context.Context, donation *models.Donation, cause error) {
	s.initiationFailed(donation.Rail, cause)
	if _, _, err := s.store.UpdateStatus(ctx, donation.ID, StatusUpdate{
		Status:        models.DonationStatusFailed,
		FailureReason: cause.Error(),
		Source:        models.SettlementSourceInitiation,
	}); err != nil {
		s.logger.Error("failed to mark rejected donation", "donation_id", donation.ID, "error", err)
	}
	s.logger.Warn("provider rejected donation", "donation_id", donation.ID, "rail", donation.Rail, "error", cause)
}

// holdInitiation leaves the donation pending when the push may have reached the phone.
// A later callback can still claim it; otherwise the stale sweep expires it.
func (s *DonationService) holdInitiation(ctx context.Context, donation *models.Donation, cause error) {
	s.initiationFailed(donation.Rail, cause)
	note := toJSON(map[string]string{
		"outcome": "unknown",
		"error":   cause.Error(),
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.store.NoteInitiation(ctx, donation.ID, note); err != nil {
		s.logger.Error("failed to note unconfirmed push", "donation_id", donation.ID, "error", err)
	}
	s.logger.Warn("push outcome unknown, donation left pending", "donation_id", donation.ID, "error", cause)
}

func (s *DonationService) initiationFailed(rail models.PaymentRail, err error) {
	kind := "request"
	var authErr *ProviderAuthError
	switch {
	case errors.As(err, &authErr):
		kind = "auth"
	case errors.Is(err, ErrOutcomeUnknown):
		kind = "unknown"
	}
	metrics.DonationInitiationFailuresTotal.WithLabelValues(string(rail), kind).Inc()
}

// HandleMpesaCallback applies an STK callback. It never fails; the outcome is recorded instead.
func (s *DonationService) HandleMpesaCallback(ctx context.Context, raw []byte) models.CallbackOutcome {
	entry := &models.PaymentCallbackHistory{
		PaymentGateway: models.PaymentGatewayMpesa,
		EventType:      "stk_callback",
		Metadata:       rawJSON(raw),
	}

	cb, err := ParseSTKCallback(raw)
	if err != nil {
		s.anomaly(ctx, entry, models.CallbackOutcomeInvalid, "", err.Error())
		return entry.Outcome
	}
	entry.CorrelationID = cb.CheckoutRequestID

	update := StatusUpdate{Source: models.SettlementSourceCallback}
	if cb.ResultCode.IsSuccess() {
		update.Status = models.DonationStatusCompleted
		update.ReceiptID = cb.ReceiptNumber()
		if update.ReceiptID == "" {
			s.logger.Warn("successful callback without receipt number", "correlation_id", cb.CheckoutRequestID)
		}
	} else {
		update.Status = models.DonationStatusFailed
		update.FailureReason = fmt.Sprintf("%s: %s", *cb.ResultCode, cb.ResultDesc)
	}

	if update.Status == models.DonationStatusCompleted {
		s.claimUnconfirmedPush(ctx, cb)
	}
	s.settleSignal(ctx, entry, cb.CheckoutRequestID, update)
	return entry.Outcome
}

// claimUnconfirmedPush attaches an unknown checkout request id to the one recent pending push
// whose initiation got no reply, matched on the payer's phone and amount. Anything less than a
// single match is left to settleSignal, which records the callback as an anomaly.
func (s *DonationService) claimUnconfirmedPush(ctx context.Context, cb *STKCallback) {
	if _, err := s.store.FindByProviderCorrelationID(ctx, cb.CheckoutRequestID); !errors.Is(err, ErrDonationNotFound) {
		return
	}
	phone := cb.MetadataValue("PhoneNumber")
	amount, err := decimal.NewFromString(cb.MetadataValue("Amount"))
	if phone == "" || err != nil {
		return
	}

	candidates, err := s.store.ListUnconfirmed(ctx, UnconfirmedFilter{
		PhoneNumber:  phone,
		CreatedAfter: time.Now().Add(-unconfirmedPushWindow),
		Limit:        10,
	})
	if err != nil {
		s.logger.Error("failed to look up unconfirmed pushes", "correlation_id", cb.CheckoutRequestID, "error", err)
		return
	}
	var matches []models.Donation
	for _, d := range candidates {
		if decimal.NewFromInt(MajorUnitAmount(d.Amount)).Equal(amount) {
			matches = append(matches, d)
		}
	}
	if len(matches) != 1 {
		if len(matches) > 1 {
			s.logger.Warn("callback matches several unconfirmed pushes", "correlation_id", cb.CheckoutRequestID, "matches", len(matches))
		}
		return
	}

	if err := s.store.AttachCorrelationID(ctx, matches[0].ID, models.PaymentRailMpesa, cb.CheckoutRequestID, nil); err != nil {
		s.logger.Error("failed to attach callback to unconfirmed push", "donation_id", matches[0].ID, "correlation_id", cb.CheckoutRequestID, "error", err)
		return
	}
	s.logger.Warn("callback claimed unconfirmed push", "donation_id", matches[0].ID, "correlation_id", cb.CheckoutRequestID)
}

// HandleStripeEvent applies a verified webhook event
func (s *DonationService) HandleStripeEvent(ctx context.Context, event *StripeWebhookEvent) models.CallbackOutcome {
	entry := &models.PaymentCallbackHistory{
		PaymentGateway: models.PaymentGatewayStripe,
		EventType:      event.Type,
		CorrelationID:  event.Intent.IntentID,
		Metadata:       rawJSON(event.Raw),
	}

	update := StatusUpdate{Source: models.SettlementSourceWebhook}
	switch event.Type {
	case StripeEventIntentSucceeded:
		update.Status = models.DonationStatusCompleted
		update.ReceiptID = event.Intent.ChargeID
	case StripeEventIntentFailed, StripeEventIntentCanceled:
		update.Status = models.DonationStatusFailed
		update.FailureReason = defaultString(event.Intent.FailureMessage, event.Type)
	default:
		entry.Outcome = models.CallbackOutcomeIgnored
		s.record(ctx, entry)
		return entry.Outcome
	}

	s.settleSignal(ctx, entry, event.Intent.IntentID, update)
	return entry.Outcome
}

func (s *DonationService) settleSignal(ctx context.Context, entry *models.PaymentCallbackHistory, correlationID string, update StatusUpdate) {
	donation, err := s.store.FindByProviderCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, ErrDonationNotFound) {
			s.anomaly(ctx, entry, models.CallbackOutcomeAnomaly, correlationID, "unknown correlation id")
			return
		}
		s.anomaly(ctx, entry, models.CallbackOutcomeAnomaly, correlationID, err.Error())
		return
	}
	entry.DonationID = &donation.ID

	current, applied, err := s.transition(ctx, donation, update)
	switch {
	case err != nil:
		s.anomaly(ctx, entry, models.CallbackOutcomeAnomaly, correlationID, err.Error())
		return
	case applied:
		entry.Outcome = models.CallbackOutcomeApplied
	case current.Status == update.Status:
		entry.Outcome = models.CallbackOutcomeDuplicate
	default:
		s.anomaly(ctx, entry, models.CallbackOutcomeAnomaly, correlationID, fmt.Sprintf("donation already %s", current.Status))
		return
	}
	s.record(ctx, entry)
}

// transition is the only path that changes a donation's status
func (s *DonationService) transition(ctx context.Context, donation *models.Donation, update StatusUpdate) (*models.Donation, bool, error) {
	current, applied, err := s.store.UpdateStatus(ctx, donation.ID, update)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		if current.Status != update.Status {
			s.logger.Warn("settlement signal conflicts with terminal state",
				"donation_id", donation.ID, "correlation_id", donation.CorrelationID(),
				"current", current.Status, "requested", update.Status, "source", update.Source)
		} else {
			s.logger.Debug("duplicate settlement signal", "donation_id", donation.ID, "source", update.Source)
		}
		return current, false, nil
	}

	metrics.DonationSettlementsTotal.WithLabelValues(string(current.Rail), string(current.Status), string(update.Source)).Inc()
	s.logger.Info("donation settled", "donation_id", current.ID, "status", current.Status, "source", update.Source, "correlation_id", current.CorrelationID())
	if s.observer != nil {
		if err := s.observer.Settled(ctx, *current); err != nil {
			s.logger.Warn("settlement follow-up failed", "donation_id", current.ID, "error", err)
		}
	}
	return current, true, nil
}

func (s *DonationService) anomaly(ctx context.Context, entry *models.PaymentCallbackHistory, outcome models.CallbackOutcome, correlationID, reason string) {
	entry.Outcome = outcome
	entry.Detail = reason
	metrics.ReconciliationAnomaliesTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Warn("reconciliation anomaly", "correlation_id", correlationID, "reason", reason, "source", entry.PaymentGateway, "outcome", outcome)
	s.record(ctx, entry)
}

func (s *DonationService) record(ctx context.Context, entry *models.PaymentCallbackHistory) {
	if err := s.store.RecordCallback(ctx, entry); err != nil {
		s.logger.Error("failed to record provider callback", "correlation_id", entry.CorrelationID, "error", err)
	}
}

// QueryStatus polls the provider once for the donation behind correlationID and applies the result.
func (s *DonationService) QueryStatus(ctx context.Context, correlationID string) (*QueryResult, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, validationErr("correlationId", "is required")
	}

	donation, err := s.store.FindByProviderCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if donation.Status.IsTerminal() {
		return settledResultFor(donation), nil
	}
	return s.pollOnce(ctx, donation)
}

func (s *DonationService) pollOnce(ctx context.Context, donation *models.Donation) (*QueryResult, error) {
	result := resultFor(donation)
	update := StatusUpdate{Source: models.SettlementSourcePoll}

	switch {
	case donation.MpesaCheckoutRequestID != nil:
		if s.push == nil {
			return nil, validationErr("rail", "M-Pesa payments are not available")
		}
		status, err := s.push.QueryStatus(ctx, *donation.MpesaCheckoutRequestID)
		if err != nil {
			return nil, err
		}
		result.ResultCode = string(status.ResultCode)
		result.ResultDesc = status.ResultDesc
		switch {
		case status.Processing:
			result.Processing = true
			return result, nil
		case status.ResultCode.IsSuccess():
			update.Status = models.DonationStatusCompleted
		default:
			update.Status = models.DonationStatusFailed
			update.FailureReason = fmt.Sprintf("%s: %s", status.ResultCode, status.ResultDesc)
		}

	case donation.StripePaymentIntentID != nil:
		if s.card == nil {
			return nil, validationErr("rail", "card payments are not available")
		}
		status, err := s.card.RetrievePaymentIntent(ctx, *donation.StripePaymentIntentID)
		if err != nil {
			return nil, err
		}
		result.ProviderStatus = status.Status
		switch {
		case status.Succeeded():
			update.Status = models.DonationStatusCompleted
			update.ReceiptID = status.ChargeID
		case status.Canceled():
			update.Status = models.DonationStatusFailed
			update.FailureReason = defaultString(status.FailureMessage, "payment intent canceled")
		default:
			result.Processing = true
			return result, nil
		}

	default:
		return nil, fmt.Errorf("donation %s has no provider correlation id", donation.ID)
	}

	current, _, err := s.transition(ctx, donation, update)
	if err != nil {
		return nil, err
	}
	settled := resultFor(current)
	settled.ResultCode = result.ResultCode
	settled.ResultDesc = result.ResultDesc
	settled.ProviderStatus = result.ProviderStatus
	return settled, nil
}

func resultFor(donation *models.Donation) *QueryResult {
	result := &QueryResult{
		DonationID:    donation.ID,
		CorrelationID: donation.CorrelationID(),
		Rail:          donation.Rail,
		Status:        donation.Status,
		Processing:    donation.Status == models.DonationStatusPending,
	}
	if donation.ReceiptID != nil {
		result.ReceiptID = *donation.ReceiptID
	}
	return result
}

// settledResultFor answers a query for a donation that is already terminal. M-Pesa clients read
// ResultCode, so it is filled in the way Daraja would report the same outcome.
func settledResultFor(donation *models.Donation) *QueryResult {
	result := resultFor(donation)
	if donation.Rail != models.PaymentRailMpesa {
		return result
	}
	switch donation.Status {
	case models.DonationStatusCompleted:
		result.ResultCode = "0"
		result.ResultDesc = mpesaSuccessDesc
	case models.DonationStatusFailed:
		result.ResultCode, result.ResultDesc = splitFailureReason(defaultString(donation.FailureReason, "payment failed"))
	}
	return result
}

// splitFailureReason recovers the code from a "<code>: <desc>" failure reason.
// Reasons without a numeric code get the generic failure code 1.
func splitFailureReason(reason string) (string, string) {
	if code, desc, ok := strings.Cut(reason, ": "); ok && code != "" && strings.Trim(code, "0123456789") == "" && code != "0" {
		return code, desc
	}
	return "1", reason
}

// AwaitSettlement polls until the donation is terminal or the attempt bound is reached.
// Provider errors count as attempts and are retried. Running out of attempts leaves the
// donation pending and returns a *PollTimeoutError.
func (s *DonationService) AwaitSettlement(ctx context.Context, correlationID string) (*models.Donation, error) {
	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, "poll:"+correlationID, s.pollBudget())
		switch {
		case err != nil:
			s.logger.Warn("poll lock unavailable, polling without it", "correlation_id", correlationID, "error", err)
		case !acquired:
			return nil, ErrPollInProgress
		default:
			defer release()
		}
	}

	attempts := s.cfg.Poll.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		donation, err := s.store.FindByProviderCorrelationID(ctx, correlationID)
		if errors.Is(err, ErrDonationNotFound) {
			return nil, err
		}
		if err == nil {
			if donation.Status.IsTerminal() {
				return donation, nil
			}
			result, pollErr := s.pollOnce(ctx, donation)
			if pollErr == nil && !result.Processing {
				return s.store.FindByID(ctx, donation.ID)
			}
			err = pollErr
		}
		if err != nil {
			s.logger.Warn("settlement poll attempt failed", "correlation_id", correlationID, "attempt", attempt, "error", err)
		} else {
			s.logger.Debug("settlement still processing", "correlation_id", correlationID, "attempt", attempt)
		}

		if attempt < attempts {
			if err := s.sleep(ctx, s.cfg.Poll.Interval); err != nil {
				return nil, err
			}
		}
	}

	metrics.PollTimeoutsTotal.Inc()
	s.logger.Warn("settlement poll gave up, donation left pending", "correlation_id", correlationID, "attempts", attempts)
	return nil, &PollTimeoutError{CorrelationID: correlationID, Attempts: attempts}
}

func (s *DonationService) pollBudget() time.Duration {
	return time.Duration(s.cfg.Poll.MaxAttempts)*s.cfg.Poll.Interval + time.Minute
}

// ReconcileStale polls every pending donation older than olderThan once.
func (s *DonationService) ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport

	donations, err := s.store.ListStalePending(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return report, err
	}

	for i := range donations {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		result, err := s.pollOnce(ctx, &donations[i])
		if err != nil {
			report.Errors++
			s.logger.Warn("stale donation poll failed", "donation_id", donations[i].ID, "error", err)
			continue
		}
		switch result.Status {
		case models.DonationStatusCompleted:
			report.Completed++
		case models.DonationStatusFailed:
			report.Failed++
		default:
			report.Pending++
		}
	}

	if err := s.expireUnconfirmed(ctx, time.Now().Add(-olderThan), limit, &report); err != nil {
		return report, err
	}

	s.logger.Info("stale donation sweep finished", "checked", report.Checked, "completed", report.Completed, "failed", report.Failed, "pending", report.Pending, "errors", report.Errors)
	return report, nil
}

// expireUnconfirmed fails pushes that never got a checkout request id and were not claimed by a callback in time
func (s *DonationService) expireUnconfirmed(ctx context.Context, createdBefore time.Time, limit int, report *ReconcileReport) error {
	donations, err := s.store.ListUnconfirmed(ctx, UnconfirmedFilter{CreatedBefore: createdBefore, Limit: limit})
	if err != nil {
		return err
	}
	for i := range donations {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Checked++
		current, _, err := s.transition(ctx, &donations[i], StatusUpdate{
			Status:        models.DonationStatusFailed,
			FailureReason: unconfirmedPushExpired,
			Source:        models.SettlementSourceExpiry,
		})
		if err != nil {
			report.Errors++
			s.logger.Warn("failed to expire unconfirmed push", "donation_id", donations[i].ID, "error", err)
			continue
		}
		if current.Status == models.DonationStatusCompleted {
			report.Completed++
		} else {
			report.Failed++
		}
	}
	return nil
}

// GetDonation returns a single donation by id
func (s *DonationService) GetDonation(ctx context.Context, id string) (*models.Donation, error) {
	return s.store.FindByID(ctx, id)
}

// ListDonations is the admin overview
func (s *DonationService) ListDonations(ctx context.Context, filter DonationFilter) ([]models.Donation, int64, error) {
	return s.store.List(ctx, filter)
}

func toJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func rawJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("{}")
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	return toJSON(map[string]string{"raw": string(raw)})
}
