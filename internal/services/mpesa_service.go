package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"voh_site_echo/internal/metrics"
)

const (
	mpesaProvider         = "mpesa"
	mpesaTimestampLayout  = "20060102150405"
	mpesaProcessingErrors = "500.001.1001"
	mpesaReferenceMaxLen  = 12
	mpesaDescriptionLimit = 13
)

var nonDigits = regexp.MustCompile(`\D`)

// MpesaConfig carries the Daraja credentials and endpoints
type MpesaConfig struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	Shortcode       string
	Passkey         string
	TransactionType string
	CallbackURL     string
	Timeout         time.Duration
}

type MpesaService struct {
	cfg         MpesaConfig
	client      *http.Client
	credentials *CredentialCache
	logger      *slog.Logger
	location    *time.Location
	now         func() time.Time
}

func NewMpesaService(cfg MpesaConfig, credentials *CredentialCache, logger *slog.Logger) *MpesaService {
	if credentials == nil {
		credentials = NewCredentialCache(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	location, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		location = time.FixedZone("EAT", 3*60*60)
	}
	return &MpesaService{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		credentials: credentials,
		logger:      logger.With("component", "mpesa"),
		location:    location,
		now:         time.Now,
	}
}

// STKPushInput describes a single phone prompt
type STKPushInput struct {
	Amount           decimal.Decimal
	PhoneNumber      string
	AccountReference string
	Description      string
}

type STKPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKQueryResult is the status of a checkout request as reported by Daraja.
// Processing is set when the payer has not answered yet.
type STKQueryResult struct {
	ResponseCode        string     `json:"ResponseCode,omitempty"`
	ResponseDescription string     `json:"ResponseDescription,omitempty"`
	MerchantRequestID   string     `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          ResultCode `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
	Processing          bool       `json:"-"`
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// FormatPhoneNumber converts local Kenyan formats into 2547XXXXXXXX / 2541XXXXXXXX.
func FormatPhoneNumber(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	switch {
	case strings.HasPrefix(digits, "254"):
	case strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case strings.HasPrefix(digits, "7"), strings.HasPrefix(digits, "1"):
		digits = "254" + digits
	}
	if len(digits) != 12 || !strings.HasPrefix(digits, "254") {
		return "", validationErr("phoneNumber", "must be a valid Kenyan mobile number")
	}
	return digits, nil
}

// MajorUnitAmount rounds to the whole-shilling amount Daraja accepts, never below 1.
func MajorUnitAmount(amount decimal.Decimal) int64 {
	units := amount.Round(0).IntPart()
	if units < 1 {
		return 1
	}
	return units
}

// AccessToken returns a cached token or exchanges the consumer key and secret for a new one.
func (s *MpesaService) AccessToken(ctx context.Context) (string, error) {
	token, err := s.credentials.Token(ctx, s.fetchToken)
	if err != nil {
		return "", &ProviderAuthError{Provider: mpesaProvider, Err: err}
	}
	return token, nil
}

func (s *MpesaService) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if s.cfg.ConsumerKey == "" || s.cfg.ConsumerSecret == "" {
		return "", 0, fmt.Errorf("consumer key and secret are not configured")
	}

	start := time.Now()
	defer func() {
		metrics.ProviderRequestDuration.WithLabelValues(mpesaProvider, "oauth").Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(s.cfg.ConsumerKey, s.cfg.ConsumerSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", 0, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(strings.TrimSpace(payload.ExpiresIn)); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	s.logger.Debug("obtained access token", "expires_in", ttl)
	return payload.AccessToken, ttl, nil
}

// Password builds the STK password and the timestamp it was derived from
func (s *MpesaService) Password() (string, string) {
	timestamp := s.now().In(s.location).Format(mpesaTimestampLayout)
	password := base64.StdEncoding.EncodeToString([]byte(s.cfg.Shortcode + s.cfg.Passkey + timestamp))
	return password, timestamp
}

// STKPush sends the payment prompt to the payer's phone.
func (s *MpesaService) STKPush(ctx context.Context, in STKPushInput) (*STKPushResult, error) {
	phone, err := FormatPhoneNumber(in.PhoneNumber)
	if err != nil {
		return nil, err
	}

	token, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := s.Password()
	payload := map[string]interface{}{
		"BusinessShortCode": s.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   s.cfg.TransactionType,
		"Amount":            MajorUnitAmount(in.Amount),
		"PartyA":            phone,
		"PartyB":            s.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       s.cfg.CallbackURL,
		"AccountReference":  truncate(in.AccountReference, mpesaReferenceMaxLen),
		"TransactionDesc":   truncate(defaultString(in.Description, "Donation"), mpesaDescriptionLimit),
	}

	var result STKPushResult
	if err := s.post(ctx, "stkpush", "/mpesa/stkpush/v1/processrequest", token, payload, &result); err != nil {
		return nil, err
	}
	if result.ResponseCode != "" && result.ResponseCode != "0" {
		return nil, &ProviderRequestError{Provider: mpesaProvider, Code: result.ResponseCode, Message: result.ResponseDescription}
	}
	if result.CheckoutRequestID == "" {
		return nil, &ProviderRequestError{Provider: mpesaProvider, Message: "response did not include a CheckoutRequestID"}
	}

	s.logger.Info("stk push accepted", "checkout_request_id", result.CheckoutRequestID, "merchant_request_id", result.MerchantRequestID)
	return &result, nil
}

// QueryStatus asks Daraja for the current state of a checkout request.
func (s *MpesaService) QueryStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error) {
	if checkoutRequestID == "" {
		return nil, validationErr("checkoutRequestId", "is required")
	}

	token, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := s.Password()
	payload := map[string]interface{}{
		"BusinessShortCode": s.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var result STKQueryResult
	err = s.post(ctx, "stkquery", "/mpesa/stkpushquery/v1/query", token, payload, &result)
	if err != nil {
		var reqErr *ProviderRequestError
		if errors.As(err, &reqErr) && reqErr.Code == mpesaProcessingErrors {
			return &STKQueryResult{
				CheckoutRequestID: checkoutRequestID,
				ResultDesc:        reqErr.Message,
				Processing:        true,
			}, nil
		}
		return nil, err
	}

	if result.CheckoutRequestID == "" {
		result.CheckoutRequestID = checkoutRequestID
	}
	if result.ResultCode == "" || result.ResultCode.IsProcessing() {
		result.Processing = true
	}
	return &result, nil
}

func (s *MpesaService) post(ctx context.Context, operation, endpoint, token string, payload interface{}, dest interface{}) error {
	start := time.Now()
	defer func() {
		metrics.ProviderRequestDuration.WithLabelValues(mpesaProvider, operation).Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return outcomeUnknown(operation, "no response", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcomeUnknown(operation, "response interrupted", err)
	}

	var apiErr darajaError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.ErrorCode != "" {
		if resp.StatusCode == http.StatusUnauthorized {
			s.credentials.Invalidate(ctx)
		}
		return &ProviderRequestError{Provider: mpesaProvider, Code: apiErr.ErrorCode, Message: apiErr.ErrorMessage}
	}
	switch {
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout:
		return outcomeUnknown(operation, "gateway returned "+strconv.Itoa(resp.StatusCode), errors.New(truncate(strings.TrimSpace(string(body)), 200)))
	case resp.StatusCode >= 400:
		return &ProviderRequestError{Provider: mpesaProvider, Code: strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(body))}
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return outcomeUnknown(operation, "unreadable response", err)
	}
	return nil
}

// outcomeUnknown is used when the request may have reached Daraja but no usable reply came back
func outcomeUnknown(operation, message string, err error) error {
	return &ProviderRequestError{
		Provider: mpesaProvider,
		Message:  operation + ": " + message,
		Err:      fmt.Errorf("%w: %w", ErrOutcomeUnknown, err),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
