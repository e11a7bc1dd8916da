package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"voh_site_echo/internal/models"
	"voh_site_echo/internal/services"
)

const maxWebhookBody = 1 << 16

// DonationAPI is the donation workflow as the HTTP layer sees it
type DonationAPI interface {
	Initiate(ctx context.Context, in services.InitiateInput) (*services.InitiateResult, error)
	HandleMpesaCallback(ctx context.Context, raw []byte) models.CallbackOutcome
	HandleStripeEvent(ctx context.Context, event *services.StripeWebhookEvent) models.CallbackOutcome
	QueryStatus(ctx context.Context, correlationID string) (*services.QueryResult, error)
	GetDonation(ctx context.Context, id string) (*models.Donation, error)
	ListDonations(ctx context.Context, filter services.DonationFilter) ([]models.Donation, int64, error)
}

// WebhookVerifier authenticates card provider webhooks
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signatureHeader string) (*services.StripeWebhookEvent, error)
}

type DonationHandler struct {
	donations     DonationAPI
	webhooks      WebhookVerifier
	callbackToken string
	logger        *slog.Logger
}

func NewDonationHandler(donations DonationAPI, webhooks WebhookVerifier, callbackToken string, logger *slog.Logger) *DonationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DonationHandler{
		donations:     donations,
		webhooks:      webhooks,
		callbackToken: callbackToken,
		logger:        logger.With("component", "donation_handler"),
	}
}

type initiateRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Rail          string          `json:"rail"`
	PaymentMethod string          `json:"paymentMethod"`
	DonorName     string          `json:"donorName"`
	DonorEmail    string          `json:"donorEmail"`
	Message       string          `json:"message"`
	IsRecurring   bool            `json:"isRecurring"`
	PhoneNumber   string          `json:"phoneNumber"`
	Phone         string          `json:"phone"`
}

func (r initiateRequest) input(rail string) services.InitiateInput {
	if rail == "" {
		rail = r.Rail
	}
	if rail == "" {
		rail = r.PaymentMethod
	}
	phone := r.PhoneNumber
	if phone == "" {
		phone = r.Phone
	}
	return services.InitiateInput{
		Amount:      r.Amount,
		Currency:    r.Currency,
		Rail:        rail,
		DonorName:   r.DonorName,
		DonorEmail:  r.DonorEmail,
		Message:     r.Message,
		IsRecurring: r.IsRecurring,
		PhoneNumber: phone,
	}
}

// Initiate handles POST /api/donations/initiate
func (h *DonationHandler) Initiate(c echo.Context) error {
	return h.initiate(c, "")
}

// InitiateCard handles the legacy POST /api/create-payment-intent
func (h *DonationHandler) InitiateCard(c echo.Context) error {
	return h.initiate(c, string(models.PaymentRailCard))
}

// InitiateMpesa handles the legacy POST /api/mpesa/stkpush
func (h *DonationHandler) InitiateMpesa(c echo.Context) error {
	return h.initiate(c, string(models.PaymentRailMpesa))
}

func (h *DonationHandler) initiate(c echo.Context, rail string) error {
	var req initiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	result, err := h.donations.Initiate(c.Request().Context(), req.input(rail))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// MpesaCallback handles POST /api/donations/callback. Daraja always gets an acknowledgement.
func (h *DonationHandler) MpesaCallback(c echo.Context) error {
	ack := map[string]interface{}{
		"ResultCode":   0,
		"ResultDesc":   "Accepted",
		"acknowledged": true,
	}

	if h.callbackToken != "" {
		token := c.QueryParam("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.callbackToken)) != 1 {
			h.logger.Warn("callback rejected: token mismatch", "remote_ip", c.RealIP())
			return c.JSON(http.StatusOK, ack)
		}
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read callback body", "error", err)
		return c.JSON(http.StatusOK, ack)
	}

	// the provider must not wait on our database or retry because of it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), 15*time.Second)
	defer cancel()
	outcome := h.donations.HandleMpesaCallback(ctx, raw)
	h.logger.Info("mpesa callback processed", "outcome", outcome)

	return c.JSON(http.StatusOK, ack)
}

// StripeWebhook handles POST /api/webhooks/stripe. Only an unverifiable signature is refused.
func (h *DonationHandler) StripeWebhook(c echo.Context) error {
	if h.webhooks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Card payments are not configured")
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read request body")
	}

	event, err := h.webhooks.ParseWebhook(payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidSignature) {
			h.logger.Warn("stripe webhook rejected", "error", err, "remote_ip", c.RealIP())
			return err
		}
		// authentic but unusable; retrying would not help
		h.logger.Warn("stripe webhook payload unreadable", "error", err)
		return c.JSON(http.StatusOK, map[string]bool{"received": true})
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), 15*time.Second)
	defer cancel()
	outcome := h.donations.HandleStripeEvent(ctx, event)
	h.logger.Info("stripe webhook processed", "event_id", event.ID, "type", event.Type, "outcome", outcome)

	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

type queryRequest struct {
	CorrelationID     string `json:"correlationId"`
	CheckoutRequestID string `json:"checkoutRequestId"`
}

// Query handles POST /api/donations/query
func (h *DonationHandler) Query(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	id := strings.TrimSpace(req.CorrelationID)
	if id == "" {
		id = strings.TrimSpace(req.CheckoutRequestID)
	}

	result, err := h.donations.QueryStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// publicDonation leaves out donor contact details
type publicDonation struct {
	ID          string                `json:"id"`
	Amount      decimal.Decimal       `json:"amount"`
	Currency    string                `json:"currency"`
	Rail        models.PaymentRail    `json:"rail"`
	Status      models.DonationStatus `json:"status"`
	IsRecurring bool                  `json:"isRecurring"`
	ReceiptID   *string               `json:"receiptId,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	SettledAt   *time.Time            `json:"settledAt,omitempty"`
}

// Show handles GET /api/donations/:id
func (h *DonationHandler) Show(c echo.Context) error {
	donation, err := h.donations.GetDonation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, publicDonation{
		ID:          donation.ID,
		Amount:      donation.Amount,
		Currency:    donation.Currency,
		Rail:        donation.Rail,
		Status:      donation.Status,
		IsRecurring: donation.IsRecurring,
		ReceiptID:   donation.ReceiptID,
		CreatedAt:   donation.CreatedAt,
		SettledAt:   donation.SettledAt,
	})
}
