package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DonationStatus is the lifecycle state of a donation
type DonationStatus string

const (
	DonationStatusPending   DonationStatus = "pending"
	DonationStatusCompleted DonationStatus = "completed"
	DonationStatusFailed    DonationStatus = "failed"
)

// IsTerminal reports whether the status can no longer change
func (s DonationStatus) IsTerminal() bool {
	return s == DonationStatusCompleted || s == DonationStatusFailed
}

// PaymentRail identifies the provider family that collects a donation
type PaymentRail string

const (
	PaymentRailCard  PaymentRail = "card"
	PaymentRailMpesa PaymentRail = "mpesa"
)

// SettlementSource records which signal moved a donation out of pending
type SettlementSource string

const (
	SettlementSourceInitiation SettlementSource = "initiation"
	SettlementSourceCallback   SettlementSource = "callback"
	SettlementSourceWebhook    SettlementSource = "webhook"
	SettlementSourcePoll       SettlementSource = "poll"
	SettlementSourceExpiry     SettlementSource = "expiry"
)

// Donation is a single donation attempt. Rows are never deleted.
type Donation struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Amount      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency    string          `gorm:"type:varchar(3);not null" json:"currency"`
	DonorName   string          `gorm:"type:varchar(255)" json:"donor_name"`
	DonorEmail  string          `gorm:"type:varchar(255)" json:"donor_email"`
	Message     string          `gorm:"type:text" json:"message"`
	IsRecurring bool            `gorm:"default:false" json:"is_recurring"` // donor intent only, nothing is charged again
	Rail        PaymentRail     `gorm:"type:varchar(20);not null" json:"rail"`
	PhoneNumber string          `gorm:"type:varchar(20)" json:"phone_number,omitempty"`

	// At most one of these is set, exactly once, right after the provider accepts the request.
	StripePaymentIntentID  *string `gorm:"type:varchar(255);uniqueIndex" json:"stripe_payment_intent_id,omitempty"`
	MpesaCheckoutRequestID *string `gorm:"type:varchar(255);uniqueIndex" json:"mpesa_checkout_request_id,omitempty"`

	// Only written on the transition into completed.
	ReceiptID *string `gorm:"type:varchar(255)" json:"receipt_id,omitempty"`

	Status             DonationStatus   `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	FailureReason      string           `gorm:"type:text" json:"failure_reason,omitempty"`
	SettlementSource   SettlementSource `gorm:"type:varchar(20)" json:"settlement_source,omitempty"`
	SettledAt          *time.Time       `json:"settled_at,omitempty"`
	InitiationMetadata datatypes.JSON   `json:"initiation_metadata,omitempty"`
}

// BeforeCreate assigns the opaque identifier
func (d *Donation) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// CorrelationID returns the provider-issued identifier for whichever rail handled the donation
func (d Donation) CorrelationID() string {
	switch {
	case d.StripePaymentIntentID != nil:
		return *d.StripePaymentIntentID
	case d.MpesaCheckoutRequestID != nil:
		return *d.MpesaCheckoutRequestID
	}
	return ""
}
