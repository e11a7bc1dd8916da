package models

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentGateway string

const (
	PaymentGatewayStripe PaymentGateway = "stripe"
	PaymentGatewayMpesa  PaymentGateway = "mpesa"
)

// CallbackOutcome describes what processing a provider notification did
type CallbackOutcome string

const (
	CallbackOutcomeApplied   CallbackOutcome = "applied"
	CallbackOutcomeDuplicate CallbackOutcome = "duplicate"
	CallbackOutcomeAnomaly   CallbackOutcome = "anomaly"
	CallbackOutcomeInvalid   CallbackOutcome = "invalid"
	CallbackOutcomeIgnored   CallbackOutcome = "ignored"
)

// PaymentCallbackHistory keeps every provider notification as received
type PaymentCallbackHistory struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	PaymentGateway PaymentGateway  `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	EventType      string          `gorm:"type:varchar(100)" json:"event_type"`
	CorrelationID  string          `gorm:"type:varchar(255);index" json:"correlation_id"`
	DonationID     *string         `gorm:"type:varchar(36);index" json:"donation_id,omitempty"`
	Outcome        CallbackOutcome `gorm:"type:varchar(20)" json:"outcome"`
	Detail         string          `gorm:"type:text" json:"detail,omitempty"`
	Metadata       datatypes.JSON  `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}
