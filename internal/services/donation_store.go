package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"voh_site_echo/internal/models"
)

// StatusUpdate describes a terminal transition requested by a settlement signal.
type StatusUpdate struct {
	Status        models.DonationStatus
	ReceiptID     string
	FailureReason string
	Source        models.SettlementSource
}

// DonationFilter narrows the admin listing.
type DonationFilter struct {
	Status   string
	Rail     string
	Page     int
	PageSize int
}

// UnconfirmedFilter selects pending M-Pesa donations whose push was sent but never acknowledged.
// Zero fields are not applied.
type UnconfirmedFilter struct {
	PhoneNumber   string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// DonationStore is the durable record of donation attempts.
type DonationStore interface {
	Create(ctx context.Context, donation *models.Donation) error
	FindByID(ctx context.Context, id string) (*models.Donation, error)
	FindByProviderCorrelationID(ctx context.Context, correlationID string) (*models.Donation, error)
	AttachCorrelationID(ctx context.Context, id string, rail models.PaymentRail, correlationID string, metadata datatypes.JSON) error
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*models.Donation, bool, error)
	List(ctx context.Context, filter DonationFilter) ([]models.Donation, int64, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Donation, error)
	ListUnconfirmed(ctx context.Context, filter UnconfirmedFilter) ([]models.Donation, error)
	NoteInitiation(ctx context.Context, id string, metadata datatypes.JSON) error
	RecordCallback(ctx context.Context, entry *models.PaymentCallbackHistory) error
}

type GormDonationStore struct {
	db *gorm.DB
}

func NewDonationStore(db *gorm.DB) *GormDonationStore {
	return &GormDonationStore{db: db}
}

// Create inserts a new pending donation. Status and receipt on the input are ignored.
func (s *GormDonationStore) Create(ctx context.Context, donation *models.Donation) error {
	if donation == nil {
		return validationErr("donation", "is required")
	}
	if !donation.Amount.IsPositive() {
		return validationErr("amount", "must be greater than zero")
	}
	donation.Currency = strings.ToUpper(strings.TrimSpace(donation.Currency))
	if len(donation.Currency) != 3 {
		return validationErr("currency", "must be a 3-letter code")
	}

	donation.Status = models.DonationStatusPending
	donation.ReceiptID = nil
	donation.SettledAt = nil
	donation.SettlementSource = ""
	donation.StripePaymentIntentID = nil
	donation.MpesaCheckoutRequestID = nil

	if err := s.db.WithContext(ctx).Create(donation).Error; err != nil {
		return fmt.Errorf("failed to create donation: %w", err)
	}
	return nil
}

func (s *GormDonationStore) FindByID(ctx context.Context, id string) (*models.Donation, error) {
	var donation models.Donation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&donation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, fmt.Errorf("failed to fetch donation: %w", err)
	}
	return &donation, nil
}

// FindByProviderCorrelationID does an exact match against both provider columns.
func (s *GormDonationStore) FindByProviderCorrelationID(ctx context.Context, correlationID string) (*models.Donation, error) {
	if correlationID == "" {
		return nil, ErrDonationNotFound
	}

	var donation models.Donation
	err := s.db.WithContext(ctx).
		Where("stripe_payment_intent_id = ? OR mpesa_checkout_request_id = ?", correlationID, correlationID).
		First(&donation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, fmt.Errorf("failed to fetch donation by correlation id: %w", err)
	}
	return &donation, nil
}

// AttachCorrelationID stores the provider id once. A second attach fails.
func (s *GormDonationStore) AttachCorrelationID(ctx context.Context, id string, rail models.PaymentRail, correlationID string, metadata datatypes.JSON) error {
	if correlationID == "" {
		return validationErr("correlation_id", "is required")
	}

	column := "mpesa_checkout_request_id"
	if rail == models.PaymentRailCard {
		column = "stripe_payment_intent_id"
	}

	updates := map[string]interface{}{column: correlationID}
	if len(metadata) > 0 {
		updates["initiation_metadata"] = metadata
	}

	result := s.db.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND "+column+" IS NULL", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to attach correlation id: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("donation %s already has a %s correlation id", id, rail)
	}
	return nil
}

// UpdateStatus applies a terminal transition only while the donation is still pending.
// The returned bool reports whether this call changed the row; the returned donation is
// always the current stored state.
func (s *GormDonationStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*models.Donation, bool, error) {
	if !update.Status.IsTerminal() {
		return nil, false, validationErr("status", "must be completed or failed")
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":            update.Status,
		"settled_at":        now,
		"settlement_source": update.Source,
	}
	if update.Status == models.DonationStatusCompleted {
		if update.ReceiptID != "" {
			updates["receipt_id"] = update.ReceiptID
		}
	} else {
		updates["failure_reason"] = update.FailureReason
	}

	result := s.db.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND status = ?", id, models.DonationStatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to update donation status: %w", result.Error)
	}

	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, result.RowsAffected > 0, nil
}

func (s *GormDonationStore) List(ctx context.Context, filter DonationFilter) ([]models.Donation, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Donation{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Rail != "" {
		query = query.Where("rail = ?", filter.Rail)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count donations: %w", err)
	}

	var donations []models.Donation
	err := query.Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&donations).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list donations: %w", err)
	}
	return donations, total, nil
}

// ListStalePending returns pending donations that already carry a correlation id, oldest first.
func (s *GormDonationStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Donation, error) {
	if limit <= 0 {
		limit = 50
	}

	var donations []models.Donation
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.DonationStatusPending, createdBefore).
		Where("(stripe_payment_intent_id IS NOT NULL OR mpesa_checkout_request_id IS NOT NULL)").
		Order("created_at ASC").
		Limit(limit).
		Find(&donations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale donations: %w", err)
	}
	return donations, nil
}

// ListUnconfirmed returns pending M-Pesa donations that never received a checkout request id, oldest first.
func (s *GormDonationStore) ListUnconfirmed(ctx context.Context, filter UnconfirmedFilter) ([]models.Donation, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("status = ? AND rail = ? AND mpesa_checkout_request_id IS NULL", models.DonationStatusPending, models.PaymentRailMpesa)
	if filter.PhoneNumber != "" {
		query = query.Where("phone_number = ?", filter.PhoneNumber)
	}
	if !filter.CreatedAfter.IsZero() {
		query = query.Where("created_at >= ?", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		query = query.Where("created_at < ?", filter.CreatedBefore)
	}

	var donations []models.Donation
	if err := query.Order("created_at ASC").Limit(filter.Limit).Find(&donations).Error; err != nil {
		return nil, fmt.Errorf("failed to list unconfirmed donations: %w", err)
	}
	return donations, nil
}

// NoteInitiation records provider context on a donation that is still pending.
func (s *GormDonationStore) NoteInitiation(ctx context.Context, id string, metadata datatypes.JSON) error {
	result := s.db.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND status = ?", id, models.DonationStatusPending).
		Update("initiation_metadata", metadata)
	if result.Error != nil {
		return fmt.Errorf("failed to note initiation: %w", result.Error)
	}
	return nil
}

func (s *GormDonationStore) RecordCallback(ctx context.Context, entry *models.PaymentCallbackHistory) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record callback: %w", err)
	}
	return nil
}
