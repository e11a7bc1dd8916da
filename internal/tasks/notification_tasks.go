package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"voh_site_echo/internal/models"
)

const ReceiptTaskName = "send_donation_receipt"

// EmailSender delivers plain-text email
type EmailSender interface {
	Configured() bool
	SendEmail(to []string, subject, body string) error
}

// WhatsappSender delivers WhatsApp messages
type WhatsappSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

type ReceiptArgs struct {
	DonationID string `json:"donation_id"`
}

// ReceiptTaskDef thanks the donor once a donation completes
type ReceiptTaskDef struct {
	donations DonationWorkflow
	email     EmailSender
	whatsapp  WhatsappSender
	logger    *slog.Logger
}

func (t *ReceiptTaskDef) TaskID() string {
	return ReceiptTaskName
}

func NewReceiptTask(donationID string, due time.Time) (*models.ScheduledTask, error) {
	task, err := BuildScheduledTask(ReceiptTaskName, ReceiptArgs{DonationID: donationID}, due, nil, models.ScheduledTaskTypeOneTime, 3)
	if err != nil {
		return nil, err
	}
	task.DonationID = &donationID
	return task, nil
}

func (t *ReceiptTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	var args ReceiptArgs
	if err := decodeArgs(task, &args); err != nil {
		return nil, err
	}

	donation, err := t.donations.GetDonation(ctx, args.DonationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if donation.Status != models.DonationStatusCompleted {
		return map[string]interface{}{"status": "skipped", "message": "donation not completed"}, nil
	}

	body := receiptMessage(donation)

	if donation.DonorEmail != "" && t.email != nil && t.email.Configured() {
		if err := t.email.SendEmail([]string{donation.DonorEmail}, "Thank you for your donation", body); err != nil {
			return nil, err
		}
		t.logger.Info("donation receipt sent", "donation_id", donation.ID, "channel", "email")
		return map[string]interface{}{"status": "success", "channel": "email"}, nil
	}

	if donation.PhoneNumber != "" && t.whatsapp != nil {
		if err := t.whatsapp.SendMessage(ctx, donation.PhoneNumber, body); err != nil {
			return nil, err
		}
		t.logger.Info("donation receipt sent", "donation_id", donation.ID, "channel", "whatsapp")
		return map[string]interface{}{"status": "success", "channel": "whatsapp"}, nil
	}

	return map[string]interface{}{"status": "skipped", "message": "no contact channel"}, nil
}

func receiptMessage(donation *models.Donation) string {
	name := strings.TrimSpace(donation.DonorName)
	if name == "" {
		name = "friend"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", name)
	fmt.Fprintf(&b, "Thank you for your donation of %s %s.\n", donation.Currency, donation.Amount.StringFixed(2))
	if donation.ReceiptID != nil && *donation.ReceiptID != "" {
		fmt.Fprintf(&b, "Payment reference: %s\n", *donation.ReceiptID)
	}
	fmt.Fprintf(&b, "Donation ID: %s\n", donation.ID)
	if donation.IsRecurring {
		b.WriteString("\nWe have noted that you would like to give regularly. We will be in touch.\n")
	}
	b.WriteString("\nWith gratitude,\nVoices of Hope")
	return b.String()
}
