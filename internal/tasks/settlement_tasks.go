package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voh_site_echo/internal/models"
	"voh_site_echo/internal/services"
)

const (
	AwaitSettlementTaskName = "await_mpesa_settlement"
	ReconcileTaskName       = "reconcile_pending_donations"
)

// DonationWorkflow is the part of the donation service background tasks drive
type DonationWorkflow interface {
	AwaitSettlement(ctx context.Context, correlationID string) (*models.Donation, error)
	ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (services.ReconcileReport, error)
	GetDonation(ctx context.Context, id string) (*models.Donation, error)
}

type AwaitSettlementArgs struct {
	DonationID    string `json:"donation_id"`
	CorrelationID string `json:"correlation_id"`
}

// AwaitSettlementTaskDef polls the push rail until a donation settles
type AwaitSettlementTaskDef struct {
	donations DonationWorkflow
}

func (t *AwaitSettlementTaskDef) TaskID() string {
	return AwaitSettlementTaskName
}

// NewAwaitSettlementTask builds the one-time poll task for a freshly pushed donation
func NewAwaitSettlementTask(args AwaitSettlementArgs, due time.Time) (*models.ScheduledTask, error) {
	task, err := BuildScheduledTask(AwaitSettlementTaskName, args, due, nil, models.ScheduledTaskTypeOneTime, 3)
	if err != nil {
		return nil, err
	}
	if args.DonationID != "" {
		donationID := args.DonationID
		task.DonationID = &donationID
	}
	return task, nil
}

func (t *AwaitSettlementTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	var args AwaitSettlementArgs
	if err := decodeArgs(task, &args); err != nil {
		return nil, err
	}
	correlationID := strings.TrimSpace(args.CorrelationID)
	if correlationID == "" {
		return nil, fmt.Errorf("%w: correlation_id not provided", ErrPermanent)
	}

	donation, err := t.donations.AwaitSettlement(ctx, correlationID)
	switch {
	case errors.Is(err, services.ErrPollInProgress):
		return map[string]interface{}{"status": "skipped", "message": "another worker is polling"}, nil
	case errors.Is(err, services.ErrDonationNotFound):
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	case err != nil:
		var timeout *services.PollTimeoutError
		if errors.As(err, &timeout) {
			return map[string]interface{}{"attempts": timeout.Attempts, "donation_status": models.DonationStatusPending}, err
		}
		return nil, err
	}

	result := map[string]interface{}{
		"status":          "success",
		"donation_id":     donation.ID,
		"donation_status": donation.Status,
	}
	if donation.ReceiptID != nil {
		result["receipt_id"] = *donation.ReceiptID
	}
	return result, nil
}

type ReconcileArgs struct {
	OlderThanMinutes int `json:"older_than_minutes,omitempty"`
	Limit            int `json:"limit,omitempty"`
}

// ReconcileTaskDef sweeps pending donations whose settlement signal never arrived
type ReconcileTaskDef struct {
	donations  DonationWorkflow
	staleAfter time.Duration
	limit      int
}

func (t *ReconcileTaskDef) TaskID() string {
	return ReconcileTaskName
}

func (t *ReconcileTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	var args ReconcileArgs
	if err := decodeArgs(task, &args); err != nil {
		return nil, err
	}

	olderThan := t.staleAfter
	if args.OlderThanMinutes > 0 {
		olderThan = time.Duration(args.OlderThanMinutes) * time.Minute
	}
	limit := t.limit
	if args.Limit > 0 {
		limit = args.Limit
	}

	report, err := t.donations.ReconcileStale(ctx, olderThan, limit)
	result := map[string]interface{}{
		"checked":   report.Checked,
		"completed": report.Completed,
		"failed":    report.Failed,
		"pending":   report.Pending,
		"errors":    report.Errors,
	}
	return result, err
}
