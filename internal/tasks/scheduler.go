package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"voh_site_echo/internal/models"
)

// Scheduler turns donation lifecycle events into scheduled tasks
type Scheduler struct {
	db        *gorm.DB
	pollDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewScheduler(db *gorm.DB, pollDelay time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{db: db, pollDelay: pollDelay, logger: logger.With("component", "scheduler"), now: time.Now}
}

// PushInitiated schedules the server-side poll for a push donation
func (s *Scheduler) PushInitiated(ctx context.Context, donation models.Donation) error {
	task, err := NewAwaitSettlementTask(AwaitSettlementArgs{
		DonationID:    donation.ID,
		CorrelationID: donation.CorrelationID(),
	}, s.now().Add(s.pollDelay))
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to schedule settlement poll: %w", err)
	}
	s.logger.Debug("settlement poll scheduled", "donation_id", donation.ID, "task_id", task.ID, "due", task.Due)
	return nil
}

// Settled schedules the thank-you message for a completed donation with a contact channel
func (s *Scheduler) Settled(ctx context.Context, donation models.Donation) error {
	if donation.Status != models.DonationStatusCompleted {
		return nil
	}
	if donation.DonorEmail == "" && donation.PhoneNumber == "" {
		return nil
	}

	task, err := NewReceiptTask(donation.ID, s.now())
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to schedule donation receipt: %w", err)
	}
	return nil
}

// EnsureRecurring creates the named recurring task if no active one exists, or updates its rule.
func (s *Scheduler) EnsureRecurring(ctx context.Context, name, rule string, args interface{}) (*models.ScheduledTask, error) {
	probe := models.ScheduledTask{TaskType: models.ScheduledTaskTypeRecurring, RecurringInterval: &rule, Due: s.now()}
	if probe.NextDue(s.now()).IsZero() {
		return nil, fmt.Errorf("%w: invalid recurrence rule %q", ErrPermanent, rule)
	}

	db := s.db.WithContext(ctx)

	var existing models.ScheduledTask
	err := db.Where("task_name = ? AND task_type = ? AND status = ?", name, models.ScheduledTaskTypeRecurring, models.ScheduledTaskStatusActive).
		First(&existing).Error
	switch {
	case err == nil:
		if existing.RecurringInterval == nil || *existing.RecurringInterval != rule {
			if err := db.Model(&existing).Update("recurring_interval", rule).Error; err != nil {
				return nil, fmt.Errorf("failed to update schedule for %s: %w", name, err)
			}
			existing.RecurringInterval = &rule
			s.logger.Info("recurring task schedule updated", "task", name, "rule", rule)
		}
		return &existing, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	task, err := BuildScheduledTask(name, args, s.now(), &rule, models.ScheduledTaskTypeRecurring, 1)
	if err != nil {
		return nil, err
	}
	if err := db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("failed to create recurring task %s: %w", name, err)
	}
	s.logger.Info("recurring task created", "task", name, "rule", rule, "task_id", task.ID)
	return task, nil
}
