package models

import (
	"testing"
	"time"
)

func TestScheduledTaskNextDue(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	every15 := "FREQ=MINUTELY;INTERVAL=15"
	broken := "FREQ=SOMETIMES"

	tests := []struct {
		name     string
		task     ScheduledTask
		now      time.Time
		expected time.Time
	}{
		{
			name:     "one time task has no next occurrence",
			task:     ScheduledTask{TaskType: ScheduledTaskTypeOneTime, Due: start, RecurringInterval: &every15},
			now:      start,
			expected: time.Time{},
		},
		{
			name:     "recurring task moves past now",
			task:     ScheduledTask{TaskType: ScheduledTaskTypeRecurring, Due: start, RecurringInterval: &every15},
			now:      start.Add(20 * time.Minute),
			expected: start.Add(30 * time.Minute),
		},
		{
			name:     "exact boundary is excluded",
			task:     ScheduledTask{TaskType: ScheduledTaskTypeRecurring, Due: start, RecurringInterval: &every15},
			now:      start.Add(15 * time.Minute),
			expected: start.Add(30 * time.Minute),
		},
		{
			name:     "unparseable rule",
			task:     ScheduledTask{TaskType: ScheduledTaskTypeRecurring, Due: start, RecurringInterval: &broken},
			now:      start,
			expected: time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.task.NextDue(tt.now)
			if !got.Equal(tt.expected) {
				t.Errorf("NextDue() = %v; want %v", got, tt.expected)
			}
		})
	}
}

func TestDonationStatusIsTerminal(t *testing.T) {
	if DonationStatusPending.IsTerminal() {
		t.Error("pending must not be terminal")
	}
	if !DonationStatusCompleted.IsTerminal() || !DonationStatusFailed.IsTerminal() {
		t.Error("completed and failed must be terminal")
	}
}

func TestDonationCorrelationID(t *testing.T) {
	pi := "pi_123"
	checkout := "ws_CO_1"

	if got := (Donation{StripePaymentIntentID: &pi}).CorrelationID(); got != pi {
		t.Errorf("expected %q, got %q", pi, got)
	}
	if got := (Donation{MpesaCheckoutRequestID: &checkout}).CorrelationID(); got != checkout {
		t.Errorf("expected %q, got %q", checkout, got)
	}
	if got := (Donation{}).CorrelationID(); got != "" {
		t.Errorf("expected empty correlation id, got %q", got)
	}
}
