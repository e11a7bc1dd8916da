package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"voh_site_echo/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "donations.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newPendingDonation(t *testing.T, store *GormDonationStore, rail models.PaymentRail, amount, currency, correlationID string) *models.Donation {
	t.Helper()
	donation := &models.Donation{
		Amount:    decimal.RequireFromString(amount),
		Currency:  currency,
		DonorName: "Amani",
		Rail:      rail,
	}
	if err := store.Create(context.Background(), donation); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if correlationID != "" {
		if err := store.AttachCorrelationID(context.Background(), donation.ID, rail, correlationID, nil); err != nil {
			t.Fatalf("AttachCorrelationID returned error: %v", err)
		}
	}
	return donation
}

func TestDonationStore_CreateRejectsNonPositiveAmount(t *testing.T) {
	store := NewDonationStore(newTestDB(t))

	tests := []struct {
		name   string
		amount string
	}{
		{name: "zero", amount: "0"},
		{name: "negative", amount: "-5.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Create(context.Background(), &models.Donation{
				Amount:   decimal.RequireFromString(tt.amount),
				Currency: "USD",
				Rail:     models.PaymentRailCard,
			})
			var vErr *ValidationError
			if !errors.As(err, &vErr) || vErr.Field != "amount" {
				t.Fatalf("expected amount ValidationError, got %v", err)
			}
		})
	}

	_, total, err := store.List(context.Background(), DonationFilter{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no donations to be stored, got %d", total)
	}
}

func TestDonationStore_CreateForcesPending(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	receipt := "R1"

	donation := &models.Donation{
		Amount:    decimal.NewFromInt(10),
		Currency:  "usd",
		Rail:      models.PaymentRailCard,
		Status:    models.DonationStatusCompleted,
		ReceiptID: &receipt,
	}
	if err := store.Create(context.Background(), donation); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	stored, err := store.FindByID(context.Background(), donation.ID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if stored.Status != models.DonationStatusPending || stored.ReceiptID != nil {
		t.Fatalf("expected pending donation without receipt, got status=%s receipt=%v", stored.Status, stored.ReceiptID)
	}
	if stored.Currency != "USD" {
		t.Fatalf("expected normalized currency USD, got %q", stored.Currency)
	}
	if stored.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestDonationStore_RoundTripByCorrelationID(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	ctx := context.Background()

	card := newPendingDonation(t, store, models.PaymentRailCard, "50.00", "USD", "pi_round_trip")
	mpesa := newPendingDonation(t, store, models.PaymentRailMpesa, "2000", "KES", "ws_CO_round_trip")

	tests := []struct {
		name          string
		correlationID string
		want          *models.Donation
	}{
		{name: "card intent", correlationID: "pi_round_trip", want: card},
		{name: "mpesa checkout", correlationID: "ws_CO_round_trip", want: mpesa},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := store.FindByProviderCorrelationID(ctx, tt.correlationID)
			if err != nil {
				t.Fatalf("FindByProviderCorrelationID returned error: %v", err)
			}
			if found.ID != tt.want.ID {
				t.Fatalf("expected donation %s, got %s", tt.want.ID, found.ID)
			}
			if !found.Amount.Equal(tt.want.Amount) || found.Currency != tt.want.Currency {
				t.Fatalf("amount/currency mismatch: got %s %s", found.Amount, found.Currency)
			}
			if found.CorrelationID() != tt.correlationID {
				t.Fatalf("expected correlation id %q, got %q", tt.correlationID, found.CorrelationID())
			}
		})
	}

	if _, err := store.FindByProviderCorrelationID(ctx, "pi_round"); !errors.Is(err, ErrDonationNotFound) {
		t.Fatalf("expected exact match only, got %v", err)
	}
	if _, err := store.FindByProviderCorrelationID(ctx, ""); !errors.Is(err, ErrDonationNotFound) {
		t.Fatalf("expected empty id to be not found, got %v", err)
	}
}

func TestDonationStore_AttachCorrelationIDIsSetOnce(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	ctx := context.Background()

	donation := newPendingDonation(t, store, models.PaymentRailMpesa, "100", "KES", "")
	metadata := datatypes.JSON(`{"CustomerMessage":"Success"}`)

	if err := store.AttachCorrelationID(ctx, donation.ID, models.PaymentRailMpesa, "ws_CO_first", metadata); err != nil {
		t.Fatalf("first attach returned error: %v", err)
	}
	if err := store.AttachCorrelationID(ctx, donation.ID, models.PaymentRailMpesa, "ws_CO_second", nil); err == nil {
		t.Fatal("expected second attach to fail")
	}

	stored, err := store.FindByID(ctx, donation.ID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if stored.CorrelationID() != "ws_CO_first" {
		t.Fatalf("correlation id changed to %q", stored.CorrelationID())
	}
	if len(stored.InitiationMetadata) == 0 {
		t.Fatal("expected initiation metadata to be stored")
	}

	if err := store.AttachCorrelationID(ctx, "missing", models.PaymentRailMpesa, "ws_CO_x", nil); !errors.Is(err, ErrDonationNotFound) {
		t.Fatalf("expected ErrDonationNotFound, got %v", err)
	}
}

func TestDonationStore_UpdateStatusIsIdempotent(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	ctx := context.Background()
	donation := newPendingDonation(t, store, models.PaymentRailMpesa, "2000", "KES", "ws_CO_idem")

	update := StatusUpdate{Status: models.DonationStatusCompleted, ReceiptID: "NLJ7RT61SV", Source: models.SettlementSourceCallback}

	first, applied, err := store.UpdateStatus(ctx, donation.ID, update)
	if err != nil || !applied {
		t.Fatalf("first update: applied=%v err=%v", applied, err)
	}
	second, applied, err := store.UpdateStatus(ctx, donation.ID, update)
	if err != nil {
		t.Fatalf("second update returned error: %v", err)
	}
	if applied {
		t.Fatal("second update must not apply")
	}

	for _, d := range []*models.Donation{first, second} {
		if d.Status != models.DonationStatusCompleted {
			t.Fatalf("expected completed, got %s", d.Status)
		}
		if d.ReceiptID == nil || *d.ReceiptID != "NLJ7RT61SV" {
			t.Fatalf("expected receipt NLJ7RT61SV, got %v", d.ReceiptID)
		}
	}
}

func TestDonationStore_TerminalStateIsProtected(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	ctx := context.Background()
	donation := newPendingDonation(t, store, models.PaymentRailCard, "50.00", "USD", "pi_terminal")

	if _, _, err := store.UpdateStatus(ctx, donation.ID, StatusUpdate{Status: models.DonationStatusCompleted, ReceiptID: "ch_1", Source: models.SettlementSourceWebhook}); err != nil {
		t.Fatalf("complete returned error: %v", err)
	}

	current, applied, err := store.UpdateStatus(ctx, donation.ID, StatusUpdate{Status: models.DonationStatusFailed, FailureReason: "late poll", Source: models.SettlementSourcePoll})
	if err != nil {
		t.Fatalf("late failure returned error: %v", err)
	}
	if applied {
		t.Fatal("late failure must not apply")
	}
	if current.Status != models.DonationStatusCompleted || current.FailureReason != "" {
		t.Fatalf("terminal state overwritten: status=%s reason=%q", current.Status, current.FailureReason)
	}
	if current.SettlementSource != models.SettlementSourceWebhook {
		t.Fatalf("expected webhook settlement source, got %q", current.SettlementSource)
	}
}

func TestDonationStore_FailedNeverCarriesReceipt(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	ctx := context.Background()
	donation := newPendingDonation(t, store, models.PaymentRailMpesa, "10", "KES", "ws_CO_fail")

	current, applied, err := store.UpdateStatus(ctx, donation.ID, StatusUpdate{Status: models.DonationStatusFailed, ReceiptID: "SHOULD_NOT_STICK", FailureReason: "Request cancelled by user"})
	if err != nil || !applied {
		t.Fatalf("failure update: applied=%v err=%v", applied, err)
	}
	if current.ReceiptID != nil {
		t.Fatalf("failed donation must not carry a receipt, got %q", *current.ReceiptID)
	}
	if current.FailureReason != "Request cancelled by user" {
		t.Fatalf("unexpected failure reason %q", current.FailureReason)
	}
}

func TestDonationStore_UpdateStatusRejectsPending(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	donation := newPendingDonation(t, store, models.PaymentRailCard, "5", "USD", "pi_pending")

	_, _, err := store.UpdateStatus(context.Background(), donation.ID, StatusUpdate{Status: models.DonationStatusPending})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDonationStore_ConcurrentTransitionsFirstWins(t *testing.T) {
	store := NewDonationStore(newTestDB(t))
	ctx := context.Background()
	donation := newPendingDonation(t, store, models.PaymentRailMpesa, "2000", "KES", "ws_CO_race")

	updates := []StatusUpdate{
		{Status: models.DonationStatusCompleted, ReceiptID: "RCPT", Source: models.SettlementSourceCallback},
		{Status: models.DonationStatusFailed, FailureReason: "stale", Source: models.SettlementSourcePoll},
		{Status: models.DonationStatusCompleted, ReceiptID: "RCPT", Source: models.SettlementSourcePoll},
		{Status: models.DonationStatusFailed, FailureReason: "stale", Source: models.SettlementSourceCallback},
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		winner  models.DonationStatus
	)
	for _, u := range updates {
		wg.Add(1)
		go func(u StatusUpdate) {
			defer wg.Done()
			_, ok, err := store.UpdateStatus(ctx, donation.ID, u)
			if err != nil {
				t.Errorf("UpdateStatus returned error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				winner = u.Status
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied)
	}
	stored, err := store.FindByID(ctx, donation.ID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if stored.Status != winner {
		t.Fatalf("stored status %s does not match winning transition %s", stored.Status, winner)
	}
}

func TestDonationStore_ListAndStalePending(t *testing.T) {
	db := newTestDB(t)
	store := NewDonationStore(db)
	ctx := context.Background()

	old := newPendingDonation(t, store, models.PaymentRailMpesa, "10", "KES", "ws_CO_old")
	fresh := newPendingDonation(t, store, models.PaymentRailMpesa, "10", "KES", "ws_CO_fresh")
	newPendingDonation(t, store, models.PaymentRailCard, "10", "USD", "")
	done := newPendingDonation(t, store, models.PaymentRailCard, "10", "USD", "pi_done")

	past := time.Now().Add(-time.Hour)
	if err := db.Model(&models.Donation{}).Where("id IN ?", []string{old.ID, done.ID}).Update("created_at", past).Error; err != nil {
		t.Fatalf("failed to backdate: %v", err)
	}
	if _, _, err := store.UpdateStatus(ctx, done.ID, StatusUpdate{Status: models.DonationStatusCompleted, Source: models.SettlementSourceWebhook}); err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}

	stale, err := store.ListStalePending(ctx, time.Now().Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalePending returned error: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only the old pending donation, got %+v", stale)
	}

	pending, total, err := store.List(ctx, DonationFilter{Status: string(models.DonationStatusPending), Rail: string(models.PaymentRailMpesa)})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if total != 2 || len(pending) != 2 {
		t.Fatalf("expected 2 pending mpesa donations, got total=%d len=%d", total, len(pending))
	}
	if pending[0].ID != fresh.ID {
		t.Fatalf("expected newest first, got %s", pending[0].ID)
	}

	page, total, err := store.List(ctx, DonationFilter{Page: 2, PageSize: 3})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if total != 4 || len(page) != 1 {
		t.Fatalf("expected 1 donation on page 2 of 4, got total=%d len=%d", total, len(page))
	}
}

func TestDonationStore_ListUnconfirmed(t *testing.T) {
	db := newTestDB(t)
	store := NewDonationStore(db)
	ctx := context.Background()

	create := func(phone string) *models.Donation {
		d := &models.Donation{Amount: decimal.NewFromInt(50), Currency: "KES", Rail: models.PaymentRailMpesa, PhoneNumber: phone}
		if err := store.Create(ctx, d); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
		return d
	}
	held := create("254712345678")
	old := create("254712345678")
	other := create("254722000111")
	confirmed := create("254712345678")
	if err := store.AttachCorrelationID(ctx, confirmed.ID, models.PaymentRailMpesa, "ws_CO_ok", nil); err != nil {
		t.Fatalf("AttachCorrelationID returned error: %v", err)
	}
	newPendingDonation(t, store, models.PaymentRailCard, "10", "USD", "")
	if err := db.Model(&models.Donation{}).Where("id = ?", old.ID).Update("created_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("failed to backdate: %v", err)
	}

	if err := store.NoteInitiation(ctx, held.ID, datatypes.JSON(`{"outcome":"unknown"}`)); err != nil {
		t.Fatalf("NoteInitiation returned error: %v", err)
	}
	if got, _ := store.FindByID(ctx, held.ID); got.Status != models.DonationStatusPending || string(got.InitiationMetadata) != `{"outcome":"unknown"}` {
		t.Fatalf("unexpected noted donation %+v", got)
	}

	tests := []struct {
		name    string
		filter  UnconfirmedFilter
		wantIDs []string
	}{
		{name: "by phone and window", filter: UnconfirmedFilter{PhoneNumber: "254712345678", CreatedAfter: time.Now().Add(-10 * time.Minute)}, wantIDs: []string{held.ID}},
		{name: "stale", filter: UnconfirmedFilter{CreatedBefore: time.Now().Add(-10 * time.Minute)}, wantIDs: []string{old.ID}},
		{name: "other phone", filter: UnconfirmedFilter{PhoneNumber: "254722000111"}, wantIDs: []string{other.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListUnconfirmed(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListUnconfirmed returned error: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d donations; want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Fatalf("got[%d] = %s; want %s", i, got[i].ID, id)
				}
			}
		})
	}
}
