package finalize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakestreak/chain"
	"stakestreak/civil"
	"stakestreak/models"
	"stakestreak/queue"
)

const treasuryAddress = "0x9999999999999999999999999999999999999999"

func setupFinalizeTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type finalizeFixture struct {
	db        *gorm.DB
	challenge models.Challenge
	now       time.Time
	balance   int64
	balErr    error
}

// newFinalizeFixture seeds a finished 10 day challenge ending before "now".
func newFinalizeFixture(t *testing.T) *finalizeFixture {
	t.Helper()
	f := &finalizeFixture{
		db:  setupFinalizeTestDB(t),
		now: time.Date(2025, 3, 16, 9, 0, 0, 0, time.UTC),
	}
	f.challenge = models.Challenge{
		ID:            uuid.New(),
		Title:         "daily pages",
		StakeAmount:   100_000_000,
		StartDate:     time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
		EndDate:       time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		EscrowAddress: "0x3333333333333333333333333333333333333333",
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	if err := f.db.Create(&f.challenge).Error; err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return f
}

func (f *finalizeFixture) finalizer(treasury string) *Finalizer {
	q := queue.New(f.db, queue.WithClock(func() time.Time { return f.now }))
	mock := chain.FuncChain{
		BalanceFunc: func(ctx context.Context, address string) (int64, error) {
			return f.balance, f.balErr
		},
	}
	return New(f.db, q, civil.NewCalendar(time.UTC), mock, treasury,
		WithClock(func() time.Time { return f.now }),
		WithDustThreshold(1000),
	)
}

func (f *finalizeFixture) addParticipant(t *testing.T, approvedDays []string) models.UserChallenge {
	t.Helper()
	uc := models.UserChallenge{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		ChallengeID:   f.challenge.ID,
		StakeAmount:   f.challenge.StakeAmount,
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Status:        models.ParticipantActive,
		StartDate:     f.challenge.StartDate,
		EndDate:       f.challenge.EndDate,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	if err := f.db.Create(&uc).Error; err != nil {
		t.Fatalf("create participant: %v", err)
	}
	for _, day := range approvedDays {
		sub := models.Submission{
			ID:              uuid.New(),
			UserChallengeID: uc.ID,
			UserID:          uc.UserID,
			ChallengeID:     f.challenge.ID,
			SubmissionDate:  f.now,
			DayKey:          day,
			Status:          models.SubmissionApproved,
			CreatedAt:       f.now,
			UpdatedAt:       f.now,
		}
		if err := f.db.Create(&sub).Error; err != nil {
			t.Fatalf("create submission: %v", err)
		}
	}
	return uc
}

// days returns n consecutive day keys starting at the challenge start.
func days(t *testing.T, start string, n int) []string {
	t.Helper()
	keys := make([]string, 0, n)
	key := start
	for i := 0; i < n; i++ {
		keys = append(keys, key)
		next, err := civil.AddDays(key, 1)
		if err != nil {
			t.Fatalf("add days: %v", err)
		}
		key = next
	}
	return keys
}

func TestCloseChallengeOutcomes(t *testing.T) {
	f := newFinalizeFixture(t)

	// 8 of 10 days with only isolated misses: COMPLETED.
	perfect := f.addParticipant(t, []string{
		"2025-03-05", "2025-03-06", "2025-03-07", "2025-03-08",
		"2025-03-09", "2025-03-11", "2025-03-12", "2025-03-13",
	})
	// 7 of 10 days with isolated misses: below the 80% bar.
	short := f.addParticipant(t, []string{
		"2025-03-05", "2025-03-07", "2025-03-09", "2025-03-11",
		"2025-03-12", "2025-03-13", "2025-03-14",
	})
	// 8 approved days but a 2 day gap in the middle: FAILED on the streak
	// rule despite the rate.
	gapDays := append(days(t, "2025-03-05", 4), days(t, "2025-03-11", 4)...)
	gapped := f.addParticipant(t, gapDays)

	result, err := f.finalizer("").CloseChallenge(context.Background(), f.challenge.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.EndedEarly {
		t.Fatal("challenge past its end must not be marked early")
	}

	wantStatus := map[uuid.UUID]models.UserChallengeStatus{
		perfect.UserID: models.ParticipantCompleted,
		short.UserID:   models.ParticipantFailed,
		gapped.UserID:  models.ParticipantFailed,
	}
	for _, outcome := range result.Participants {
		if want := wantStatus[outcome.UserID]; outcome.Status != want {
			t.Fatalf("participant %s: expected %s got %s (rate %.2f, misses %d)",
				outcome.UserID, want, outcome.Status, outcome.CompletionRate, outcome.ConsecutiveMisses)
		}
	}

	var challenge models.Challenge
	if err := f.db.First(&challenge, "id = ?", f.challenge.ID).Error; err != nil {
		t.Fatalf("reload challenge: %v", err)
	}
	if !challenge.PayoutsFinalized || !challenge.IsCompleted || challenge.CompletedAt == nil {
		t.Fatalf("challenge not finalized: %+v", challenge)
	}
}

func TestCloseChallengeEarlyShortensRange(t *testing.T) {
	f := newFinalizeFixture(t)
	// Close midway through day 6 of 10. The day of the close is excluded,
	// so the effective range is the 5 fully elapsed days, all approved.
	f.now = time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	uc := f.addParticipant(t, days(t, "2025-03-05", 5))

	result, err := f.finalizer("").CloseChallenge(context.Background(), f.challenge.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !result.EndedEarly {
		t.Fatal("expected early close flagged")
	}
	if len(result.Participants) != 1 || result.Participants[0].Status != models.ParticipantCompleted {
		t.Fatalf("expected COMPLETED under shortened range got %+v", result.Participants)
	}

	var reloaded models.UserChallenge
	if err := f.db.First(&reloaded, "id = ?", uc.ID).Error; err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	if !reloaded.EndDate.Equal(f.now) {
		t.Fatalf("expected participant end date moved to close time")
	}
}

func TestCloseChallengeSweepsDust(t *testing.T) {
	f := newFinalizeFixture(t)
	f.balance = 5_250_000
	f.addParticipant(t, days(t, "2025-03-05", 8))

	result, err := f.finalizer(treasuryAddress).CloseChallenge(context.Background(), f.challenge.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.DustSwept != 5_250_000 {
		t.Fatalf("expected 5_250_000 swept got %d", result.DustSwept)
	}

	var job models.PayoutJob
	if err := f.db.First(&job, "type = ?", models.PayoutDustSweep).Error; err != nil {
		t.Fatalf("load sweep job: %v", err)
	}
	if job.Amount != 5_250_000 || job.UserID != uuid.Nil {
		t.Fatalf("unexpected sweep job %+v", job)
	}
	if job.WalletAddress != treasuryAddress {
		t.Fatalf("sweep must target the treasury")
	}
}

func TestCloseChallengeSkipsDustBelowThreshold(t *testing.T) {
	f := newFinalizeFixture(t)
	f.balance = 900

	result, err := f.finalizer(treasuryAddress).CloseChallenge(context.Background(), f.challenge.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.DustSwept != 0 {
		t.Fatalf("expected no sweep got %d", result.DustSwept)
	}
	var count int64
	if err := f.db.Model(&models.PayoutJob{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no sweep job got %d", count)
	}
}

func TestCloseChallengeBalanceErrorStillFinalizes(t *testing.T) {
	f := newFinalizeFixture(t)
	f.balErr = errors.New("rpc unavailable")

	result, err := f.finalizer(treasuryAddress).CloseChallenge(context.Background(), f.challenge.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.DustSkipNote != "balance unavailable" {
		t.Fatalf("expected skip note got %q", result.DustSkipNote)
	}

	var challenge models.Challenge
	if err := f.db.First(&challenge, "id = ?", f.challenge.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !challenge.PayoutsFinalized {
		t.Fatal("balance failure must not block the close")
	}
}

func TestCloseChallengeMissingTreasuryLeavesDust(t *testing.T) {
	f := newFinalizeFixture(t)
	f.balance = 5_000_000

	result, err := f.finalizer("").CloseChallenge(context.Background(), f.challenge.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.DustSwept != 0 || result.DustSkipNote != "treasury not configured" {
		t.Fatalf("expected treasury skip note got %+v", result)
	}
}

func TestCloseChallengeTwiceRefused(t *testing.T) {
	f := newFinalizeFixture(t)
	ctx := context.Background()
	fin := f.finalizer("")

	if _, err := fin.CloseChallenge(ctx, f.challenge.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := fin.CloseChallenge(ctx, f.challenge.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized got %v", err)
	}
}

func TestCloseChallengeUnknownID(t *testing.T) {
	f := newFinalizeFixture(t)
	if _, err := f.finalizer("").CloseChallenge(context.Background(), uuid.New()); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound got %v", err)
	}
}
