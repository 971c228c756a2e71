package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakestreak/civil"
	"stakestreak/models"
	"stakestreak/queue"
)

func setupSettlementTestDB(t *testing.T) *gorm.DB {
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

type settlementFixture struct {
	db        *gorm.DB
	engine    *Engine
	queue     *queue.Queue
	cal       *civil.Calendar
	challenge models.Challenge
	now       time.Time
}

// newSettlementFixture seeds a 10 day challenge with a 100 token stake, so
// the base daily rate is 10 tokens (10_000_000 micro-units).
func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	db := setupSettlementTestDB(t)
	cal := civil.NewCalendar(time.UTC)
	now := time.Date(2025, 3, 12, 0, 30, 0, 0, time.UTC)
	q := queue.New(db, queue.WithClock(func() time.Time { return now }))
	engine := NewEngine(db, q, cal, WithClock(func() time.Time { return now }))

	challenge := models.Challenge{
		ID:          uuid.New(),
		Title:       "30 days of running",
		StakeAmount: 100_000_000,
		StartDate:   time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&challenge).Error; err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return &settlementFixture{db: db, engine: engine, queue: q, cal: cal, challenge: challenge, now: now}
}

func (f *settlementFixture) addParticipant(t *testing.T, status models.UserChallengeStatus) models.UserChallenge {
	t.Helper()
	uc := models.UserChallenge{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		ChallengeID:   f.challenge.ID,
		StakeAmount:   f.challenge.StakeAmount,
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Status:        status,
		StartDate:     f.challenge.StartDate,
		EndDate:       f.challenge.EndDate,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	if err := f.db.Create(&uc).Error; err != nil {
		t.Fatalf("create participant: %v", err)
	}
	return uc
}

func (f *settlementFixture) approveDay(t *testing.T, uc models.UserChallenge, dayKey string) {
	t.Helper()
	sub := models.Submission{
		ID:              uuid.New(),
		UserChallengeID: uc.ID,
		UserID:          uc.UserID,
		ChallengeID:     uc.ChallengeID,
		SubmissionDate:  f.now,
		DayKey:          dayKey,
		Status:          models.SubmissionApproved,
		CreatedAt:       f.now,
		UpdatedAt:       f.now,
	}
	if err := f.db.Create(&sub).Error; err != nil {
		t.Fatalf("create submission: %v", err)
	}
}

func TestBaseDailyRate(t *testing.T) {
	cases := []struct {
		stake int64
		days  int
		want  int64
	}{
		{100_000_000, 10, 10_000_000},
		{100_000_000, 3, 33_333_333}, // floored
		{100_000_000, 0, 100_000_000},
	}
	for _, tc := range cases {
		if got := BaseDailyRate(tc.stake, tc.days); got != tc.want {
			t.Fatalf("BaseDailyRate(%d,%d): expected %d got %d", tc.stake, tc.days, tc.want, got)
		}
	}
}

func TestSettleDaySplitsMissedPool(t *testing.T) {
	f := newSettlementFixture(t)
	day := "2025-03-11"

	// 5 participants, 3 showed up, 2 missed. Pool = 2 x 10 tokens,
	// bonus per person = floor(20 / 3) = 6.666666.
	var showed []models.UserChallenge
	for i := 0; i < 5; i++ {
		uc := f.addParticipant(t, models.ParticipantActive)
		if i < 3 {
			f.approveDay(t, uc, day)
			showed = append(showed, uc)
		}
	}

	result, err := f.engine.SettleDay(context.Background(), f.challenge.ID, day)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.ShowedUp != 3 || result.Missed != 2 {
		t.Fatalf("expected 3 showed / 2 missed got %d / %d", result.ShowedUp, result.Missed)
	}
	if result.BaseDailyRate != 10_000_000 {
		t.Fatalf("expected rate 10_000_000 got %d", result.BaseDailyRate)
	}
	if result.BonusPerPerson != 6_666_666 {
		t.Fatalf("expected bonus 6_666_666 got %d", result.BonusPerPerson)
	}
	if result.TotalDistributed != 19_999_998 {
		t.Fatalf("expected total 19_999_998 got %d", result.TotalDistributed)
	}

	var jobs []models.PayoutJob
	if err := f.db.Where("type = ?", models.PayoutDailyBonus).Find(&jobs).Error; err != nil {
		t.Fatalf("load jobs: %v", err)
	}
	if len(jobs) != len(showed) {
		t.Fatalf("expected %d bonus jobs got %d", len(showed), len(jobs))
	}
	for _, job := range jobs {
		if job.Amount != 6_666_666 || job.DayDate != day || job.Status != models.PayoutQueued {
			t.Fatalf("unexpected bonus job %+v", job)
		}
	}
}

func TestSettleDayEveryoneShowedUp(t *testing.T) {
	f := newSettlementFixture(t)
	day := "2025-03-11"
	for i := 0; i < 3; i++ {
		uc := f.addParticipant(t, models.ParticipantActive)
		f.approveDay(t, uc, day)
	}

	result, err := f.engine.SettleDay(context.Background(), f.challenge.ID, day)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.BonusPerPerson != 0 || result.TotalDistributed != 0 {
		t.Fatalf("expected zero bonus got %+v", result)
	}
	var count int64
	if err := f.db.Model(&models.PayoutJob{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no jobs got %d", count)
	}
}

func TestSettleDayNobodyShowedUp(t *testing.T) {
	f := newSettlementFixture(t)
	for i := 0; i < 3; i++ {
		f.addParticipant(t, models.ParticipantActive)
	}

	result, err := f.engine.SettleDay(context.Background(), f.challenge.ID, "2025-03-11")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.ShowedUp != 0 || result.Missed != 3 || result.BonusPerPerson != 0 {
		t.Fatalf("expected forfeited pool with no recipients got %+v", result)
	}
}

func TestFailedParticipantForfeitsShare(t *testing.T) {
	f := newSettlementFixture(t)
	day := "2025-03-11"
	showed := f.addParticipant(t, models.ParticipantActive)
	f.approveDay(t, showed, day)
	f.addParticipant(t, models.ParticipantFailed)

	result, err := f.engine.SettleDay(context.Background(), f.challenge.ID, day)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.Missed != 1 || result.BonusPerPerson != 10_000_000 {
		t.Fatalf("expected failed participant's share redistributed, got %+v", result)
	}
}

func TestSettleDayIdempotent(t *testing.T) {
	f := newSettlementFixture(t)
	day := "2025-03-11"
	showed := f.addParticipant(t, models.ParticipantActive)
	f.approveDay(t, showed, day)
	f.addParticipant(t, models.ParticipantActive)

	first, err := f.engine.SettleDay(context.Background(), f.challenge.ID, day)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := f.engine.SettleDay(context.Background(), f.challenge.ID, day)
	if err != nil {
		t.Fatalf("re-settle: %v", err)
	}
	if !second.AlreadySettled {
		t.Fatal("expected AlreadySettled on the second run")
	}
	if second.BonusPerPerson != first.BonusPerPerson {
		t.Fatalf("second run changed the recorded outcome")
	}

	var jobCount, settlementCount int64
	if err := f.db.Model(&models.PayoutJob{}).Count(&jobCount).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if err := f.db.Model(&models.DailySettlement{}).Count(&settlementCount).Error; err != nil {
		t.Fatalf("count settlements: %v", err)
	}
	if jobCount != 1 || settlementCount != 1 {
		t.Fatalf("expected 1 job and 1 settlement got %d / %d", jobCount, settlementCount)
	}
}

func TestSettleDayGuards(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()

	if _, err := f.engine.SettleDay(ctx, uuid.New(), "2025-03-11"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound got %v", err)
	}
	// The end date itself is not a settlement day.
	if _, err := f.engine.SettleDay(ctx, f.challenge.ID, "2025-03-15"); !errors.Is(err, ErrDayOutOfRange) {
		t.Fatalf("expected ErrDayOutOfRange got %v", err)
	}
	if _, err := f.engine.SettleDay(ctx, f.challenge.ID, "2025-03-04"); !errors.Is(err, ErrDayOutOfRange) {
		t.Fatalf("expected ErrDayOutOfRange got %v", err)
	}

	if err := f.db.Model(&models.Challenge{}).Where("id = ?", f.challenge.ID).
		Update("payouts_finalized", true).Error; err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := f.engine.SettleDay(ctx, f.challenge.ID, "2025-03-11"); !errors.Is(err, ErrChallengeFinalized) {
		t.Fatalf("expected ErrChallengeFinalized got %v", err)
	}
}

func TestSettleDueTargetsYesterday(t *testing.T) {
	f := newSettlementFixture(t)
	uc := f.addParticipant(t, models.ParticipantActive)
	f.approveDay(t, uc, "2025-03-11")
	f.addParticipant(t, models.ParticipantActive)

	// A second challenge outside its range must be skipped.
	outside := models.Challenge{
		ID:          uuid.New(),
		StakeAmount: 50_000_000,
		StartDate:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC),
	}
	if err := f.db.Create(&outside).Error; err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	results, err := f.engine.SettleDue(context.Background())
	if err != nil {
		t.Fatalf("settle due: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 settled challenge got %d", len(results))
	}
	if results[0].DayDate != "2025-03-11" {
		t.Fatalf("expected yesterday settled got %s", results[0].DayDate)
	}
}

func TestSettleDueSkipsPaused(t *testing.T) {
	f := newSettlementFixture(t)
	f.addParticipant(t, models.ParticipantActive)
	if err := f.db.Model(&models.Challenge{}).Where("id = ?", f.challenge.ID).
		Update("is_paused", true).Error; err != nil {
		t.Fatalf("pause: %v", err)
	}

	results, err := f.engine.SettleDue(context.Background())
	if err != nil {
		t.Fatalf("settle due: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected paused challenge skipped got %d results", len(results))
	}
}
