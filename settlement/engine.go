// Package settlement computes the nightly bonus redistribution: the pool
// forfeited by participants who missed a day is split evenly across those
// who showed up, and one bonus payout job is enqueued per recipient.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stakestreak/civil"
	"stakestreak/models"
	"stakestreak/observability"
	"stakestreak/queue"
)

var (
	// ErrChallengeNotFound indicates the challenge does not exist.
	ErrChallengeNotFound = errors.New("settlement: challenge not found")
	// ErrChallengeFinalized indicates payouts were already finalized so no
	// further settlement may run.
	ErrChallengeFinalized = errors.New("settlement: challenge finalized")
	// ErrDayOutOfRange indicates the requested day is not a settlement day
	// for the challenge.
	ErrDayOutOfRange = errors.New("settlement: day outside challenge range")
)

// Engine runs day settlements for challenges.
type Engine struct {
	db      *gorm.DB
	queue   *queue.Queue
	cal     *civil.Calendar
	metrics *observability.PayoutMetrics
	log     *slog.Logger
	now     func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithClock sets the function used to derive the current instant.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observability.PayoutMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewEngine constructs the settlement engine.
func NewEngine(db *gorm.DB, q *queue.Queue, cal *civil.Calendar, opts ...Option) *Engine {
	engine := &Engine{
		db:      db,
		queue:   q,
		cal:     cal,
		metrics: observability.Payouts(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// BaseDailyRate is the per-day base payout for one participant: the stake in
// micro-units divided evenly across the challenge days, floored.
func BaseDailyRate(stakeMicros int64, totalDays int) int64 {
	if totalDays < 1 {
		totalDays = 1
	}
	return stakeMicros / int64(totalDays)
}

// Result summarises one day settlement.
type Result struct {
	ChallengeID      uuid.UUID `json:"challengeId"`
	DayDate          string    `json:"dayDate"`
	TotalActive      int       `json:"totalActive"`
	ShowedUp         int       `json:"showedUp"`
	Missed           int       `json:"missed"`
	BaseDailyRate    int64     `json:"baseDailyRate"`
	BonusPerPerson   int64     `json:"bonusPerPerson"`
	TotalDistributed int64     `json:"totalDistributed"`
	AlreadySettled   bool      `json:"alreadySettled"`
}

// SettleDay runs the bonus settlement for one challenge day. Re-running a
// settled day returns the recorded outcome without enqueuing anything; the
// settlement row's unique index backstops concurrent runs.
func (e *Engine) SettleDay(ctx context.Context, challengeID uuid.UUID, dayDate string) (*Result, error) {
	if !civil.ValidKey(dayDate) {
		return nil, fmt.Errorf("settlement: invalid day date %q", dayDate)
	}

	var result *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var challenge models.Challenge
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&challenge, "id = ?", challengeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChallengeNotFound
		}
		if err != nil {
			return err
		}
		if challenge.PayoutsFinalized {
			return ErrChallengeFinalized
		}
		if !e.withinRange(challenge, dayDate) {
			return ErrDayOutOfRange
		}

		var existing models.DailySettlement
		err = tx.First(&existing, "challenge_id = ? AND day_date = ?", challengeID, dayDate).Error
		if err == nil {
			result = resultFrom(&existing)
			result.AlreadySettled = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		settled, err := e.settleLocked(tx, &challenge, dayDate)
		if err != nil {
			return err
		}
		result = settled
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.AlreadySettled {
		e.metrics.RecordSettlement(result.TotalDistributed)
		e.log.Info("day settled",
			"challenge_id", challengeID,
			"day", dayDate,
			"showed_up", result.ShowedUp,
			"missed", result.Missed,
			"bonus_per_person", result.BonusPerPerson,
		)
	}
	return result, nil
}

// settleLocked does the bonus math inside the challenge-locked transaction.
func (e *Engine) settleLocked(tx *gorm.DB, challenge *models.Challenge, dayDate string) (*Result, error) {
	totalDays := e.cal.TotalDays(challenge.StartDate, challenge.EndDate)
	rate := BaseDailyRate(challenge.StakeAmount, totalDays)

	var participants []models.UserChallenge
	if err := tx.Where("challenge_id = ?", challenge.ID).Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("settlement: load participants: %w", err)
	}

	showedUpSet, err := approvedUserIDs(tx, challenge.ID, dayDate)
	if err != nil {
		return nil, err
	}

	var (
		showedUp []models.UserChallenge
		missed   int
	)
	for _, p := range participants {
		switch p.Status {
		case models.ParticipantActive, models.ParticipantCompleted:
			if showedUpSet[p.UserID] {
				showedUp = append(showedUp, p)
			} else {
				missed++
			}
		case models.ParticipantFailed:
			// A failed participant's daily share stays in the pool.
			missed++
		}
	}

	bonusPerPerson := int64(0)
	if len(showedUp) > 0 && missed > 0 {
		bonusPerPerson = rate * int64(missed) / int64(len(showedUp))
	}
	totalDistributed := bonusPerPerson * int64(len(showedUp))

	now := e.now()
	record := models.DailySettlement{
		ID:               uuid.New(),
		ChallengeID:      challenge.ID,
		DayDate:          dayDate,
		TotalActive:      len(participants),
		ShowedUp:         len(showedUp),
		Missed:           missed,
		BaseDailyRate:    rate,
		BonusPerPerson:   bonusPerPerson,
		TotalDistributed: totalDistributed,
		CreatedAt:        now,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "challenge_id"}, {Name: "day_date"}},
		DoNothing: true,
	}).Create(&record)
	if res.Error != nil {
		return nil, fmt.Errorf("settlement: record settlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost a race with a concurrent run; surface the winner's record.
		var existing models.DailySettlement
		if err := tx.First(&existing, "challenge_id = ? AND day_date = ?", challenge.ID, dayDate).Error; err != nil {
			return nil, fmt.Errorf("settlement: load concurrent settlement: %w", err)
		}
		out := resultFrom(&existing)
		out.AlreadySettled = true
		return out, nil
	}

	if bonusPerPerson > 0 {
		for _, p := range showedUp {
			_, err := e.queue.EnqueueTx(tx, queue.EnqueueRequest{
				UserID:        p.UserID,
				ChallengeID:   challenge.ID,
				Amount:        bonusPerPerson,
				Type:          models.PayoutDailyBonus,
				DayDate:       dayDate,
				WalletAddress: p.WalletAddress,
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return resultFrom(&record), nil
}

// approvedUserIDs collects the users with an approved submission for the day.
func approvedUserIDs(tx *gorm.DB, challengeID uuid.UUID, dayDate string) (map[uuid.UUID]bool, error) {
	var userIDs []uuid.UUID
	err := tx.Model(&models.Submission{}).
		Distinct("user_id").
		Where("challenge_id = ? AND day_key = ? AND status = ?", challengeID, dayDate, models.SubmissionApproved).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("settlement: load approved submissions: %w", err)
	}
	set := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		set[id] = true
	}
	return set, nil
}

// SettleDue settles yesterday for every challenge whose range covers it and
// that is still running. One challenge failing does not stop the rest.
func (e *Engine) SettleDue(ctx context.Context) ([]Result, error) {
	yesterday, err := civil.AddDays(e.cal.DateKey(e.now()), -1)
	if err != nil {
		return nil, err
	}

	var challenges []models.Challenge
	err = e.db.WithContext(ctx).
		Where("is_completed = ? AND is_paused = ? AND payouts_finalized = ?", false, false, false).
		Find(&challenges).Error
	if err != nil {
		return nil, fmt.Errorf("settlement: load challenges: %w", err)
	}

	var results []Result
	for _, challenge := range challenges {
		if !e.withinRange(challenge, yesterday) {
			continue
		}
		res, err := e.SettleDay(ctx, challenge.ID, yesterday)
		if err != nil {
			e.metrics.RecordError("settlement", "settle_day")
			e.log.Error("day settlement failed",
				"challenge_id", challenge.ID,
				"day", yesterday,
				"error", err,
			)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// withinRange reports whether the day key falls inside [start, end).
func (e *Engine) withinRange(challenge models.Challenge, dayDate string) bool {
	startKey := e.cal.DateKey(challenge.StartDate)
	endKey := e.cal.DateKey(challenge.EndDate)
	return dayDate >= startKey && dayDate < endKey
}

func resultFrom(record *models.DailySettlement) *Result {
	return &Result{
		ChallengeID:      record.ChallengeID,
		DayDate:          record.DayDate,
		TotalActive:      record.TotalActive,
		ShowedUp:         record.ShowedUp,
		Missed:           record.Missed,
		BaseDailyRate:    record.BaseDailyRate,
		BonusPerPerson:   record.BonusPerPerson,
		TotalDistributed: record.TotalDistributed,
	}
}
