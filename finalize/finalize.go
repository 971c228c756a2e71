// Package finalize closes challenges: it fixes each participant's terminal
// outcome, sweeps residual escrow dust to the treasury, and marks payouts
// finalized so no later approval or settlement can move money.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stakestreak/chain"
	"stakestreak/civil"
	"stakestreak/models"
	"stakestreak/observability"
	"stakestreak/queue"
)

// Completion thresholds for terminal participant outcomes.
const (
	// CompletionThreshold is the approved-day fraction required to finish
	// the challenge as COMPLETED.
	CompletionThreshold = 0.8
	// MaxConsecutiveMisses is the longest miss streak a participant may
	// carry and still complete.
	MaxConsecutiveMisses = 1
)

var (
	// ErrChallengeNotFound indicates the challenge does not exist.
	ErrChallengeNotFound = errors.New("finalize: challenge not found")
	// ErrAlreadyFinalized indicates the challenge was already closed.
	ErrAlreadyFinalized = errors.New("finalize: challenge already finalized")
)

// Finalizer closes challenges.
type Finalizer struct {
	db            *gorm.DB
	queue         *queue.Queue
	cal           *civil.Calendar
	chain         chain.Chain
	treasury      string
	dustThreshold int64
	metrics       *observability.PayoutMetrics
	log           *slog.Logger
	now           func() time.Time
}

// Option customises the finalizer.
type Option func(*Finalizer)

// WithClock sets the function used to derive the current instant.
func WithClock(now func() time.Time) Option {
	return func(f *Finalizer) {
		if now != nil {
			f.now = now
		}
	}
}

// WithLogger overrides the finalizer logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Finalizer) {
		if log != nil {
			f.log = log
		}
	}
}

// WithDustThreshold overrides the minimum sweepable balance in micro-units.
func WithDustThreshold(micros int64) Option {
	return func(f *Finalizer) {
		if micros > 0 {
			f.dustThreshold = micros
		}
	}
}

// New constructs the finalizer. treasury may be empty; the dust sweep is
// then skipped with a recorded reason.
func New(db *gorm.DB, q *queue.Queue, cal *civil.Calendar, ch chain.Chain, treasury string, opts ...Option) *Finalizer {
	f := &Finalizer{
		db:            db,
		queue:         q,
		cal:           cal,
		chain:         ch,
		treasury:      treasury,
		dustThreshold: 1000,
		metrics:       observability.Payouts(),
		log:           slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ParticipantOutcome is one participant's terminal result.
type ParticipantOutcome struct {
	UserID             uuid.UUID                  `json:"userId"`
	Status             models.UserChallengeStatus `json:"status"`
	CompletionRate     float64                    `json:"completionRate"`
	ApprovedDays       int                        `json:"approvedDays"`
	ConsecutiveMisses  int                        `json:"maxConsecutiveMisses"`
}

// CloseResult summarises a challenge close.
type CloseResult struct {
	ChallengeID   uuid.UUID            `json:"challengeId"`
	EndedEarly    bool                 `json:"endedEarly"`
	Participants  []ParticipantOutcome `json:"participants"`
	DustSwept     int64                `json:"dustSwept"`
	DustSkipNote  string               `json:"dustSkipNote,omitempty"`
}

// CloseChallenge finalizes the challenge. Closing before the scheduled end
// shortens the challenge to now; the already-elapsed days decide outcomes.
// The close is terminal: once PayoutsFinalized is set nothing may enqueue
// further payouts for the challenge.
func (f *Finalizer) CloseChallenge(ctx context.Context, challengeID uuid.UUID) (*CloseResult, error) {
	var result CloseResult
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var challenge models.Challenge
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&challenge, "id = ?", challengeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChallengeNotFound
		}
		if err != nil {
			return err
		}
		if challenge.PayoutsFinalized {
			return ErrAlreadyFinalized
		}

		now := f.now()
		if now.Before(challenge.EndDate) {
			challenge.EndedEarly = true
			challenge.EndDate = now
		}
		result.EndedEarly = challenge.EndedEarly

		outcomes, err := f.resolveParticipants(tx, &challenge, now)
		if err != nil {
			return err
		}
		result.Participants = outcomes

		swept, note, err := f.sweepDust(ctx, tx, &challenge, now)
		if err != nil {
			return err
		}
		result.DustSwept = swept
		result.DustSkipNote = note

		challenge.IsCompleted = true
		challenge.PayoutsFinalized = true
		challenge.CompletedAt = &now
		challenge.UpdatedAt = now
		return tx.Save(&challenge).Error
	})
	if err != nil {
		return nil, err
	}
	result.ChallengeID = challengeID
	f.log.Info("challenge closed",
		"challenge_id", challengeID,
		"ended_early", result.EndedEarly,
		"participants", len(result.Participants),
		"dust_swept", result.DustSwept,
	)
	return &result, nil
}

// resolveParticipants fixes the terminal status of every still-active
// participant from their approved-day record over the effective range.
func (f *Finalizer) resolveParticipants(tx *gorm.DB, challenge *models.Challenge, now time.Time) ([]ParticipantOutcome, error) {
	startKey := f.cal.DateKey(challenge.StartDate)
	endKey := f.cal.DateKey(challenge.EndDate)
	totalDays, err := civil.DiffDays(startKey, endKey)
	if err != nil || totalDays < 1 {
		totalDays = 1
	}

	var participants []models.UserChallenge
	if err := tx.Where("challenge_id = ?", challenge.ID).Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("finalize: load participants: %w", err)
	}

	outcomes := make([]ParticipantOutcome, 0, len(participants))
	for i := range participants {
		p := &participants[i]
		if p.Status != models.ParticipantActive {
			outcomes = append(outcomes, ParticipantOutcome{
				UserID: p.UserID,
				Status: p.Status,
			})
			continue
		}

		approved, err := approvedDayKeys(tx, p.ID)
		if err != nil {
			return nil, err
		}
		approvedInRange := 0
		for _, key := range approved {
			if key >= startKey && key < endKey {
				approvedInRange++
			}
		}
		rate := float64(approvedInRange) / float64(totalDays)
		misses := maxConsecutiveMisses(startKey, totalDays, approved)

		status := models.ParticipantFailed
		if misses <= MaxConsecutiveMisses && rate >= CompletionThreshold {
			status = models.ParticipantCompleted
		}
		p.Status = status
		p.Progress = rate * 100
		p.EndDate = challenge.EndDate
		p.UpdatedAt = now
		if err := tx.Save(p).Error; err != nil {
			return nil, fmt.Errorf("finalize: save participant: %w", err)
		}
		outcomes = append(outcomes, ParticipantOutcome{
			UserID:            p.UserID,
			Status:            status,
			CompletionRate:    rate,
			ApprovedDays:      approvedInRange,
			ConsecutiveMisses: misses,
		})
	}
	return outcomes, nil
}

// sweepDust enqueues a treasury sweep of the residual escrow balance. A
// balance read failure or missing treasury skips the sweep with a note
// rather than blocking the close.
func (f *Finalizer) sweepDust(ctx context.Context, tx *gorm.DB, challenge *models.Challenge, now time.Time) (int64, string, error) {
	if challenge.EscrowAddress == "" {
		return 0, "no escrow wallet", nil
	}
	balance, err := f.chain.TokenBalance(ctx, challenge.EscrowAddress)
	if err != nil {
		f.metrics.RecordError("finalize", "balance_read")
		f.log.Error("escrow balance read failed, skipping dust sweep",
			"challenge_id", challenge.ID,
			"error", err,
		)
		return 0, "balance unavailable", nil
	}
	if balance <= f.dustThreshold {
		return 0, "", nil
	}
	if f.treasury == "" {
		f.log.Warn("treasury address not configured, leaving dust in escrow",
			"challenge_id", challenge.ID,
			"balance", balance,
		)
		return 0, "treasury not configured", nil
	}
	_, err = f.queue.EnqueueTx(tx, queue.EnqueueRequest{
		UserID:        uuid.Nil,
		ChallengeID:   challenge.ID,
		Amount:        balance,
		Type:          models.PayoutDustSweep,
		DayDate:       f.cal.DateKey(now),
		WalletAddress: f.treasury,
	})
	if err != nil {
		return 0, "", err
	}
	return balance, "", nil
}

// approvedDayKeys lists the distinct approved day keys for one participant.
func approvedDayKeys(tx *gorm.DB, userChallengeID uuid.UUID) ([]string, error) {
	var keys []string
	err := tx.Model(&models.Submission{}).
		Distinct("day_key").
		Where("user_challenge_id = ? AND status = ?", userChallengeID, models.SubmissionApproved).
		Pluck("day_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("finalize: load approved days: %w", err)
	}
	return keys, nil
}

// maxConsecutiveMisses scans the challenge days in order and returns the
// longest run without an approved submission.
func maxConsecutiveMisses(startKey string, totalDays int, approved []string) int {
	set := make(map[string]bool, len(approved))
	for _, key := range approved {
		set[key] = true
	}
	longest, run := 0, 0
	key := startKey
	for i := 0; i < totalDays; i++ {
		if set[key] {
			run = 0
		} else {
			run++
			if run > longest {
				longest = run
			}
		}
		next, err := civil.AddDays(key, 1)
		if err != nil {
			break
		}
		key = next
	}
	return longest
}
