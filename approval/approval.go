// Package approval implements the moderation decision path: approving a
// daily proof commits the status flip, the participant's progress update,
// and the base payout enqueue in one transaction.
package approval

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
	"stakestreak/settlement"
)

var (
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = errors.New("approval: submission not found")
	// ErrNotPending indicates the submission was already reviewed.
	ErrNotPending = errors.New("approval: submission not pending")
	// ErrChallengeFinalized indicates the challenge payouts were finalized,
	// so no further approvals may move money.
	ErrChallengeFinalized = errors.New("approval: challenge finalized")
)

// Hook reviews submissions and triggers the resulting base payouts.
type Hook struct {
	db      *gorm.DB
	queue   *queue.Queue
	cal     *civil.Calendar
	metrics *observability.PayoutMetrics
	log     *slog.Logger
	now     func() time.Time
}

// Option customises the hook.
type Option func(*Hook)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hook) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger overrides the hook logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hook) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHook constructs the approval hook.
func NewHook(db *gorm.DB, q *queue.Queue, cal *civil.Calendar, opts ...Option) *Hook {
	hook := &Hook{
		db:      db,
		queue:   q,
		cal:     cal,
		metrics: observability.Payouts(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(hook)
	}
	return hook
}

// Result reports the outcome of a review to the caller.
type Result struct {
	SubmissionID uuid.UUID               `json:"submissionId"`
	Status       models.SubmissionStatus `json:"status"`
	NewProgress  float64                 `json:"newProgress"`
	Payout       *PayoutResult           `json:"payout,omitempty"`
}

// PayoutResult describes the base payout triggered by an approval. Status
// "ERROR" means the approval committed but the enqueue did not.
type PayoutResult struct {
	Status string `json:"status"`
	Amount int64  `json:"amount,omitempty"`
}

// Approve flips a pending submission to APPROVED, recalculates the
// participant's progress, and enqueues the day's base payout. The approval
// itself commits even when the payout enqueue fails; the failure is reported
// in the result so an operator can re-trigger the payout.
func (h *Hook) Approve(ctx context.Context, submissionID, reviewerID uuid.UUID) (*Result, error) {
	var result Result
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, uc, challenge, err := h.loadForReview(tx, submissionID)
		if err != nil {
			return err
		}
		if challenge.PayoutsFinalized {
			return ErrChallengeFinalized
		}

		now := h.now()
		sub.Status = models.SubmissionApproved
		sub.ReviewedBy = &reviewerID
		sub.ReviewedAt = &now
		sub.UpdatedAt = now
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("approval: save submission: %w", err)
		}

		progress, err := h.recomputeProgress(tx, uc, challenge, now)
		if err != nil {
			return err
		}

		result = Result{
			SubmissionID: sub.ID,
			Status:       models.SubmissionApproved,
			NewProgress:  progress,
		}

		totalDays := h.cal.TotalDays(challenge.StartDate, challenge.EndDate)
		amount := settlement.BaseDailyRate(uc.StakeAmount, totalDays)
		job, err := h.queue.EnqueueTx(tx, queue.EnqueueRequest{
			UserID:        sub.UserID,
			ChallengeID:   challenge.ID,
			Amount:        amount,
			Type:          models.PayoutDailyBase,
			DayDate:       sub.DayKey,
			WalletAddress: uc.WalletAddress,
		})
		if err != nil {
			// The approval stands; surface the payout problem instead of
			// rolling the review back.
			h.metrics.RecordError("approval", "enqueue")
			h.log.Error("base payout enqueue failed",
				"submission_id", sub.ID,
				"challenge_id", challenge.ID,
				"error", err,
			)
			result.Payout = &PayoutResult{Status: "ERROR"}
			return nil
		}
		result.Payout = &PayoutResult{Status: string(job.Status), Amount: job.Amount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Reject flips a pending submission to REJECTED with the moderator's reason.
func (h *Hook) Reject(ctx context.Context, submissionID, reviewerID uuid.UUID, reason string) (*Result, error) {
	var result Result
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, uc, challenge, err := h.loadForReview(tx, submissionID)
		if err != nil {
			return err
		}

		now := h.now()
		sub.Status = models.SubmissionRejected
		sub.ReviewedBy = &reviewerID
		sub.ReviewedAt = &now
		sub.ReviewComments = reason
		sub.UpdatedAt = now
		if err := tx.Save(sub).Error; err != nil {
			return fmt.Errorf("approval: save submission: %w", err)
		}

		progress, err := h.recomputeProgress(tx, uc, challenge, now)
		if err != nil {
			return err
		}
		result = Result{
			SubmissionID: sub.ID,
			Status:       models.SubmissionRejected,
			NewProgress:  progress,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// loadForReview locks the submission row and resolves its participant and
// challenge. The row lock serialises concurrent reviews of the same proof.
func (h *Hook) loadForReview(tx *gorm.DB, submissionID uuid.UUID) (*models.Submission, *models.UserChallenge, *models.Challenge, error) {
	var sub models.Submission
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sub, "id = ?", submissionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("approval: load submission: %w", err)
	}
	if sub.Status != models.SubmissionPending {
		return nil, nil, nil, ErrNotPending
	}

	var uc models.UserChallenge
	if err := tx.First(&uc, "id = ?", sub.UserChallengeID).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("approval: load participant: %w", err)
	}
	var challenge models.Challenge
	if err := tx.First(&challenge, "id = ?", sub.ChallengeID).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("approval: load challenge: %w", err)
	}
	return &sub, &uc, &challenge, nil
}

// recomputeProgress recounts distinct approved days and persists the
// resulting percentage on the participant row.
func (h *Hook) recomputeProgress(tx *gorm.DB, uc *models.UserChallenge, challenge *models.Challenge, now time.Time) (float64, error) {
	var approvedDays int64
	err := tx.Model(&models.Submission{}).
		Distinct("day_key").
		Where("user_challenge_id = ? AND status = ?", uc.ID, models.SubmissionApproved).
		Count(&approvedDays).Error
	if err != nil {
		return 0, fmt.Errorf("approval: count approved days: %w", err)
	}
	totalDays := h.cal.TotalDays(challenge.StartDate, challenge.EndDate)
	progress := float64(approvedDays) / float64(totalDays) * 100
	if progress > 100 {
		progress = 100
	}
	uc.Progress = progress
	uc.UpdatedAt = now
	if err := tx.Save(uc).Error; err != nil {
		return 0, fmt.Errorf("approval: save participant: %w", err)
	}
	return progress, nil
}
