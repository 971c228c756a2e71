// Package queue implements the persistent payout job queue. Jobs are keyed
// by a deterministic idempotency fingerprint so enqueue is safe under
// duplicate approvals and settlement re-runs, and leasing is an atomic
// conditional update so no two workers witness the same job in PROCESSING.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stakestreak/models"
)

var (
	// ErrJobNotFound indicates the referenced payout job does not exist.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrJobTerminal indicates the job already reached a terminal status.
	ErrJobTerminal = errors.New("queue: job already terminal")
	// ErrJobNotLeased indicates a completion or failure was reported for a
	// job that is not in PROCESSING.
	ErrJobNotLeased = errors.New("queue: job not leased")
)

// Queue is the gorm-backed payout job queue.
type Queue struct {
	db            *gorm.DB
	maxAttempts   int
	backoffBase   time.Duration
	backoffFactor int
	now           func() time.Time
}

// Option customises queue behaviour.
type Option func(*Queue)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMaxAttempts overrides the default retry budget for new jobs.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(base time.Duration, factor int) Option {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
		if factor > 1 {
			q.backoffFactor = factor
		}
	}
}

// New constructs a queue over the provided database.
func New(db *gorm.DB, opts ...Option) *Queue {
	q := &Queue{
		db:            db,
		maxAttempts:   3,
		backoffBase:   30 * time.Second,
		backoffFactor: 4,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// IdempotencyKey builds the deterministic fingerprint of a payout intent.
// The format is externally visible and must stay stable.
func IdempotencyKey(challengeID, userID uuid.UUID, dayDate string, payoutType models.PayoutType) string {
	return fmt.Sprintf("%s:%s:%s:%s", challengeID, userID, dayDate, payoutType)
}

// EnqueueRequest describes one payout intent.
type EnqueueRequest struct {
	UserID        uuid.UUID
	ChallengeID   uuid.UUID
	Amount        int64
	Type          models.PayoutType
	DayDate       string
	WalletAddress string
}

// Enqueue upserts a payout job on its idempotency key. If a job with the
// same key already exists it is returned unchanged, whatever its status.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.PayoutJob, error) {
	return q.EnqueueTx(q.db.WithContext(ctx), req)
}

// EnqueueTx is Enqueue inside a caller-owned transaction, used by the
// approval hook so "approved" and "base payout queued" commit together.
func (q *Queue) EnqueueTx(tx *gorm.DB, req EnqueueRequest) (*models.PayoutJob, error) {
	if req.ChallengeID == uuid.Nil {
		return nil, fmt.Errorf("queue: challenge id required")
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("queue: negative amount")
	}
	if strings.TrimSpace(req.DayDate) == "" {
		return nil, fmt.Errorf("queue: day date required")
	}
	key := IdempotencyKey(req.ChallengeID, req.UserID, req.DayDate, req.Type)
	now := q.now()
	job := models.PayoutJob{
		ID:             uuid.New(),
		UserID:         req.UserID,
		ChallengeID:    req.ChallengeID,
		Amount:         req.Amount,
		Type:           req.Type,
		DayDate:        req.DayDate,
		WalletAddress:  strings.TrimSpace(req.WalletAddress),
		IdempotencyKey: key,
		Status:         models.PayoutQueued,
		MaxAttempts:    q.maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&job)
	if res.Error != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.PayoutJob
		if err := tx.First(&existing, "idempotency_key = ?", key).Error; err != nil {
			return nil, fmt.Errorf("queue: load existing job: %w", err)
		}
		return &existing, nil
	}
	return &job, nil
}

// LeaseOne atomically moves the oldest due QUEUED job into PROCESSING and
// increments its attempt counter. Returns nil when no job is due.
func (q *Queue) LeaseOne(ctx context.Context) (*models.PayoutJob, error) {
	db := q.db.WithContext(ctx)
	for {
		now := q.now()
		var job models.PayoutJob
		err := db.
			Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.PayoutQueued, now).
			Order("created_at asc").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: select queued: %w", err)
		}
		res := db.Model(&models.PayoutJob{}).
			Where("id = ? AND status = ?", job.ID, models.PayoutQueued).
			Updates(map[string]any{
				"status":     models.PayoutProcessing,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("queue: lease: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another worker stole the row; pick the next candidate.
			continue
		}
		if err := db.First(&job, "id = ?", job.ID).Error; err != nil {
			return nil, fmt.Errorf("queue: reload leased job: %w", err)
		}
		return &job, nil
	}
}

// Complete marks a leased job COMPLETED and records the chain signature.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, txSignature string) error {
	return q.CompleteTx(q.db.WithContext(ctx), jobID, txSignature)
}

// CompleteTx is Complete inside a caller-owned transaction so the worker can
// commit the completion together with the ledger row.
func (q *Queue) CompleteTx(tx *gorm.DB, jobID uuid.UUID, txSignature string) error {
	now := q.now()
	res := tx.Model(&models.PayoutJob{}).
		Where("id = ? AND status = ?", jobID, models.PayoutProcessing).
		Updates(map[string]any{
			"status":                models.PayoutCompleted,
			"transaction_signature": txSignature,
			"last_error":            "",
			"processed_at":          now,
			"updated_at":            now,
		})
	if res.Error != nil {
		return fmt.Errorf("queue: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotLeased
	}
	return nil
}

// Fail records a processing failure. Jobs with retry budget left return to
// QUEUED with exponential backoff; exhausted jobs become terminally FAILED
// and operator-visible.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.PayoutJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.Status != models.PayoutProcessing {
			return ErrJobNotLeased
		}
		now := q.now()
		job.LastError = truncateError(errorMessage)
		job.UpdatedAt = now
		if job.Attempts < job.MaxAttempts {
			next := now.Add(q.backoffFor(job.Attempts))
			job.Status = models.PayoutQueued
			job.NextAttemptAt = &next
		} else {
			job.Status = models.PayoutFailed
			job.NextAttemptAt = nil
			job.ProcessedAt = &now
		}
		return tx.Save(&job).Error
	})
}

// Retry is the operator reset: back to QUEUED with a fresh attempt budget.
// COMPLETED jobs are refused; resetting one would pay the intent twice.
func (q *Queue) Retry(ctx context.Context, jobID uuid.UUID, walletOverride string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.PayoutJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.Status == models.PayoutCompleted {
			return ErrJobTerminal
		}
		job.Status = models.PayoutQueued
		job.Attempts = 0
		job.NextAttemptAt = nil
		job.LastError = ""
		job.ProcessedAt = nil
		if trimmed := strings.TrimSpace(walletOverride); trimmed != "" {
			job.WalletAddress = trimmed
		}
		job.UpdatedAt = q.now()
		return tx.Save(&job).Error
	})
}

// RetryAll resets every FAILED job, optionally scoped to one challenge, and
// returns how many were retried.
func (q *Queue) RetryAll(ctx context.Context, challengeID *uuid.UUID) (int64, error) {
	db := q.db.WithContext(ctx).Model(&models.PayoutJob{}).Where("status = ?", models.PayoutFailed)
	if challengeID != nil {
		db = db.Where("challenge_id = ?", *challengeID)
	}
	res := db.Updates(map[string]any{
		"status":          models.PayoutQueued,
		"attempts":        0,
		"next_attempt_at": nil,
		"last_error":      "",
		"processed_at":    nil,
		"updated_at":      q.now(),
	})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: retry all: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListFailed returns terminally failed jobs for operator triage.
func (q *Queue) ListFailed(ctx context.Context, challengeID *uuid.UUID) ([]models.PayoutJob, error) {
	db := q.db.WithContext(ctx).Where("status = ?", models.PayoutFailed)
	if challengeID != nil {
		db = db.Where("challenge_id = ?", *challengeID)
	}
	var jobs []models.PayoutJob
	if err := db.Order("updated_at desc").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: list failed: %w", err)
	}
	return jobs, nil
}

// Stats summarises queue depth per status.
type Stats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	rows := []struct {
		Status models.PayoutStatus
		Count  int64
	}{}
	err := q.db.WithContext(ctx).Model(&models.PayoutJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, fmt.Errorf("queue: stats: %w", err)
	}
	for _, row := range rows {
		switch row.Status {
		case models.PayoutQueued:
			stats.Queued = row.Count
		case models.PayoutProcessing:
			stats.Processing = row.Count
		case models.PayoutCompleted:
			stats.Completed = row.Count
		case models.PayoutFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

// Recent returns the most recently completed jobs.
func (q *Queue) Recent(ctx context.Context, limit int) ([]models.PayoutJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []models.PayoutJob
	err := q.db.WithContext(ctx).
		Where("status = ?", models.PayoutCompleted).
		Order("processed_at desc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("queue: recent: %w", err)
	}
	return jobs, nil
}

// backoffFor computes the delay before retry attempt n+1. With the default
// tuning the schedule is 30s, 120s, 480s.
func (q *Queue) backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= time.Duration(q.backoffFactor)
	}
	return delay
}

func truncateError(message string) string {
	const maxLen = 1000
	trimmed := strings.TrimSpace(message)
	if len(trimmed) > maxLen {
		return trimmed[:maxLen]
	}
	return trimmed
}
