// Package worker drains the payout queue: it leases jobs one at a time,
// signs and submits the escrow transfer, and commits the completion together
// with the ledger row. Exactly one replica runs the worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakestreak/chain"
	"stakestreak/escrow"
	"stakestreak/models"
	"stakestreak/observability"
	"stakestreak/queue"
)

// Worker processes payout jobs on a fixed tick.
type Worker struct {
	db       *gorm.DB
	queue    *queue.Queue
	escrow   *escrow.Store
	chain    chain.Chain
	treasury string
	tick     time.Duration
	batch    int
	metrics  *observability.PayoutMetrics
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	paused bool
}

// Option customises the worker.
type Option func(*Worker)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger overrides the worker logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithTick overrides the polling interval.
func WithTick(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.tick = d
		}
	}
}

// WithBatch overrides the per-tick job budget.
func WithBatch(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// New constructs the worker.
func New(db *gorm.DB, q *queue.Queue, store *escrow.Store, ch chain.Chain, treasury string, opts ...Option) *Worker {
	w := &Worker{
		db:       db,
		queue:    q,
		escrow:   store,
		chain:    ch,
		treasury: treasury,
		tick:     30 * time.Second,
		batch:    10,
		metrics:  observability.Payouts(),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until the context is cancelled, draining the queue every tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	w.log.Info("payout worker started", "tick", w.tick, "batch", w.batch)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("payout worker stopped")
			return
		case <-ticker.C:
			if w.Paused() {
				continue
			}
			if err := w.Tick(ctx); err != nil {
				w.log.Error("payout tick failed", "error", err)
			}
		}
	}
}

// Tick leases and processes up to the batch budget of due jobs. Jobs run
// sequentially; ordering within the batch is oldest first.
func (w *Worker) Tick(ctx context.Context) error {
	for i := 0; i < w.batch; i++ {
		job, err := w.queue.LeaseOne(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			break
		}
		w.processJob(ctx, job)
	}
	w.publishDepth(ctx)
	return nil
}

// Pause stops job processing without stopping the loop.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.metrics.SetWorkerPaused(true)
	w.log.Info("payout worker paused")
}

// Resume restarts job processing.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.metrics.SetWorkerPaused(false)
	w.log.Info("payout worker resumed")
}

// Paused reports whether processing is paused.
func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// processJob executes one leased job end to end. Failures are recorded on
// the job; only the job's own retry budget decides whether it re-runs.
func (w *Worker) processJob(ctx context.Context, job *models.PayoutJob) {
	started := w.now()
	err := w.execute(ctx, job)
	w.metrics.ObservePayout(string(job.Type), w.now().Sub(started), err)
	if err == nil {
		w.log.Info("payout completed",
			"job_id", job.ID,
			"type", job.Type,
			"challenge_id", job.ChallengeID,
			"amount", job.Amount,
		)
		return
	}
	w.log.Error("payout attempt failed",
		"job_id", job.ID,
		"type", job.Type,
		"challenge_id", job.ChallengeID,
		"attempt", job.Attempts,
		"error", err,
	)
	if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
		w.log.Error("recording payout failure failed", "job_id", job.ID, "error", failErr)
	}
}

func (w *Worker) execute(ctx context.Context, job *models.PayoutJob) error {
	recipient, err := w.resolveRecipient(ctx, job)
	if err != nil {
		return err
	}

	key, escrowAddress, err := w.escrow.Load(ctx, job.ChallengeID)
	if err != nil {
		return err
	}
	balance, err := w.chain.TokenBalance(ctx, escrowAddress)
	if err != nil {
		return fmt.Errorf("worker: escrow balance: %w", err)
	}
	if balance < job.Amount {
		return fmt.Errorf("worker: insufficient escrow balance: have %d micros, need %d", balance, job.Amount)
	}

	signature, err := w.chain.Transfer(ctx, key, recipient, job.Amount)
	if err != nil {
		return err
	}

	// The completion and the ledger row commit together so a crash between
	// the transfer and this point is the only replay window, and the
	// idempotency key closes it on the enqueue side.
	now := w.now()
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.queue.CompleteTx(tx, job.ID, signature); err != nil {
			return err
		}
		entry := models.Transaction{
			ID:                   uuid.New(),
			UserID:               job.UserID,
			ChallengeID:          job.ChallengeID,
			Type:                 "REWARD",
			Amount:               models.DisplayAmount(job.Amount),
			TransactionSignature: signature,
			PayoutJobID:          job.ID,
			Metadata:             fmt.Sprintf(`{"payoutType":%q,"dayDate":%q}`, job.Type, job.DayDate),
			CreatedAt:            now,
		}
		return tx.Create(&entry).Error
	})
}

// resolveRecipient finds the destination wallet for the job. The address on
// the job wins; older jobs fall back to the participant record, then the
// user profile, and the resolved address is written back onto the job.
func (w *Worker) resolveRecipient(ctx context.Context, job *models.PayoutJob) (string, error) {
	if job.Type == models.PayoutDustSweep {
		if w.treasury == "" {
			return "", errors.New("worker: treasury address not configured")
		}
		return w.treasury, nil
	}
	if job.WalletAddress != "" {
		return job.WalletAddress, nil
	}

	db := w.db.WithContext(ctx)
	var uc models.UserChallenge
	err := db.First(&uc, "user_id = ? AND challenge_id = ?", job.UserID, job.ChallengeID).Error
	if err == nil && uc.WalletAddress != "" {
		w.persistWallet(ctx, job, uc.WalletAddress)
		return uc.WalletAddress, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("worker: load participant: %w", err)
	}

	var user models.User
	err = db.First(&user, "id = ?", job.UserID).Error
	if err == nil && user.WalletAddress != "" {
		w.persistWallet(ctx, job, user.WalletAddress)
		return user.WalletAddress, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("worker: load user: %w", err)
	}
	return "", errors.New("worker: no wallet address on record")
}

func (w *Worker) persistWallet(ctx context.Context, job *models.PayoutJob, address string) {
	job.WalletAddress = address
	err := w.db.WithContext(ctx).Model(&models.PayoutJob{}).
		Where("id = ?", job.ID).
		Update("wallet_address", address).Error
	if err != nil {
		w.log.Warn("persisting resolved wallet failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) publishDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	w.metrics.SetQueueDepth(string(models.PayoutQueued), float64(stats.Queued))
	w.metrics.SetQueueDepth(string(models.PayoutProcessing), float64(stats.Processing))
	w.metrics.SetQueueDepth(string(models.PayoutFailed), float64(stats.Failed))
}
