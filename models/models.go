// Package models defines the persistent entities shared by the payout
// pipeline. Storage is relational via gorm; AutoMigrate owns the schema.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MicroPerToken is the fixed-point scale of the payout token (6 decimals).
const MicroPerToken = 1_000_000

// DisplayAmount converts integer micro-units into display token units.
func DisplayAmount(micros int64) float64 {
	return float64(micros) / MicroPerToken
}

// UserChallengeStatus tracks a participant's terminal outcome.
type UserChallengeStatus string

// Participant lifecycle states.
const (
	ParticipantActive    UserChallengeStatus = "ACTIVE"
	ParticipantCompleted UserChallengeStatus = "COMPLETED"
	ParticipantFailed    UserChallengeStatus = "FAILED"
)

// SubmissionStatus tracks moderation state of a daily proof.
type SubmissionStatus string

// Submission moderation states.
const (
	SubmissionPending  SubmissionStatus = "PENDING"
	SubmissionApproved SubmissionStatus = "APPROVED"
	SubmissionRejected SubmissionStatus = "REJECTED"
)

// PayoutType labels the three kinds of escrow disbursement.
type PayoutType string

// Payout job types. The uppercase labels are part of the idempotency key
// format and must not change.
const (
	PayoutDailyBase  PayoutType = "DAILY_BASE"
	PayoutDailyBonus PayoutType = "DAILY_BONUS"
	PayoutDustSweep  PayoutType = "DUST_SWEEP"
)

// PayoutStatus is the payout job state machine.
type PayoutStatus string

// Payout job states. COMPLETED and FAILED are terminal.
const (
	PayoutQueued     PayoutStatus = "QUEUED"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

// Challenge is a time-bounded staking challenge. EndDate is exclusive: the
// civil day carrying the end date key is not a settlement day.
type Challenge struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title            string    `gorm:"size:255"`
	StakeAmount      int64     `gorm:"not null"` // micro-units per participant
	StartDate        time.Time `gorm:"index"`
	EndDate          time.Time `gorm:"index"`
	EscrowAddress    string    `gorm:"size:64"`
	IsPaused         bool
	EndedEarly       bool
	IsCompleted      bool `gorm:"index"`
	PayoutsFinalized bool
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// User stores the minimum participant identity the payout core needs: a
// fallback wallet for jobs that predate the per-challenge wallet copy.
type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Handle        string    `gorm:"size:64;uniqueIndex"`
	WalletAddress string    `gorm:"size:64"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserChallenge is a participant's membership in one challenge. StakeAmount
// is copied from the challenge at join time for historical accuracy.
type UserChallenge struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID           `gorm:"type:uuid;index;uniqueIndex:idx_user_challenge"`
	ChallengeID   uuid.UUID           `gorm:"type:uuid;index;uniqueIndex:idx_user_challenge"`
	StakeAmount   int64               `gorm:"not null"`
	WalletAddress string              `gorm:"size:64"`
	Status        UserChallengeStatus `gorm:"size:16;index"`
	Progress      float64
	StartDate     time.Time
	EndDate       time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Submission is one daily proof. DayKey is the civil date the submission
// counts for, derived from SubmissionDate in the challenge timezone at
// creation time so settlement can query it directly.
type Submission struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	UserChallengeID uuid.UUID        `gorm:"type:uuid;index"`
	UserID          uuid.UUID        `gorm:"type:uuid;index"`
	ChallengeID     uuid.UUID        `gorm:"type:uuid;index"`
	SubmissionDate  time.Time        `gorm:"index"`
	DayKey          string           `gorm:"size:10;index"`
	Status          SubmissionStatus `gorm:"size:16;index"`
	ReviewedBy      *uuid.UUID       `gorm:"type:uuid"`
	ReviewedAt      *time.Time
	ReviewComments  string `gorm:"size:512"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EscrowWallet holds the per-challenge keypair. SecretCiphertext is the
// AES-256-GCM sealed private key; the plaintext never leaves the process.
type EscrowWallet struct {
	ChallengeID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	PublicAddress    string    `gorm:"size:64;uniqueIndex"`
	SecretCiphertext string    `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PayoutJob is the unit of work drained by the payout worker. Two jobs with
// the same IdempotencyKey cannot both exist; the unique index is what makes
// enqueue safe under retries and re-runs.
type PayoutJob struct {
	ID                   uuid.UUID    `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID    `gorm:"type:uuid;index"`
	ChallengeID          uuid.UUID    `gorm:"type:uuid;index"`
	Amount               int64        `gorm:"not null"` // micro-units
	Type                 PayoutType   `gorm:"size:16;index"`
	DayDate              string       `gorm:"size:10"`
	WalletAddress        string       `gorm:"size:64"`
	IdempotencyKey       string       `gorm:"size:128;uniqueIndex"`
	Status               PayoutStatus `gorm:"size:16;index"`
	Attempts             int
	MaxAttempts          int
	NextAttemptAt        *time.Time
	LastError            string `gorm:"size:1024"`
	TransactionSignature string `gorm:"size:128"`
	ProcessedAt          *time.Time
	CreatedAt            time.Time `gorm:"index"`
	UpdatedAt            time.Time
}

// DailySettlement is the immutable audit of one day's bonus math for one
// challenge. Missed counts both active participants who skipped the day and
// failed participants whose share is forfeit.
type DailySettlement struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChallengeID      uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_settlement_day"`
	DayDate          string    `gorm:"size:10;uniqueIndex:idx_settlement_day"`
	TotalActive      int
	ShowedUp         int
	Missed           int
	BaseDailyRate    int64
	BonusPerPerson   int64
	TotalDistributed int64
	CreatedAt        time.Time
}

// Transaction is the append-only ledger of completed payouts. Exactly one
// row exists per COMPLETED PayoutJob, linked by PayoutJobID.
type Transaction struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID `gorm:"type:uuid;index"`
	ChallengeID          uuid.UUID `gorm:"type:uuid;index"`
	Type                 string    `gorm:"size:16"`
	Amount               float64   `gorm:"not null"` // display units
	TransactionSignature string    `gorm:"size:128"`
	PayoutJobID          uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Metadata             string    `gorm:"type:text"`
	CreatedAt            time.Time
}

// AuditLog records operator actions. Audit failures never block the
// underlying mutation.
type AuditLog struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActorSubject string    `gorm:"size:128;index"`
	Action       string    `gorm:"size:64;index"`
	TargetID     string    `gorm:"size:64"`
	Details      string    `gorm:"type:text"`
	CreatedAt    time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Challenge{},
		&User{},
		&UserChallenge{},
		&Submission{},
		&EscrowWallet{},
		&PayoutJob{},
		&DailySettlement{},
		&Transaction{},
		&AuditLog{},
	)
}
