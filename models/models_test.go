package models

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDisplayAmount(t *testing.T) {
	require.Equal(t, 10.0, DisplayAmount(10_000_000))
	require.Equal(t, 0.000001, DisplayAmount(1))
	require.Equal(t, 6.666666, DisplayAmount(6_666_666))
	require.Equal(t, 0.0, DisplayAmount(0))
}

func TestAutoMigrateCreatesSchema(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	for _, model := range []any{
		&Challenge{}, &User{}, &UserChallenge{}, &Submission{},
		&EscrowWallet{}, &PayoutJob{}, &DailySettlement{}, &Transaction{}, &AuditLog{},
	} {
		require.True(t, db.Migrator().HasTable(model), "missing table for %T", model)
	}
	require.True(t, db.Migrator().HasIndex(&PayoutJob{}, "IdempotencyKey"))
	require.True(t, db.Migrator().HasIndex(&UserChallenge{}, "idx_user_challenge"))
	require.True(t, db.Migrator().HasIndex(&DailySettlement{}, "idx_settlement_day"))
}

func TestPayoutJobIdempotencyKeyUnique(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	job := PayoutJob{
		ID:             uuid.New(),
		ChallengeID:    uuid.New(),
		Amount:         1,
		Type:           PayoutDailyBase,
		DayDate:        "2025-03-11",
		IdempotencyKey: "k1",
		Status:         PayoutQueued,
	}
	require.NoError(t, db.Create(&job).Error)

	duplicate := job
	duplicate.ID = uuid.New()
	require.Error(t, db.Create(&duplicate).Error, "duplicate idempotency key must be rejected")
}
