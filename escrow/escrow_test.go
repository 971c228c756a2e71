package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakestreak/models"
)

const testMasterSecret = "dGVzdC1tYXN0ZXIta2V5LWZvci1lc2Nyb3c="

func setupEscrowTestDB(t *testing.T) *gorm.DB {
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

func seedChallenge(t *testing.T, db *gorm.DB) models.Challenge {
	t.Helper()
	now := time.Now().UTC()
	challenge := models.Challenge{
		ID:          uuid.New(),
		Title:       "morning swims",
		StakeAmount: 100_000_000,
		StartDate:   now,
		EndDate:     now.AddDate(0, 0, 10),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&challenge).Error; err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return challenge
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	db := setupEscrowTestDB(t)
	challenge := seedChallenge(t, db)
	store := NewStore(db, testMasterSecret)
	ctx := context.Background()

	address, err := store.Create(ctx, challenge.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if address == "" {
		t.Fatal("expected an address")
	}

	key, loadedAddress, err := store.Load(ctx, challenge.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loadedAddress != address {
		t.Fatalf("address mismatch: %s vs %s", loadedAddress, address)
	}
	if derived := ethcrypto.PubkeyToAddress(key.PublicKey).Hex(); derived != address {
		t.Fatalf("unsealed key does not match address: %s vs %s", derived, address)
	}

	var reloaded models.Challenge
	if err := db.First(&reloaded, "id = ?", challenge.ID).Error; err != nil {
		t.Fatalf("reload challenge: %v", err)
	}
	if reloaded.EscrowAddress != address {
		t.Fatal("escrow address not persisted on the challenge")
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	db := setupEscrowTestDB(t)
	challenge := seedChallenge(t, db)
	store := NewStore(db, testMasterSecret)
	ctx := context.Background()

	first, err := store.Create(ctx, challenge.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.Create(ctx, challenge.ID)
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if first != second {
		t.Fatalf("repeat create rotated the wallet: %s vs %s", first, second)
	}

	var count int64
	if err := db.Model(&models.EscrowWallet{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 wallet got %d", count)
	}
}

func TestOperationsRequireMasterKey(t *testing.T) {
	db := setupEscrowTestDB(t)
	challenge := seedChallenge(t, db)
	store := NewStore(db, "")
	ctx := context.Background()

	if _, err := store.Create(ctx, challenge.ID); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable got %v", err)
	}
	if _, _, err := store.Load(ctx, challenge.ID); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable got %v", err)
	}
}

func TestLoadWithWrongKeyFails(t *testing.T) {
	db := setupEscrowTestDB(t)
	challenge := seedChallenge(t, db)
	ctx := context.Background()

	if _, err := NewStore(db, testMasterSecret).Create(ctx, challenge.ID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := NewStore(db, "another-secret").Load(ctx, challenge.ID); err == nil {
		t.Fatal("expected authentication failure with the wrong master key")
	}
}

func TestCreateRequiresChallenge(t *testing.T) {
	db := setupEscrowTestDB(t)
	store := NewStore(db, testMasterSecret)
	if _, err := store.Create(context.Background(), uuid.New()); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound got %v", err)
	}
}

func TestAddressForMissingWallet(t *testing.T) {
	db := setupEscrowTestDB(t)
	store := NewStore(db, testMasterSecret)
	if _, err := store.Address(context.Background(), uuid.New()); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound got %v", err)
	}
}
