// Package escrow manages the per-challenge keypair lifecycle. Each challenge
// owns one keypair; the private key is sealed at rest and only unsealed for
// the duration of a signing operation.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakestreak/models"
)

var (
	// ErrKeyUnavailable indicates the process-wide master key is not configured.
	ErrKeyUnavailable = errors.New("escrow: encryption key unavailable")
	// ErrWalletNotFound indicates the challenge has no escrow wallet row.
	ErrWalletNotFound = errors.New("escrow: wallet not found")
	// ErrChallengeNotFound indicates the challenge row is missing.
	ErrChallengeNotFound = errors.New("escrow: challenge not found")
)

// Store persists escrow wallets. The master secret is checked at first use,
// not at construction: the service boots without it and only escrow-touching
// operations fail.
type Store struct {
	db           *gorm.DB
	masterSecret string
	now          func() time.Time
}

// Option customises the store.
type Option func(*Store)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs a Store backed by the provided database. masterSecret
// is the base64-encoded process-wide encryption key and may be empty.
func NewStore(db *gorm.DB, masterSecret string, opts ...Option) *Store {
	store := &Store{db: db, masterSecret: masterSecret, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Create generates a keypair for the challenge, seals the private key, and
// persists the wallet atomically with the challenge's escrow address. Repeat
// calls for the same challenge return the existing address unchanged.
func (s *Store) Create(ctx context.Context, challengeID uuid.UUID) (string, error) {
	if s.masterSecret == "" {
		return "", ErrKeyUnavailable
	}

	var existing models.EscrowWallet
	err := s.db.WithContext(ctx).First(&existing, "challenge_id = ?", challengeID).Error
	if err == nil {
		return existing.PublicAddress, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("escrow: load wallet: %w", err)
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("escrow: generate keypair: %w", err)
	}
	address := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	ciphertext, err := seal(s.masterSecret, ethcrypto.FromECDSA(key))
	if err != nil {
		return "", err
	}

	now := s.now()
	wallet := models.EscrowWallet{
		ChallengeID:      challengeID,
		PublicAddress:    address,
		SecretCiphertext: ciphertext,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var challenge models.Challenge
		if err := tx.First(&challenge, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeNotFound
			}
			return err
		}
		if err := tx.Create(&wallet).Error; err != nil {
			return err
		}
		challenge.EscrowAddress = address
		challenge.UpdatedAt = now
		return tx.Save(&challenge).Error
	})
	if err != nil {
		return "", fmt.Errorf("escrow: create wallet: %w", err)
	}
	return address, nil
}

// Load unseals and returns the in-memory signer for the challenge escrow.
func (s *Store) Load(ctx context.Context, challengeID uuid.UUID) (*ecdsa.PrivateKey, string, error) {
	if s.masterSecret == "" {
		return nil, "", ErrKeyUnavailable
	}
	var wallet models.EscrowWallet
	if err := s.db.WithContext(ctx).First(&wallet, "challenge_id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrWalletNotFound
		}
		return nil, "", fmt.Errorf("escrow: load wallet: %w", err)
	}
	raw, err := open(s.masterSecret, wallet.SecretCiphertext)
	if err != nil {
		return nil, "", err
	}
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, "", fmt.Errorf("escrow: decode private key: %w", err)
	}
	return key, wallet.PublicAddress, nil
}

// Address returns the public escrow address for the challenge.
func (s *Store) Address(ctx context.Context, challengeID uuid.UUID) (string, error) {
	var wallet models.EscrowWallet
	if err := s.db.WithContext(ctx).First(&wallet, "challenge_id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrWalletNotFound
		}
		return "", fmt.Errorf("escrow: load wallet: %w", err)
	}
	return wallet.PublicAddress, nil
}
