// Package chain is the narrow boundary over the payout chain: verify a past
// stake transfer, read a token balance, and execute an escrow-signed token
// transfer with the oracle fee-payer covering gas.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
)

// VerifyToleranceMicros is the slack allowed when matching a transfer amount
// (0.01 display units of the 6-decimal payout token).
const VerifyToleranceMicros = 10_000

var (
	// ErrFeePayerUnavailable indicates the oracle keypair is not configured.
	ErrFeePayerUnavailable = errors.New("chain: fee payer unavailable")
	// ErrTransferReverted indicates the chain executed but rejected a transfer.
	ErrTransferReverted = errors.New("chain: transfer reverted")
)

// Chain captures the functionality the payout pipeline requires from the
// underlying chain. All amounts are integer micro-units of the payout token.
type Chain interface {
	// VerifyTransfer reports whether the referenced transaction is a
	// confirmed token transfer from sender into the escrow for the expected
	// amount. An unconfirmed or unknown transaction yields (false, nil) so
	// callers can retry.
	VerifyTransfer(ctx context.Context, txSignature, sender, recipient string, expectedMicros int64) (bool, error)
	// TokenBalance reads the payout-token balance of the address.
	TokenBalance(ctx context.Context, address string) (int64, error)
	// Transfer moves micros from the escrow signer to the recipient and
	// returns the chain-assigned transaction signature once confirmed.
	Transfer(ctx context.Context, escrowKey *ecdsa.PrivateKey, recipient string, micros int64) (string, error)
}

// FuncChain adapts callback functions to the Chain interface, mirroring the
// shape used by tests and by deployments that inject an external signer.
type FuncChain struct {
	VerifyFunc   func(ctx context.Context, txSignature, sender, recipient string, expectedMicros int64) (bool, error)
	BalanceFunc  func(ctx context.Context, address string) (int64, error)
	TransferFunc func(ctx context.Context, escrowKey *ecdsa.PrivateKey, recipient string, micros int64) (string, error)
}

// VerifyTransfer delegates to the configured callback.
func (f FuncChain) VerifyTransfer(ctx context.Context, txSignature, sender, recipient string, expectedMicros int64) (bool, error) {
	if f.VerifyFunc == nil {
		return false, nil
	}
	return f.VerifyFunc(ctx, txSignature, sender, recipient, expectedMicros)
}

// TokenBalance delegates to the configured callback.
func (f FuncChain) TokenBalance(ctx context.Context, address string) (int64, error) {
	if f.BalanceFunc == nil {
		return 0, nil
	}
	return f.BalanceFunc(ctx, address)
}

// Transfer delegates to the configured callback.
func (f FuncChain) Transfer(ctx context.Context, escrowKey *ecdsa.PrivateKey, recipient string, micros int64) (string, error) {
	if f.TransferFunc == nil {
		return "", nil
	}
	return f.TransferFunc(ctx, escrowKey, recipient, micros)
}
