package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// ERC-20 call selectors and the Transfer event signature topic.
var (
	balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}
	transferSelector  = []byte{0xa9, 0x05, 0x9c, 0xbb}
	transferTopic     = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
)

const (
	tokenTransferGasLimit = 80_000
	nativeTransferGas     = 21_000
)

// EVMConfig configures the reference chain facade: an EVM chain carrying a
// 6-decimal ERC-20 payout token.
type EVMConfig struct {
	RPCURL       string
	TokenAddress string
	ChainID      int64
	// FeePayerKey is the oracle keypair that funds gas so escrows hold only
	// the token. May be nil; transfers then fail with ErrFeePayerUnavailable.
	FeePayerKey  *ecdsa.PrivateKey
	Timeout      time.Duration
	RatePerSec   float64
	PollInterval time.Duration
}

// EVMClient implements Chain over a JSON-RPC endpoint.
type EVMClient struct {
	rpc      *ethclient.Client
	token    common.Address
	chainID  *big.Int
	feePayer *ecdsa.PrivateKey
	limiter  *rate.Limiter
	timeout  time.Duration
	poll     time.Duration
}

// DialEVM connects the facade to the configured RPC endpoint.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("chain: rpc url required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("chain: invalid token address %q", cfg.TokenAddress)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &EVMClient{
		rpc:      client,
		token:    common.HexToAddress(cfg.TokenAddress),
		chainID:  big.NewInt(cfg.ChainID),
		feePayer: cfg.FeePayerKey,
		limiter:  rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		timeout:  timeout,
		poll:     poll,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *EVMClient) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// TokenBalance reads the ERC-20 balance of the address in micro-units.
func (c *EVMClient) TokenBalance(ctx context.Context, address string) (int64, error) {
	if !common.IsHexAddress(address) {
		return 0, fmt.Errorf("chain: invalid address %q", address)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: balanceOf call: %w", err)
	}
	balance := new(big.Int).SetBytes(raw)
	if !balance.IsInt64() {
		return 0, fmt.Errorf("chain: balance overflows micro-unit range")
	}
	return balance.Int64(), nil
}

// VerifyTransfer checks that the transaction confirmed, was signed by sender,
// and moved the expected amount of the payout token into the recipient.
func (c *EVMClient) VerifyTransfer(ctx context.Context, txSignature, sender, recipient string, expectedMicros int64) (bool, error) {
	if !common.IsHexAddress(sender) || !common.IsHexAddress(recipient) {
		return false, fmt.Errorf("chain: invalid verify addresses")
	}
	hash := common.HexToHash(txSignature)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Not yet confirmed; the caller may retry.
			return false, nil
		}
		return false, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}
	tx, _, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("chain: fetch transaction: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return false, fmt.Errorf("chain: recover sender: %w", err)
	}
	if from != common.HexToAddress(sender) {
		return false, nil
	}
	wantTo := common.HexToAddress(recipient)
	for _, entry := range receipt.Logs {
		if entry.Address != c.token || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(entry.Topics[2].Bytes()) != wantTo {
			continue
		}
		amount := new(big.Int).SetBytes(entry.Data)
		if !amount.IsInt64() {
			continue
		}
		delta := amount.Int64() - expectedMicros
		if delta < 0 {
			delta = -delta
		}
		if delta <= VerifyToleranceMicros {
			return true, nil
		}
	}
	return false, nil
}

// Transfer sends micros of the payout token from the escrow signer to the
// recipient. The fee payer tops up the escrow's gas beforehand when needed,
// so escrow wallets never need funding beyond the token itself.
func (c *EVMClient) Transfer(ctx context.Context, escrowKey *ecdsa.PrivateKey, recipient string, micros int64) (string, error) {
	if escrowKey == nil {
		return "", fmt.Errorf("chain: escrow signer required")
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("chain: invalid recipient %q", recipient)
	}
	if micros <= 0 {
		return "", fmt.Errorf("chain: transfer amount must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	from := ethcrypto.PubkeyToAddress(escrowKey.PublicKey)
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: gas price: %w", err)
	}
	gasCost := new(big.Int).Mul(gasPrice, big.NewInt(tokenTransferGasLimit))
	if err := c.ensureGas(ctx, from, gasPrice, gasCost); err != nil {
		return "", err
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("chain: escrow nonce: %w", err)
	}
	data := append(append([]byte{}, transferSelector...), common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(micros).Bytes(), 32)...)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.token,
		Gas:      tokenTransferGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), escrowKey)
	if err != nil {
		return "", fmt.Errorf("chain: sign transfer: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: submit transfer: %w", err)
	}
	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", ErrTransferReverted
	}
	return signed.Hash().Hex(), nil
}

// ensureGas moves enough native currency from the fee payer to the escrow to
// cover one token transfer. The doubled amount leaves headroom for a retry
// without another top-up round trip.
func (c *EVMClient) ensureGas(ctx context.Context, escrow common.Address, gasPrice, gasCost *big.Int) error {
	balance, err := c.rpc.BalanceAt(ctx, escrow, nil)
	if err != nil {
		return fmt.Errorf("chain: escrow gas balance: %w", err)
	}
	if balance.Cmp(gasCost) >= 0 {
		return nil
	}
	if c.feePayer == nil {
		return ErrFeePayerUnavailable
	}
	payer := ethcrypto.PubkeyToAddress(c.feePayer.PublicKey)
	nonce, err := c.rpc.PendingNonceAt(ctx, payer)
	if err != nil {
		return fmt.Errorf("chain: fee payer nonce: %w", err)
	}
	topUp := new(big.Int).Mul(gasCost, big.NewInt(2))
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &escrow,
		Value:    topUp,
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.feePayer)
	if err != nil {
		return fmt.Errorf("chain: sign gas top-up: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("chain: submit gas top-up: %w", err)
	}
	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("chain: gas top-up reverted")
	}
	return nil
}

func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: poll receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: confirmation timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ParsePrivateKey decodes a hex-encoded secp256k1 private key, with or
// without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: empty private key")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	return key, nil
}
