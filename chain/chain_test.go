package chain

import (
	"context"
	"encoding/hex"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestParsePrivateKeyAcceptsOptionalPrefix(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := hex.EncodeToString(ethcrypto.FromECDSA(key))

	for _, input := range []string{
		"0x" + hexKey,
		hexKey,
		"  " + hexKey + "\n",
	} {
		parsed, err := ParsePrivateKey(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if ethcrypto.PubkeyToAddress(parsed.PublicKey) != ethcrypto.PubkeyToAddress(key.PublicKey) {
			t.Fatal("parsed key does not match original")
		}
	}

	if _, err := ParsePrivateKey(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := ParsePrivateKey("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestFuncChainZeroValueIsInert(t *testing.T) {
	var fc FuncChain
	ctx := context.Background()

	ok, err := fc.VerifyTransfer(ctx, "0xsig", "0x01", "0x02", 1)
	if ok || err != nil {
		t.Fatalf("expected inert verify got %v %v", ok, err)
	}
	balance, err := fc.TokenBalance(ctx, "0x01")
	if balance != 0 || err != nil {
		t.Fatalf("expected inert balance got %d %v", balance, err)
	}
	sig, err := fc.Transfer(ctx, nil, "0x02", 1)
	if sig != "" || err != nil {
		t.Fatalf("expected inert transfer got %q %v", sig, err)
	}
}
