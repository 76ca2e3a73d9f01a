package crypto

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// devEngineKey is the kind of value operators put in ENGINE_PRIVATE_KEY
const devEngineKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEngineKeyFromEnvHex(t *testing.T) {
	prefixed, err := FromPrivateKeyHex(devEngineKey)
	if err != nil {
		t.Fatalf("0x-prefixed key: %v", err)
	}
	bare, err := FromPrivateKeyHex(strings.TrimPrefix(devEngineKey, "0x"))
	if err != nil {
		t.Fatalf("bare key: %v", err)
	}
	if prefixed.Address() != bare.Address() {
		t.Fatalf("engine address depends on prefix: %s vs %s", prefixed.Address().Hex(), bare.Address().Hex())
	}
	if prefixed.Address() == (common.Address{}) {
		t.Fatal("zero engine address")
	}
	if got := "0x" + prefixed.PrivateKeyHex(); got != devEngineKey {
		t.Errorf("PrivateKeyHex = %s, want %s", got, devEngineKey)
	}
}

func TestEngineKeyRejectsMalformedHex(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty after prefix", "0x"},
		{"short", "0x4c0883a6"},
		{"not hex", "0x" + strings.Repeat("zz", 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromPrivateKeyHex(tt.key); err == nil {
				t.Fatalf("accepted %q", tt.key)
			}
		})
	}
}

func TestWalletSignatureVerifiesPlaceOrder(t *testing.T) {
	user, err := FromPrivateKeyHex(devEngineKey)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	e := NewEIP712Signer(DefaultDomain())
	o := samplePlaceOrder(user.Address())

	sig, err := e.SignPlaceOrder(user, o)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig[64] > 1 {
		t.Fatalf("Sign returned V=%d, want a raw recovery id", sig[64])
	}

	// MetaMask and friends send V as 27/28
	wallet := append([]byte(nil), sig...)
	wallet[64] += 27
	ok, err := e.VerifyPlaceOrder(o, wallet)
	if err != nil || !ok {
		t.Fatalf("wallet signature: ok=%v err=%v", ok, err)
	}
	if wallet[64] < 27 {
		t.Error("verification rewrote the caller's signature")
	}

	// same signature, different claimed user
	o.User = common.HexToAddress("0x0000000000000000000000000000000000000001")
	if ok, _ := e.VerifyPlaceOrder(o, wallet); ok {
		t.Fatal("signature verified for another user")
	}
}

func TestPlaceOrderRejectsMalformedSignature(t *testing.T) {
	user, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	o := samplePlaceOrder(user.Address())

	tests := []struct {
		name string
		sig  []byte
	}{
		{"short", []byte{1, 2, 3}},
		{"zero", make([]byte, 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ok, _ := e.VerifyPlaceOrder(o, tt.sig); ok {
				t.Fatal("malformed signature verified")
			}
		})
	}
}

func TestSignRequiresDigest(t *testing.T) {
	user, _ := GenerateKey()
	if _, err := user.Sign([]byte("place order 0")); err == nil {
		t.Fatal("signed a raw message")
	}
	if _, err := RecoverAddress(make([]byte, 31), make([]byte, 65)); err == nil {
		t.Fatal("recovered from a short digest")
	}
}

func TestExecuteSignatureAcceptsMaxNonce(t *testing.T) {
	executor, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	x := &ExecuteOrderEIP712{
		Index:    big.NewInt(0),
		Nonce:    new(big.Int).SetUint64(^uint64(0)),
		Executor: executor.Address(),
	}
	sig, err := e.SignExecuteOrder(executor, x)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if ok, err := e.VerifyExecuteOrder(x, sig); err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
}
