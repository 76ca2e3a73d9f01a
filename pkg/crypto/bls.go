package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]
type BLSSignature = []byte

// BLSSigner holds a BLS12-381 key. BLS signatures are unique per
// (key, message), which is what lets the VRF prover derive outputs from them.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives a key from seed (at least 32 bytes)
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

// PubkeyHex returns the compressed public key as 0x-prefixed hex
func (s *BLSSigner) PubkeyHex() (string, error) {
	b, err := s.pk.MarshalBinary()
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

// ParseBLSPubKey decodes a hex public key produced by PubkeyHex
func ParseBLSPubKey(h string) (*BLSPubKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid bls pubkey hex: %w", err)
	}
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid bls pubkey: %w", err)
	}
	return pk, nil
}

func VerifyBLS(pk *BLSPubKey, sigBytes, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sigBytes))
}
