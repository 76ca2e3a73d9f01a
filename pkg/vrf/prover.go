package vrf

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/condorder/pkg/crypto"
)

// Prover turns a request seed into a verifiable random output.
//
//	proof  = BLS_sign(sk, seed)
//	output = keccak256(proof)
//
// BLS signatures are deterministic, so the oracle cannot grind outputs,
// and anyone holding the public key can check the proof.
type Prover struct {
	signer *crypto.BLSSigner
}

func NewProver(signer *crypto.BLSSigner) *Prover {
	return &Prover{signer: signer}
}

// Prove returns (output, proof) for seed
func (p *Prover) Prove(seed common.Hash) (*big.Int, []byte) {
	proof := p.signer.Sign(seed.Bytes())
	return OutputFromProof(proof), proof
}

func (p *Prover) PublicKey() *crypto.BLSPubKey { return p.signer.Pubkey() }

// OutputFromProof hashes a proof into a uint256 outcome
func OutputFromProof(proof []byte) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write(proof)
	return new(big.Int).SetBytes(h.Sum(nil))
}

// VerifyProof checks proof against pk and seed
func VerifyProof(pk *crypto.BLSPubKey, seed common.Hash, proof []byte) bool {
	if pk == nil || len(proof) == 0 {
		return false
	}
	return crypto.VerifyBLS(pk, proof, seed.Bytes())
}
