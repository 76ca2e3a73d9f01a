package vrf

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownRequest   = errors.New("unknown randomness request")
	ErrAlreadyFulfilled = errors.New("randomness request already fulfilled")
	ErrInvalidProof     = errors.New("invalid randomness proof")
	ErrConsumerMismatch = errors.New("consumer does not own request")
	ErrNoConsumer       = errors.New("no consumer registered")
	ErrNoProver         = errors.New("no prover configured")
)

// Consumer receives randomness for requests it issued.
// The order engine is the consumer in this system.
type Consumer interface {
	RecordCondition(ctx context.Context, requestID common.Hash, outcome *big.Int) error
	FailCondition(ctx context.Context, requestID common.Hash, reason error) error
}

// Request is an outstanding randomness request
type Request struct {
	ID         common.Hash
	Consumer   common.Address
	OrderIndex uint64
	KeyHash    common.Hash
	Seed       common.Hash // VRF input; proofs sign this
	Nonce      uint64      // per-consumer request counter
	Fee        *big.Int
	CreatedAt  int64 // Unix milliseconds
}

// Fulfillment carries an outcome for a request, optionally with its proof
type Fulfillment struct {
	RequestID common.Hash
	Output    *big.Int
	Proof     []byte
}

// MakeSeed derives the VRF input the same way Chainlink's VRFRequestIDBase
// does: keccak256(keyHash ‖ userSeed ‖ requester ‖ nonce) as 32-byte words.
func MakeSeed(keyHash common.Hash, userSeed uint64, requester common.Address, nonce uint64) common.Hash {
	return crypto.Keccak256Hash(
		keyHash.Bytes(),
		word(userSeed),
		common.LeftPadBytes(requester.Bytes(), 32),
		word(nonce),
	)
}

// MakeRequestID derives the request id: keccak256(keyHash ‖ seed)
func MakeRequestID(keyHash, seed common.Hash) common.Hash {
	return crypto.Keccak256Hash(keyHash.Bytes(), seed.Bytes())
}

func word(v uint64) []byte {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], v)
	return b[:]
}
