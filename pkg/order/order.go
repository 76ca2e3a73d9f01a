package order

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidAsset    = errors.New("invalid asset")
	ErrIndexOutOfRange = errors.New("order index out of range")
	ErrNotReady        = errors.New("order condition not ready")
	ErrAlreadyExecuted = errors.New("order already executed")
	ErrOrderFailed     = errors.New("order failed")
)

// Status represents the lifecycle state of a conditional order
type Status int8

const (
	Pending Status = iota
	ConditionReady
	Executed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case ConditionReady:
		return "condition_ready"
	case Executed:
		return "executed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == Executed || s == Failed
}

// CanAdvanceTo reports whether s -> next is a legal forward transition.
// Pending -> ConditionReady -> Executed, and any non-terminal state -> Failed.
func (s Status) CanAdvanceTo(next Status) bool {
	switch {
	case s.IsTerminal():
		return false
	case next == Failed:
		return true
	case s == Pending:
		return next == ConditionReady
	case s == ConditionReady:
		return next == Executed
	default:
		return false
	}
}

// Order is a requested conditional asset exchange awaiting a
// randomness-derived trigger.
type Order struct {
	Index uint64         // Position in the store, assigned sequentially from 0
	User  common.Address // Account that placed the order

	AssetToBuy   string
	AmountToBuy  *big.Int
	AssetToSell  string
	AmountToSell *big.Int

	// RandomCondition holds the pending request id (bytes32 read as uint256)
	// until randomness resolves, then the delivered outcome.
	RandomCondition *big.Int

	Status Status

	// Timestamps (Unix milliseconds)
	CreatedAt int64
	UpdatedAt int64
}

// Validate checks the placement constraints on amounts and assets
func (o *Order) Validate() error {
	if o.AssetToBuy == "" || o.AssetToSell == "" {
		return ErrInvalidAsset
	}
	if o.AmountToBuy == nil || o.AmountToBuy.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if o.AmountToSell == nil || o.AmountToSell.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// RequestID returns RandomCondition as a 32-byte request identifier.
// Only meaningful while the order is Pending.
func (o *Order) RequestID() common.Hash {
	if o.RandomCondition == nil {
		return common.Hash{}
	}
	return common.BigToHash(o.RandomCondition)
}

// Clone returns a deep copy so callers never alias store-owned big.Ints
func (o Order) Clone() Order {
	out := o
	out.AmountToBuy = cloneBig(o.AmountToBuy)
	out.AmountToSell = cloneBig(o.AmountToSell)
	out.RandomCondition = cloneBig(o.RandomCondition)
	return out
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
