package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/order"
)

type EventType string

const (
	EventOrderPlaced       EventType = "order_placed"
	EventConditionRecorded EventType = "condition_recorded"
	EventOrderExecuted     EventType = "order_executed"
	EventOrderFailed       EventType = "order_failed"
)

// Event is emitted after every committed state transition
type Event struct {
	Type      EventType      `json:"type"`
	Index     uint64         `json:"index"`
	User      common.Address `json:"user"`
	RequestID common.Hash    `json:"requestId"`         // set on placement and resolution
	Outcome   *big.Int       `json:"outcome,omitempty"` // set once randomness is recorded
	Status    order.Status   `json:"status"`
	Reason    string         `json:"reason,omitempty"` // set on failure
	Timestamp int64          `json:"timestamp"`        // Unix milliseconds
}
