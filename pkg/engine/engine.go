package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/order"
	"github.com/uhyunpark/condorder/pkg/util"
	"github.com/uhyunpark/condorder/pkg/vrf"
)

// Gateway issues randomness requests. Implemented by vrf.Coordinator.
type Gateway interface {
	RequestRandomness(ctx context.Context, consumer common.Address, orderIndex uint64) (common.Hash, error)
	// Cancel withdraws a request that never got an order and refunds its fee
	Cancel(ctx context.Context, requestID common.Hash) error
}

type Config struct {
	Address common.Address // holding address; request fees are charged here
	Store   order.Store
	Gateway Gateway
	Policy  Policy // defaults to AlwaysExecute
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

// PlaceOrderRequest is the caller-supplied part of an order
type PlaceOrderRequest struct {
	AssetToBuy   string
	AmountToBuy  *big.Int
	AssetToSell  string
	AmountToSell *big.Int
}

// Receipt is returned by PlaceOrder so callers can correlate the order with
// the later randomness delivery
type Receipt struct {
	Index     uint64
	RequestID common.Hash
}

// Engine owns the order store and drives every order through
// Pending -> ConditionReady -> Executed (or Failed).
// All mutations are serialized by mu.
type Engine struct {
	address common.Address
	store   order.Store
	gateway Gateway
	policy  Policy
	clock   util.Clock
	log     *zap.SugaredLogger

	mu      sync.Mutex
	pending map[common.Hash]uint64 // request id -> order index, Pending orders only

	// OnEvent is called after each committed transition, outside the engine lock
	OnEvent func(Event)
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("engine: randomness gateway is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = AlwaysExecute()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	e := &Engine{
		address: cfg.Address,
		store:   cfg.Store,
		gateway: cfg.Gateway,
		policy:  cfg.Policy,
		clock:   cfg.Clock,
		log:     logger,
		pending: make(map[common.Hash]uint64),
	}

	// Rebuild request correlation for orders persisted while Pending
	count := e.store.Count()
	for i := uint64(0); i < count; i++ {
		o, err := e.store.Get(i)
		if err != nil {
			return nil, fmt.Errorf("engine: load order %d: %w", i, err)
		}
		if o.Status == order.Pending {
			e.pending[o.RequestID()] = i
		}
	}
	if count > 0 {
		e.log.Infow("engine_restored", "orders", count, "pending", len(e.pending))
	}
	return e, nil
}

func (e *Engine) Address() common.Address { return e.address }

func (e *Engine) PolicyName() string { return e.policy.Name() }

// PlaceOrder validates the request, issues a randomness request for the next
// index and appends the order as Pending. Nothing is stored on failure.
func (e *Engine) PlaceOrder(ctx context.Context, caller common.Address, req PlaceOrderRequest) (*Receipt, error) {
	o := order.Order{
		User:         caller,
		AssetToBuy:   req.AssetToBuy,
		AmountToBuy:  req.AmountToBuy,
		AssetToSell:  req.AssetToSell,
		AmountToSell: req.AmountToSell,
		Status:       order.Pending,
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	o = o.Clone()

	e.mu.Lock()
	idx := e.store.Count()
	requestID, err := e.gateway.RequestRandomness(ctx, e.address, idx)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("place order: request randomness: %w", err)
	}

	now := e.clock.Now().UnixMilli()
	o.RandomCondition = requestID.Big()
	o.CreatedAt = now
	o.UpdatedAt = now

	got, err := e.store.Append(o)
	if err != nil {
		if cerr := e.gateway.Cancel(context.WithoutCancel(ctx), requestID); cerr != nil {
			e.log.Errorw("randomness_cancel_failed", "request_id", requestID.Hex(), "err", cerr)
		}
		e.mu.Unlock()
		e.log.Errorw("order_append_failed", "index", idx, "request_id", requestID.Hex(), "err", err)
		return nil, fmt.Errorf("place order: %w", err)
	}
	if got != idx {
		e.mu.Unlock()
		return nil, fmt.Errorf("place order: store assigned index %d, expected %d", got, idx)
	}
	e.pending[requestID] = idx
	e.mu.Unlock()

	e.log.Infow("order_placed",
		"index", idx,
		"user", caller.Hex(),
		"request_id", requestID.Hex(),
		"buy", o.AssetToBuy, "amount_to_buy", o.AmountToBuy.String(),
		"sell", o.AssetToSell, "amount_to_sell", o.AmountToSell.String())

	e.emit(Event{
		Type:      EventOrderPlaced,
		Index:     idx,
		User:      caller,
		RequestID: requestID,
		Status:    order.Pending,
		Timestamp: now,
	})
	return &Receipt{Index: idx, RequestID: requestID}, nil
}

// RecordCondition stores the delivered outcome on the Pending order bound to
// requestID and makes it condition-ready.
func (e *Engine) RecordCondition(ctx context.Context, requestID common.Hash, outcome *big.Int) error {
	if outcome == nil {
		return errors.New("record condition: nil outcome")
	}

	e.mu.Lock()
	idx, ok := e.pending[requestID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("record condition %s: %w", requestID.Hex(), vrf.ErrUnknownRequest)
	}

	now := e.clock.Now().UnixMilli()
	var updated order.Order
	err := e.store.Update(idx, func(o *order.Order) error {
		if !o.Status.CanAdvanceTo(order.ConditionReady) {
			return vrf.ErrUnknownRequest
		}
		o.RandomCondition = new(big.Int).Set(outcome)
		o.Status = order.ConditionReady
		o.UpdatedAt = now
		updated = *o
		return nil
	})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("record condition %s: %w", requestID.Hex(), err)
	}
	delete(e.pending, requestID)
	e.mu.Unlock()

	e.log.Infow("condition_recorded", "index", idx, "request_id", requestID.Hex(), "outcome", outcome.String())
	e.emit(Event{
		Type:      EventConditionRecorded,
		Index:     idx,
		User:      updated.User,
		RequestID: requestID,
		Outcome:   new(big.Int).Set(outcome),
		Status:    order.ConditionReady,
		Timestamp: now,
	})
	return nil
}

// FailCondition moves the Pending order bound to requestID to Failed.
// Used when the provider delivers something unusable (e.g. a bad proof).
func (e *Engine) FailCondition(ctx context.Context, requestID common.Hash, reason error) error {
	e.mu.Lock()
	idx, ok := e.pending[requestID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("fail condition %s: %w", requestID.Hex(), vrf.ErrUnknownRequest)
	}

	now := e.clock.Now().UnixMilli()
	var updated order.Order
	err := e.store.Update(idx, func(o *order.Order) error {
		if !o.Status.CanAdvanceTo(order.Failed) {
			return vrf.ErrUnknownRequest
		}
		o.Status = order.Failed
		o.UpdatedAt = now
		updated = *o
		return nil
	})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("fail condition %s: %w", requestID.Hex(), err)
	}
	delete(e.pending, requestID)
	e.mu.Unlock()

	msg := "provider failure"
	if reason != nil {
		msg = reason.Error()
	}
	e.log.Warnw("order_failed", "index", idx, "request_id", requestID.Hex(), "reason", msg)
	e.emit(Event{
		Type:      EventOrderFailed,
		Index:     idx,
		User:      updated.User,
		RequestID: requestID,
		Status:    order.Failed,
		Reason:    msg,
		Timestamp: now,
	})
	return nil
}

// ExecuteOrder resolves a condition-ready order through the execution
// policy and returns the terminal status it reached. Calls that race ahead
// of the randomness fail with ErrNotReady instead of waiting.
func (e *Engine) ExecuteOrder(ctx context.Context, caller common.Address, index uint64) (order.Status, error) {
	e.mu.Lock()
	now := e.clock.Now().UnixMilli()
	var updated order.Order
	err := e.store.Update(index, func(o *order.Order) error {
		switch o.Status {
		case order.Pending:
			return order.ErrNotReady
		case order.Executed:
			return order.ErrAlreadyExecuted
		case order.Failed:
			return order.ErrOrderFailed
		}
		if e.policy.Allow(*o) {
			o.Status = order.Executed
		} else {
			o.Status = order.Failed
		}
		o.UpdatedAt = now
		updated = *o
		return nil
	})
	e.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("execute order %d: %w", index, err)
	}

	ev := Event{
		Index:     index,
		User:      updated.User,
		Outcome:   updated.RandomCondition,
		Status:    updated.Status,
		Timestamp: now,
	}
	if updated.Status == order.Executed {
		ev.Type = EventOrderExecuted
		e.log.Infow("order_executed", "index", index, "executor", caller.Hex())
	} else {
		ev.Type = EventOrderFailed
		ev.Reason = fmt.Sprintf("policy %s declined outcome", e.policy.Name())
		e.log.Infow("order_declined", "index", index, "executor", caller.Hex(), "policy", e.policy.Name())
	}
	e.emit(ev)
	return updated.Status, nil
}

// Order returns a copy of the order at index
func (e *Engine) Order(index uint64) (order.Order, error) {
	return e.store.Get(index)
}

// OrderCount returns the number of orders ever placed
func (e *Engine) OrderCount() uint64 {
	return e.store.Count()
}

// Orders returns up to limit orders starting at offset
func (e *Engine) Orders(offset, limit uint64) ([]order.Order, error) {
	count := e.store.Count()
	if offset >= count || limit == 0 {
		return []order.Order{}, nil
	}
	end := offset + limit
	if end > count || end < offset {
		end = count
	}

	out := make([]order.Order, 0, end-offset)
	for i := offset; i < end; i++ {
		o, err := e.store.Get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (e *Engine) emit(ev Event) {
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
}

var _ vrf.Consumer = (*Engine)(nil)
