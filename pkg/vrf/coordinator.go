package vrf

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/util"
)

// FeeLedger charges request fees. Implemented by ledger.Token.
type FeeLedger interface {
	Transfer(from, to common.Address, amount *big.Int) error
}

type Config struct {
	Address common.Address // receives request fees
	KeyHash common.Hash    // identifies the oracle key, mixed into every seed
	Fee     *big.Int       // per-request fee in token base units (nil or 0 = free)
	Ledger  FeeLedger      // required when Fee > 0

	// Prover fulfills locally (Fulfill / auto-fulfill). OraclePubKey verifies
	// proofs arriving through FulfillWithProof and defaults to the prover's key.
	Prover       *Prover
	OraclePubKey *crypto.BLSPubKey

	AutoFulfill  bool
	FulfillDelay time.Duration
	QueueSize    int

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

// Coordinator is the randomness gateway: it issues requests on behalf of
// registered consumers and delivers exactly one outcome per request.
type Coordinator struct {
	cfg Config
	log *zap.SugaredLogger

	mu        sync.Mutex
	consumers map[common.Address]Consumer
	pending   map[common.Hash]*Request
	inflight  map[common.Hash]*Request // claimed, consumer callback running
	fulfilled map[common.Hash]struct{}
	nonces    map[common.Address]uint64

	queue chan common.Hash

	// OnRequest is called after a request is issued (outside locks).
	// The p2p transport uses it to announce requests to a remote oracle.
	OnRequest func(Request)
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Fee != nil && cfg.Fee.Sign() > 0 && cfg.Ledger == nil {
		return nil, errors.New("vrf: fee configured without a ledger")
	}
	if cfg.AutoFulfill && cfg.Prover == nil {
		return nil, fmt.Errorf("vrf: auto-fulfill: %w", ErrNoProver)
	}
	if cfg.OraclePubKey == nil && cfg.Prover != nil {
		cfg.OraclePubKey = cfg.Prover.PublicKey()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Coordinator{
		cfg:       cfg,
		log:       logger,
		consumers: make(map[common.Address]Consumer),
		pending:   make(map[common.Hash]*Request),
		inflight:  make(map[common.Hash]*Request),
		fulfilled: make(map[common.Hash]struct{}),
		nonces:    make(map[common.Address]uint64),
		queue:     make(chan common.Hash, cfg.QueueSize),
	}, nil
}

func (c *Coordinator) Address() common.Address { return c.cfg.Address }

// Fee returns a copy of the per-request fee
func (c *Coordinator) Fee() *big.Int {
	if c.cfg.Fee == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.cfg.Fee)
}

// Register binds a consumer address to the callback target
func (c *Coordinator) Register(addr common.Address, consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers[addr] = consumer
}

// RequestRandomness issues a request bound to orderIndex and charges the fee
// to consumer. It never waits for the outcome.
func (c *Coordinator) RequestRandomness(ctx context.Context, consumer common.Address, orderIndex uint64) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	if _, ok := c.consumers[consumer]; !ok {
		c.mu.Unlock()
		return common.Hash{}, fmt.Errorf("%w: %s", ErrNoConsumer, consumer.Hex())
	}

	nonce := c.nonces[consumer]
	seed := MakeSeed(c.cfg.KeyHash, orderIndex, consumer, nonce)
	id := MakeRequestID(c.cfg.KeyHash, seed)

	fee := c.Fee()
	if fee.Sign() > 0 {
		if err := c.cfg.Ledger.Transfer(consumer, c.cfg.Address, fee); err != nil {
			c.mu.Unlock()
			return common.Hash{}, fmt.Errorf("charge request fee: %w", err)
		}
	}

	req := &Request{
		ID:         id,
		Consumer:   consumer,
		OrderIndex: orderIndex,
		KeyHash:    c.cfg.KeyHash,
		Seed:       seed,
		Nonce:      nonce,
		Fee:        fee,
		CreatedAt:  c.cfg.Clock.Now().UnixMilli(),
	}
	c.pending[id] = req
	c.nonces[consumer] = nonce + 1
	c.mu.Unlock()

	c.log.Infow("randomness_requested",
		"request_id", id.Hex(),
		"consumer", consumer.Hex(),
		"order_index", orderIndex,
		"nonce", nonce)

	if c.cfg.AutoFulfill {
		select {
		case c.queue <- id:
		default:
			c.log.Warnw("fulfill_queue_full", "request_id", id.Hex())
		}
	}
	if c.OnRequest != nil {
		c.OnRequest(*req)
	}
	return id, nil
}

// Deliver forwards outcome to the consumer that issued requestID
func (c *Coordinator) Deliver(ctx context.Context, requestID common.Hash, outcome *big.Int) error {
	req, consumer, err := c.claim(requestID, nil)
	if err != nil {
		return err
	}
	return c.deliver(ctx, req, consumer, outcome)
}

// CallBackWithRandomness is the provider-side callback: it delivers
// randomness for requestID to target, which must be the requester.
func (c *Coordinator) CallBackWithRandomness(ctx context.Context, requestID common.Hash, randomness *big.Int, target common.Address) error {
	req, consumer, err := c.claim(requestID, &target)
	if err != nil {
		return err
	}
	return c.deliver(ctx, req, consumer, randomness)
}

// FulfillWithProof verifies proof against the oracle key and delivers
// keccak256(proof). An invalid proof is rejected with ErrInvalidProof and
// the request stays pending for the genuine oracle.
func (c *Coordinator) FulfillWithProof(ctx context.Context, requestID common.Hash, proof []byte) error {
	req, ok := c.Pending(requestID)
	if !ok {
		return c.missing(requestID)
	}
	if !VerifyProof(c.cfg.OraclePubKey, req.Seed, proof) {
		c.log.Warnw("randomness_proof_rejected",
			"request_id", requestID.Hex(),
			"order_index", req.OrderIndex)
		return fmt.Errorf("%w: %s", ErrInvalidProof, requestID.Hex())
	}

	claimed, consumer, err := c.claim(requestID, nil)
	if err != nil {
		return err
	}
	return c.deliver(ctx, claimed, consumer, OutputFromProof(proof))
}

// Fail reports that the trusted oracle could not produce randomness for
// requestID. The consumer routes the order to Failed.
func (c *Coordinator) Fail(ctx context.Context, requestID common.Hash, reason error) error {
	req, consumer, err := c.claim(requestID, nil)
	if err != nil {
		return err
	}
	err = consumer.FailCondition(ctx, requestID, reason)
	c.settle(req, err == nil)
	if err != nil {
		return fmt.Errorf("fail %s: %w", requestID.Hex(), err)
	}
	c.log.Warnw("randomness_failed",
		"request_id", requestID.Hex(),
		"order_index", req.OrderIndex,
		"reason", reason)
	return nil
}

// Cancel withdraws a pending request the consumer could not use, refunding
// its fee. The nonce stays consumed so the id is never issued again.
func (c *Coordinator) Cancel(ctx context.Context, requestID common.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	req, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return c.missing(requestID)
	}
	if req.Fee != nil && req.Fee.Sign() > 0 {
		if err := c.cfg.Ledger.Transfer(c.cfg.Address, req.Consumer, req.Fee); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("refund request fee: %w", err)
		}
	}
	delete(c.pending, requestID)
	c.mu.Unlock()

	c.log.Infow("randomness_cancelled",
		"request_id", requestID.Hex(),
		"consumer", req.Consumer.Hex(),
		"order_index", req.OrderIndex)
	return nil
}

// Fulfill proves and delivers requestID with the local prover
func (c *Coordinator) Fulfill(ctx context.Context, requestID common.Hash) error {
	if c.cfg.Prover == nil {
		return ErrNoProver
	}
	req, ok := c.Pending(requestID)
	if !ok {
		return c.missing(requestID)
	}
	_, proof := c.cfg.Prover.Prove(req.Seed)
	return c.FulfillWithProof(ctx, requestID, proof)
}

// Run fulfills queued requests once FulfillDelay has elapsed since each was
// issued. Only active with AutoFulfill.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-c.queue:
			if req, ok := c.Pending(id); ok {
				due := time.UnixMilli(req.CreatedAt).Add(c.cfg.FulfillDelay)
				if wait := due.Sub(c.cfg.Clock.Now()); wait > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-c.cfg.Clock.After(wait):
					}
				}
			}

			err := c.Fulfill(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyFulfilled), errors.Is(err, ErrUnknownRequest):
				c.log.Debugw("auto_fulfill_skipped", "request_id", id.Hex(), "err", err)
			case errors.Is(err, ErrInvalidProof):
				// the local prover does not match the oracle key
				if ferr := c.Fail(ctx, id, err); ferr != nil {
					c.log.Warnw("auto_fulfill_failed", "request_id", id.Hex(), "err", ferr)
				}
			default:
				c.log.Warnw("auto_fulfill_failed", "request_id", id.Hex(), "err", err)
			}
		}
	}
}

// Pending returns a copy of an outstanding request
func (c *Coordinator) Pending(requestID common.Hash) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// PendingCount returns the number of unfulfilled requests
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// claim moves a request from pending to in-flight so that exactly one
// delivery can proceed. The consumer callback runs after the lock is
// released; settle then commits or restores the request.
func (c *Coordinator) claim(requestID common.Hash, target *common.Address) (*Request, Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.fulfilled[requestID]; done {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyFulfilled, requestID.Hex())
	}
	if _, busy := c.inflight[requestID]; busy {
		return nil, nil, fmt.Errorf("%w: %s in flight", ErrAlreadyFulfilled, requestID.Hex())
	}
	req, ok := c.pending[requestID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID.Hex())
	}
	if target != nil && *target != req.Consumer {
		return nil, nil, fmt.Errorf("%w: %s requested by %s", ErrConsumerMismatch, requestID.Hex(), req.Consumer.Hex())
	}
	consumer, ok := c.consumers[req.Consumer]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoConsumer, req.Consumer.Hex())
	}

	delete(c.pending, requestID)
	c.inflight[requestID] = req
	return req, consumer, nil
}

// settle ends a claim: delivered requests are retired, the rest go back to
// pending so the provider can retry.
func (c *Coordinator) settle(req *Request, delivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, req.ID)
	if delivered {
		c.fulfilled[req.ID] = struct{}{}
		return
	}
	c.pending[req.ID] = req
}

func (c *Coordinator) missing(requestID common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.fulfilled[requestID]; done {
		return fmt.Errorf("%w: %s", ErrAlreadyFulfilled, requestID.Hex())
	}
	if _, busy := c.inflight[requestID]; busy {
		return fmt.Errorf("%w: %s in flight", ErrAlreadyFulfilled, requestID.Hex())
	}
	return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID.Hex())
}

func (c *Coordinator) deliver(ctx context.Context, req *Request, consumer Consumer, outcome *big.Int) error {
	err := consumer.RecordCondition(ctx, req.ID, outcome)
	c.settle(req, err == nil)
	if err != nil {
		c.log.Warnw("randomness_delivery_failed", "request_id", req.ID.Hex(), "err", err)
		return fmt.Errorf("deliver %s: %w", req.ID.Hex(), err)
	}
	c.log.Infow("randomness_fulfilled",
		"request_id", req.ID.Hex(),
		"order_index", req.OrderIndex,
		"outcome", outcome.String())
	return nil
}
