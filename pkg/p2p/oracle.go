package p2p

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/vrf"
)

// FulfillmentSender delivers a fulfillment to the peer that asked for it
type FulfillmentSender interface {
	SendFulfillment(ctx context.Context, to peer.ID, f vrf.Fulfillment) error
}

// Responder is the oracle side: it proves gossiped requests for its key
// hash and sends the proof back. Each request id is answered once.
type Responder struct {
	prover  *vrf.Prover
	keyHash common.Hash
	out     FulfillmentSender
	log     *zap.SugaredLogger

	mu       sync.Mutex
	answered map[common.Hash]struct{}
}

func NewResponder(prover *vrf.Prover, keyHash common.Hash, out FulfillmentSender, logger *zap.SugaredLogger) (*Responder, error) {
	if prover == nil {
		return nil, errors.New("oracle has no prover")
	}
	if out == nil {
		return nil, errors.New("oracle has no fulfillment sender")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Responder{
		prover:   prover,
		keyHash:  keyHash,
		out:      out,
		log:      logger,
		answered: make(map[common.Hash]struct{}),
	}, nil
}

// HandleRequest matches Handlers.OnRequest
func (r *Responder) HandleRequest(ctx context.Context, from peer.ID, req vrf.Request) {
	if req.KeyHash != r.keyHash {
		return
	}
	r.mu.Lock()
	if _, ok := r.answered[req.ID]; ok {
		r.mu.Unlock()
		return
	}
	r.answered[req.ID] = struct{}{}
	r.mu.Unlock()

	output, proof := r.prover.Prove(req.Seed)
	f := vrf.Fulfillment{RequestID: req.ID, Output: output, Proof: proof}
	if err := r.out.SendFulfillment(ctx, from, f); err != nil {
		r.mu.Lock()
		delete(r.answered, req.ID)
		r.mu.Unlock()
		r.log.Warnw("fulfillment_send_failed", "request", req.ID.Hex(), "peer", from.String(), "err", err)
		return
	}
	r.log.Infow("request_fulfilled", "request", req.ID.Hex(), "order", req.OrderIndex, "peer", from.String())
}

// Answered reports how many distinct requests have been proven
func (r *Responder) Answered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.answered)
}
