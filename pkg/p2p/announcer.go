package p2p

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/vrf"
)

// RequestPublisher gossips randomness requests. Implemented by Libp2pNet.
type RequestPublisher interface {
	PublishRequest(ctx context.Context, req vrf.Request) error
}

// Announcer hands requests to the network from a buffered queue. Announce
// never blocks, so it can run under the engine lock.
type Announcer struct {
	out     RequestPublisher
	timeout time.Duration
	log     *zap.SugaredLogger

	queue   chan vrf.Request
	dropped atomic.Uint64
}

func NewAnnouncer(out RequestPublisher, size int, timeout time.Duration, logger *zap.SugaredLogger) *Announcer {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Announcer{
		out:     out,
		timeout: timeout,
		log:     logger,
		queue:   make(chan vrf.Request, size),
	}
}

// Announce queues req for publishing. A full queue drops the announcement;
// the request stays pending in the coordinator.
func (a *Announcer) Announce(req vrf.Request) {
	select {
	case a.queue <- req:
	default:
		a.dropped.Add(1)
		a.log.Warnw("announce_queue_full", "request_id", req.ID.Hex(), "order_index", req.OrderIndex)
	}
}

// Dropped returns how many announcements were lost to a full queue
func (a *Announcer) Dropped() uint64 {
	return a.dropped.Load()
}

// Run publishes queued requests until ctx is cancelled
func (a *Announcer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.queue:
			pubCtx, cancel := context.WithTimeout(ctx, a.timeout)
			err := a.out.PublishRequest(pubCtx, req)
			cancel()
			if err != nil {
				a.log.Warnw("request_publish_failed", "request_id", req.ID.Hex(), "err", err)
				continue
			}
			a.log.Debugw("request_announced", "request_id", req.ID.Hex())
		}
	}
}

var _ RequestPublisher = (*Libp2pNet)(nil)
