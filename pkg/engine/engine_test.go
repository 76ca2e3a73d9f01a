package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/ledger"
	"github.com/uhyunpark/condorder/pkg/order"
	"github.com/uhyunpark/condorder/pkg/vrf"
)

var (
	engineAddr      = common.HexToAddress("0xE000000000000000000000000000000000000001")
	coordinatorAddr = common.HexToAddress("0xC000000000000000000000000000000000000001")
	alice           = common.HexToAddress("0xA11CE00000000000000000000000000000000000")
	bob             = common.HexToAddress("0xB0B0000000000000000000000000000000000000")
)

type fixture struct {
	engine *Engine
	coord  *vrf.Coordinator
	store  order.Store
	events []Event
	mu     sync.Mutex
}

func (f *fixture) recorded() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func newFixture(t *testing.T, vcfg vrf.Config, policy Policy) *fixture {
	t.Helper()
	return newFixtureWithStore(t, vcfg, policy, order.NewMemStore())
}

func newFixtureWithStore(t *testing.T, vcfg vrf.Config, policy Policy, store order.Store) *fixture {
	t.Helper()
	vcfg.Address = coordinatorAddr
	vcfg.KeyHash = common.HexToHash("0xabcdef")
	coord, err := vrf.NewCoordinator(vcfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	eng, err := New(Config{
		Address: engineAddr,
		Store:   store,
		Gateway: coord,
		Policy:  policy,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	coord.Register(engineAddr, eng)

	f := &fixture{engine: eng, coord: coord, store: store}
	eng.OnEvent = func(ev Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	}
	return f
}

func buy10ASell5B() PlaceOrderRequest {
	return PlaceOrderRequest{
		AssetToBuy:   "A",
		AmountToBuy:  big.NewInt(10),
		AssetToSell:  "B",
		AmountToSell: big.NewInt(5),
	}
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	rcpt, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if rcpt.Index != 0 {
		t.Fatalf("index = %d, want 0", rcpt.Index)
	}
	if f.engine.OrderCount() != 1 {
		t.Fatalf("count = %d, want 1", f.engine.OrderCount())
	}

	o, _ := f.engine.Order(0)
	if o.Status != order.Pending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
	if o.User != alice || o.AssetToBuy != "A" || o.AmountToBuy.Int64() != 10 || o.AssetToSell != "B" || o.AmountToSell.Int64() != 5 {
		t.Fatalf("unexpected order: %+v", o)
	}
	// the condition holds the request id until randomness arrives
	if o.RequestID() != rcpt.RequestID {
		t.Fatalf("random condition = %s, want request id %s", o.RequestID().Hex(), rcpt.RequestID.Hex())
	}

	if err := f.coord.Deliver(ctx, rcpt.RequestID, big.NewInt(12345)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	o, _ = f.engine.Order(0)
	if o.Status != order.ConditionReady || o.RandomCondition.Int64() != 12345 {
		t.Fatalf("after delivery: status=%s condition=%s", o.Status, o.RandomCondition)
	}

	status, err := f.engine.ExecuteOrder(ctx, bob, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != order.Executed {
		t.Fatalf("status = %s, want executed", status)
	}
	o, _ = f.engine.Order(0)
	if o.Status != order.Executed || o.RandomCondition.Int64() != 12345 {
		t.Fatalf("after execute: %+v", o)
	}

	want := []EventType{EventOrderPlaced, EventConditionRecorded, EventOrderExecuted}
	got := f.recorded()
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
}

func TestOrderOutOfRange(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	if _, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B()); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := f.engine.Order(5); !errors.Is(err, order.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := f.engine.ExecuteOrder(ctx, alice, 5); !errors.Is(err, order.ErrIndexOutOfRange) {
		t.Fatalf("execute: expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestExecuteBeforeRandomness(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	rcpt, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	if _, err := f.engine.ExecuteOrder(ctx, alice, rcpt.Index); !errors.Is(err, order.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	o, _ := f.engine.Order(rcpt.Index)
	if o.Status != order.Pending {
		t.Fatalf("status changed to %s", o.Status)
	}
}

func TestExecuteTwice(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	rcpt, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	_ = f.coord.Deliver(ctx, rcpt.RequestID, big.NewInt(7))
	if _, err := f.engine.ExecuteOrder(ctx, alice, 0); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := f.engine.ExecuteOrder(ctx, alice, 0); !errors.Is(err, order.ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
}

func TestInvalidOrdersAreNotStored(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  PlaceOrderRequest
		want error
	}{
		{"zero buy amount", PlaceOrderRequest{"A", big.NewInt(0), "B", big.NewInt(5)}, order.ErrInvalidAmount},
		{"zero sell amount", PlaceOrderRequest{"A", big.NewInt(10), "B", big.NewInt(0)}, order.ErrInvalidAmount},
		{"negative amount", PlaceOrderRequest{"A", big.NewInt(-1), "B", big.NewInt(5)}, order.ErrInvalidAmount},
		{"nil amount", PlaceOrderRequest{"A", nil, "B", big.NewInt(5)}, order.ErrInvalidAmount},
		{"empty buy asset", PlaceOrderRequest{"", big.NewInt(10), "B", big.NewInt(5)}, order.ErrInvalidAsset},
		{"empty sell asset", PlaceOrderRequest{"A", big.NewInt(10), "", big.NewInt(5)}, order.ErrInvalidAsset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.PlaceOrder(ctx, alice, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if f.engine.OrderCount() != 0 {
		t.Fatalf("count = %d, want 0", f.engine.OrderCount())
	}
	if f.coord.PendingCount() != 0 {
		t.Fatalf("invalid orders issued %d randomness requests", f.coord.PendingCount())
	}
}

func TestPlaceOrderChargesFee(t *testing.T) {
	tok := ledger.NewToken("LINK")
	tok.Mint(engineAddr, big.NewInt(150))
	f := newFixture(t, vrf.Config{Fee: big.NewInt(100), Ledger: tok}, nil)
	ctx := context.Background()

	if _, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B()); err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := tok.BalanceOf(engineAddr); got.Int64() != 50 {
		t.Errorf("engine balance = %s, want 50", got)
	}

	// second order cannot pay for its request
	_, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.engine.OrderCount() != 1 {
		t.Fatalf("count = %d, want 1", f.engine.OrderCount())
	}
	if got := tok.BalanceOf(engineAddr); got.Int64() != 50 {
		t.Errorf("failed placement moved funds: balance = %s", got)
	}
}

func TestDeliveriesOutOfOrder(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	var ids []common.Hash
	for i := 0; i < 3; i++ {
		rcpt, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
		if err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
		if rcpt.Index != uint64(i) {
			t.Fatalf("index = %d, want %d", rcpt.Index, i)
		}
		ids = append(ids, rcpt.RequestID)
	}

	for _, i := range []int{2, 0, 1} {
		if err := f.coord.Deliver(ctx, ids[i], big.NewInt(int64(100+i))); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	for i := uint64(0); i < 3; i++ {
		o, _ := f.engine.Order(i)
		if o.Status != order.ConditionReady || o.RandomCondition.Int64() != int64(100+i) {
			t.Errorf("order %d: status=%s condition=%s", i, o.Status, o.RandomCondition)
		}
	}
}

func TestRecordConditionUnknownRequest(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	err := f.engine.RecordCondition(ctx, common.HexToHash("0x1234"), big.NewInt(1))
	if !errors.Is(err, vrf.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}

	rcpt, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	if err := f.engine.RecordCondition(ctx, rcpt.RequestID, big.NewInt(1)); err != nil {
		t.Fatalf("record: %v", err)
	}
	// direct second delivery bypassing the coordinator
	if err := f.engine.RecordCondition(ctx, rcpt.RequestID, big.NewInt(2)); !errors.Is(err, vrf.ErrUnknownRequest) {
		t.Fatalf("second record: expected ErrUnknownRequest, got %v", err)
	}
	o, _ := f.engine.Order(rcpt.Index)
	if o.RandomCondition.Int64() != 1 {
		t.Fatalf("condition overwritten: %s", o.RandomCondition)
	}
}

func TestParityPolicy(t *testing.T) {
	tests := []struct {
		policy  string
		outcome int64
		want    order.Status
	}{
		{"even", 12344, order.Executed},
		{"even", 12345, order.Failed},
		{"odd", 12345, order.Executed},
		{"odd", 12344, order.Failed},
		{"always", 12345, order.Executed},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			p, err := ParsePolicy(tt.policy)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			f := newFixture(t, vrf.Config{}, p)
			ctx := context.Background()

			rcpt, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
			_ = f.coord.Deliver(ctx, rcpt.RequestID, big.NewInt(tt.outcome))

			status, err := f.engine.ExecuteOrder(ctx, alice, rcpt.Index)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if status != tt.want {
				t.Fatalf("status = %s, want %s", status, tt.want)
			}
			if tt.want == order.Failed {
				if _, err := f.engine.ExecuteOrder(ctx, alice, rcpt.Index); !errors.Is(err, order.ErrOrderFailed) {
					t.Fatalf("expected ErrOrderFailed, got %v", err)
				}
			}
		})
	}
}

func TestParsePolicyUnknown(t *testing.T) {
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}

func TestForgedProofLeavesOrderPending(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 3
	signer, err := crypto.NewBLSSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("bls: %v", err)
	}
	prover := vrf.NewProver(signer)
	f := newFixture(t, vrf.Config{Prover: prover}, nil)
	ctx := context.Background()

	rcpt, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	_, forged := prover.Prove(common.HexToHash("0x01"))

	if err := f.coord.FulfillWithProof(ctx, rcpt.RequestID, forged); !errors.Is(err, vrf.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	o, _ := f.engine.Order(rcpt.Index)
	if o.Status != order.Pending {
		t.Fatalf("status = %s after forged proof, want pending", o.Status)
	}

	if err := f.coord.Fulfill(ctx, rcpt.RequestID); err != nil {
		t.Fatalf("genuine fulfill: %v", err)
	}
	if status, err := f.engine.ExecuteOrder(ctx, alice, rcpt.Index); err != nil || status != order.Executed {
		t.Fatalf("execute: status=%s err=%v", status, err)
	}
}

func TestOracleFailureFailsOrder(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	rcpt, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	if err := f.coord.Fail(ctx, rcpt.RequestID, errors.New("oracle unavailable")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	o, _ := f.engine.Order(rcpt.Index)
	if o.Status != order.Failed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	if _, err := f.engine.ExecuteOrder(ctx, alice, rcpt.Index); !errors.Is(err, order.ErrOrderFailed) {
		t.Fatalf("expected ErrOrderFailed, got %v", err)
	}
}

// faultyStore fails Append always and Update for the first updateFails calls
type faultyStore struct {
	*order.MemStore
	appendErr   error
	updateFails int
}

func (s *faultyStore) Append(o order.Order) (uint64, error) {
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	return s.MemStore.Append(o)
}

func (s *faultyStore) Update(index uint64, fn func(*order.Order) error) error {
	if s.updateFails > 0 {
		s.updateFails--
		return errors.New("transient io error")
	}
	return s.MemStore.Update(index, fn)
}

func TestAppendFailureRefundsRequest(t *testing.T) {
	tok := ledger.NewToken("LINK")
	tok.Mint(engineAddr, big.NewInt(100))
	store := &faultyStore{MemStore: order.NewMemStore(), appendErr: errors.New("disk full")}
	f := newFixtureWithStore(t, vrf.Config{Fee: big.NewInt(10), Ledger: tok}, nil, store)
	ctx := context.Background()

	if _, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B()); err == nil {
		t.Fatal("expected place error")
	}
	if got := tok.BalanceOf(engineAddr); got.Int64() != 100 {
		t.Errorf("engine balance = %s, want 100", got)
	}
	if got := tok.BalanceOf(coordinatorAddr); got.Sign() != 0 {
		t.Errorf("coordinator balance = %s, want 0", got)
	}
	if n := f.coord.PendingCount(); n != 0 {
		t.Errorf("coordinator pending = %d, want 0", n)
	}
	if n := f.engine.OrderCount(); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	if len(f.recorded()) != 0 {
		t.Error("event emitted for failed placement")
	}
}

func TestConditionRetriedAfterStoreError(t *testing.T) {
	store := &faultyStore{MemStore: order.NewMemStore(), updateFails: 1}
	f := newFixtureWithStore(t, vrf.Config{}, nil, store)
	ctx := context.Background()

	rcpt, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := f.coord.Deliver(ctx, rcpt.RequestID, big.NewInt(42)); err == nil {
		t.Fatal("expected delivery error")
	}
	o, _ := f.engine.Order(rcpt.Index)
	if o.Status != order.Pending {
		t.Fatalf("status = %s after failed update, want pending", o.Status)
	}

	if err := f.coord.Deliver(ctx, rcpt.RequestID, big.NewInt(42)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	o, _ = f.engine.Order(rcpt.Index)
	if o.Status != order.ConditionReady || o.RandomCondition.Int64() != 42 {
		t.Fatalf("status=%s condition=%s, want condition_ready 42", o.Status, o.RandomCondition)
	}
}

func TestValidProofDeliversOutput(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 4
	signer, _ := crypto.NewBLSSignerFromSeed(seed)
	prover := vrf.NewProver(signer)
	f := newFixture(t, vrf.Config{Prover: prover}, nil)
	ctx := context.Background()

	rcpt, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	req, ok := f.coord.Pending(rcpt.RequestID)
	if !ok {
		t.Fatal("request not pending")
	}
	want, _ := prover.Prove(req.Seed)

	if err := f.coord.Fulfill(ctx, rcpt.RequestID); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	o, _ := f.engine.Order(rcpt.Index)
	if o.Status != order.ConditionReady || o.RandomCondition.Cmp(want) != 0 {
		t.Fatalf("status=%s condition=%s want %s", o.Status, o.RandomCondition, want)
	}
}

func TestOrdersPagination(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B()); err != nil {
			t.Fatalf("place: %v", err)
		}
	}

	tests := []struct {
		offset, limit uint64
		want          []uint64
	}{
		{0, 2, []uint64{0, 1}},
		{3, 10, []uint64{3, 4}},
		{5, 1, nil},
		{0, 0, nil},
	}
	for _, tt := range tests {
		got, err := f.engine.Orders(tt.offset, tt.limit)
		if err != nil {
			t.Fatalf("orders(%d,%d): %v", tt.offset, tt.limit, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("orders(%d,%d) len = %d, want %d", tt.offset, tt.limit, len(got), len(tt.want))
		}
		for i, o := range got {
			if o.Index != tt.want[i] {
				t.Errorf("orders(%d,%d)[%d].Index = %d", tt.offset, tt.limit, i, o.Index)
			}
		}
	}
}

func TestRestoreRebuildsPendingRequests(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	first, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	second, _ := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
	_ = f.coord.Deliver(ctx, first.RequestID, big.NewInt(9))

	// second engine over the same store, as after a restart
	restored, err := New(Config{Address: engineAddr, Store: f.store, Gateway: f.coord})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := restored.RecordCondition(ctx, second.RequestID, big.NewInt(11)); err != nil {
		t.Fatalf("record after restore: %v", err)
	}
	if err := restored.RecordCondition(ctx, first.RequestID, big.NewInt(1)); !errors.Is(err, vrf.ErrUnknownRequest) {
		t.Fatalf("resolved request accepted again: %v", err)
	}
}

func TestConcurrentPlaceAndDeliver(t *testing.T) {
	f := newFixture(t, vrf.Config{}, nil)
	ctx := context.Background()

	const n = 32
	receipts := make(chan *Receipt, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rcpt, err := f.engine.PlaceOrder(ctx, alice, buy10ASell5B())
			if err != nil {
				t.Errorf("place: %v", err)
				return
			}
			receipts <- rcpt
			if err := f.coord.Deliver(ctx, rcpt.RequestID, new(big.Int).SetUint64(rcpt.Index+1000)); err != nil {
				t.Errorf("deliver: %v", err)
			}
		}()
	}
	wg.Wait()
	close(receipts)

	seen := make(map[uint64]bool)
	for r := range receipts {
		if seen[r.Index] {
			t.Fatalf("duplicate index %d", r.Index)
		}
		seen[r.Index] = true
	}
	if f.engine.OrderCount() != n {
		t.Fatalf("count = %d, want %d", f.engine.OrderCount(), n)
	}
	for i := uint64(0); i < n; i++ {
		o, _ := f.engine.Order(i)
		if o.Status != order.ConditionReady || o.RandomCondition.Uint64() != i+1000 {
			t.Errorf("order %d: status=%s condition=%s", i, o.Status, o.RandomCondition)
		}
	}
}
