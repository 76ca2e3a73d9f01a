package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of the fee token (LINK-style, 18)
const Decimals = 18

var (
	ErrInvalidAmount       = errors.New("token amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

// BalanceStore persists balances. Implemented by storage.PebbleStore and
// storage.SQLiteStore. SaveBalances writes all entries or none.
type BalanceStore interface {
	SaveBalances(balances map[common.Address]*big.Int) error
	LoadBalances() (map[common.Address]*big.Int, error)
}

// Token is the fee-bearing token used to pay for randomness requests.
// Balances are kept in base units (wei-like) and are never negative.
type Token struct {
	Symbol string

	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	store    BalanceStore // optional
}

// NewToken creates an in-memory token ledger
func NewToken(symbol string) *Token {
	return &Token{
		Symbol:   symbol,
		balances: make(map[common.Address]*big.Int),
	}
}

// NewPersistentToken creates a token ledger backed by store and loads
// all previously persisted balances.
func NewPersistentToken(symbol string, store BalanceStore) (*Token, error) {
	balances, err := store.LoadBalances()
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	t := NewToken(symbol)
	t.store = store
	for addr, bal := range balances {
		t.balances[addr] = new(big.Int).Set(bal)
	}
	return t, nil
}

// BalanceOf returns a copy of the balance of addr
func (t *Token) BalanceOf(addr common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Mint credits amount to addr (faucet / bridge deposit)
func (t *Token) Mint(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := new(big.Int).Add(t.balanceLocked(addr), amount)
	if err := t.persist(map[common.Address]*big.Int{addr: next}); err != nil {
		return err
	}
	t.balances[addr] = next
	return nil
}

// Transfer moves amount from -> to. Fails without side effects when the
// sender cannot cover it.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fromBal := t.balanceLocked(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance,
			FormatUnits(fromBal), FormatUnits(amount))
	}
	if from == to {
		return nil
	}

	nextFrom := new(big.Int).Sub(fromBal, amount)
	nextTo := new(big.Int).Add(t.balanceLocked(to), amount)
	if err := t.persist(map[common.Address]*big.Int{from: nextFrom, to: nextTo}); err != nil {
		return err
	}
	t.balances[from] = nextFrom
	t.balances[to] = nextTo
	return nil
}

// balanceLocked assumes t.mu is held
func (t *Token) balanceLocked(addr common.Address) *big.Int {
	if bal, ok := t.balances[addr]; ok {
		return bal
	}
	return new(big.Int)
}

func (t *Token) persist(balances map[common.Address]*big.Int) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveBalances(balances); err != nil {
		return fmt.Errorf("failed to persist balances: %w", err)
	}
	return nil
}

// ParseUnits converts a decimal token string ("0.1") to base units
func ParseUnits(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid token amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid token amount %q: %w", s, ErrInvalidAmount)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("token amount %q exceeds %d decimals", s, Decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders base units as a decimal token string
func FormatUnits(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -Decimals).String()
}
