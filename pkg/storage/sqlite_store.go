package storage

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/uhyunpark/condorder/pkg/ledger"
	"github.com/uhyunpark/condorder/pkg/order"
)

type balanceRecord struct {
	Address string `gorm:"primaryKey;size:42"`
	Amount  string
}

func (balanceRecord) TableName() string { return "balances" }

// SQLiteStore is the SQL-backed order store (pure Go sqlite through gorm).
// Like PebbleStore it writes through to an in-memory cache.
type SQLiteStore struct {
	db  *gorm.DB
	mem *order.MemStore

	mu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := &SQLiteStore{db: db, mem: order.NewMemStore()}
	if err := s.open(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// open migrates the schema and restores the order cache
func (s *SQLiteStore) open() error {
	if err := s.db.AutoMigrate(&orderRecord{}, &balanceRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	var recs []orderRecord
	if err := s.db.Order("order_index asc").Find(&recs).Error; err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	orders := make([]order.Order, 0, len(recs))
	for _, r := range recs {
		o, err := fromRecord(r)
		if err != nil {
			return err
		}
		orders = append(orders, o)
	}
	if err := s.mem.Load(orders); err != nil {
		return fmt.Errorf("failed to restore orders: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Append(o order.Order) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.Index = s.mem.Count()
	rec := toRecord(o)
	if err := s.db.Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("failed to save order: %w", err)
	}
	return s.mem.Append(o)
}

func (s *SQLiteStore) Get(index uint64) (order.Order, error) {
	return s.mem.Get(index)
}

func (s *SQLiteStore) Count() uint64 {
	return s.mem.Count()
}

func (s *SQLiteStore) Update(index uint64, fn func(*order.Order) error) error {
	return s.mem.Update(index, func(o *order.Order) error {
		if err := fn(o); err != nil {
			return err
		}
		o.Index = index
		rec := toRecord(*o)
		if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

// SaveBalances upserts fee token balances in one transaction
func (s *SQLiteStore) SaveBalances(balances map[common.Address]*big.Int) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for addr, amount := range balances {
			rec := balanceRecord{Address: addr.Hex(), Amount: bigString(amount)}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save balances: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadBalances() (map[common.Address]*big.Int, error) {
	var recs []balanceRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, err
	}
	balances := make(map[common.Address]*big.Int, len(recs))
	for _, r := range recs {
		amount, err := parseBig(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", r.Address, err)
		}
		balances[common.HexToAddress(r.Address)] = amount
	}
	return balances, nil
}

var (
	_ order.Store         = (*SQLiteStore)(nil)
	_ ledger.BalanceStore = (*SQLiteStore)(nil)
)
