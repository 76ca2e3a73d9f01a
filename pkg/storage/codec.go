package storage

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/order"
)

// orderRecord is the persisted form of an order. Amounts are decimal strings
// so uint256 values survive both JSON and SQL columns.
type orderRecord struct {
	Index           uint64 `gorm:"primaryKey;autoIncrement:false;column:order_index" json:"index"`
	User            string `gorm:"index;size:42" json:"user"`
	AssetToBuy      string `json:"assetToBuy"`
	AmountToBuy     string `json:"amountToBuy"`
	AssetToSell     string `json:"assetToSell"`
	AmountToSell    string `json:"amountToSell"`
	RandomCondition string `json:"randomCondition"`
	Status          int8   `gorm:"index" json:"status"`
	CreatedMs       int64  `gorm:"column:created_ms" json:"createdAt"`
	UpdatedMs       int64  `gorm:"column:updated_ms" json:"updatedAt"`
}

func (orderRecord) TableName() string { return "orders" }

func toRecord(o order.Order) orderRecord {
	return orderRecord{
		Index:           o.Index,
		User:            o.User.Hex(),
		AssetToBuy:      o.AssetToBuy,
		AmountToBuy:     bigString(o.AmountToBuy),
		AssetToSell:     o.AssetToSell,
		AmountToSell:    bigString(o.AmountToSell),
		RandomCondition: bigString(o.RandomCondition),
		Status:          int8(o.Status),
		CreatedMs:       o.CreatedAt,
		UpdatedMs:       o.UpdatedAt,
	}
}

func fromRecord(r orderRecord) (order.Order, error) {
	buy, err := parseBig(r.AmountToBuy)
	if err != nil {
		return order.Order{}, fmt.Errorf("order %d amountToBuy: %w", r.Index, err)
	}
	sell, err := parseBig(r.AmountToSell)
	if err != nil {
		return order.Order{}, fmt.Errorf("order %d amountToSell: %w", r.Index, err)
	}
	cond, err := parseBig(r.RandomCondition)
	if err != nil {
		return order.Order{}, fmt.Errorf("order %d randomCondition: %w", r.Index, err)
	}
	return order.Order{
		Index:           r.Index,
		User:            common.HexToAddress(r.User),
		AssetToBuy:      r.AssetToBuy,
		AmountToBuy:     buy,
		AssetToSell:     r.AssetToSell,
		AmountToSell:    sell,
		RandomCondition: cond,
		Status:          order.Status(r.Status),
		CreatedAt:       r.CreatedMs,
		UpdatedAt:       r.UpdatedMs,
	}, nil
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func encodeUint64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid counter length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
