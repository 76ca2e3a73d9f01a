package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for Pebble storage:
//
//   ord:<index>   → Order (index zero-padded to 20 digits for ordered scans)
//   bal:<address> → fee token balance
//   meta:count    → number of orders

const (
	prefixOrder   = "ord:"
	prefixBalance = "bal:"
)

var keyOrderCount = []byte("meta:count")

// orderKey returns the key for an order
// Format: "ord:{index:020d}"
func orderKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, index))
}

// balanceKey returns the key for a token balance
// Format: "bal:{address}"
func balanceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixBalance, addr.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
