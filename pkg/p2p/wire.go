package p2p

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/vrf"
)

func init() {
	gob.Register(RequestWire{})
	gob.Register(FulfillmentWire{})
}

var errIDMismatch = errors.New("request id does not match its derivation")

// RequestWire announces a randomness request to oracle nodes
type RequestWire struct {
	ID         [32]byte
	Consumer   [20]byte
	OrderIndex uint64
	KeyHash    [32]byte
	Seed       [32]byte
	Nonce      uint64
	CreatedAt  int64
}

// FulfillmentWire carries an oracle's proof back to the requesting node
type FulfillmentWire struct {
	RequestID [32]byte
	Proof     []byte // BLS signature over the request seed
}

func encodeRequest(r vrf.Request) ([]byte, error) {
	return gobEncode(RequestWire{
		ID:         r.ID,
		Consumer:   r.Consumer,
		OrderIndex: r.OrderIndex,
		KeyHash:    r.KeyHash,
		Seed:       r.Seed,
		Nonce:      r.Nonce,
		CreatedAt:  r.CreatedAt,
	})
}

// decodeRequest decodes a request and checks that its seed and id follow
// from the announced fields
func decodeRequest(b []byte) (vrf.Request, error) {
	var w RequestWire
	if err := gobDecode(b, &w); err != nil {
		return vrf.Request{}, err
	}
	req := vrf.Request{
		ID:         common.Hash(w.ID),
		Consumer:   common.Address(w.Consumer),
		OrderIndex: w.OrderIndex,
		KeyHash:    common.Hash(w.KeyHash),
		Seed:       common.Hash(w.Seed),
		Nonce:      w.Nonce,
		Fee:        new(big.Int),
		CreatedAt:  w.CreatedAt,
	}
	seed := vrf.MakeSeed(req.KeyHash, req.OrderIndex, req.Consumer, req.Nonce)
	if seed != req.Seed || vrf.MakeRequestID(req.KeyHash, seed) != req.ID {
		return vrf.Request{}, fmt.Errorf("%w: %s", errIDMismatch, req.ID.Hex())
	}
	return req, nil
}

func encodeFulfillment(f vrf.Fulfillment) ([]byte, error) {
	return gobEncode(FulfillmentWire{RequestID: f.RequestID, Proof: f.Proof})
}

// decodeFulfillment decodes a fulfillment. Output is derived from the proof.
func decodeFulfillment(b []byte) (vrf.Fulfillment, error) {
	var w FulfillmentWire
	if err := gobDecode(b, &w); err != nil {
		return vrf.Fulfillment{}, err
	}
	if len(w.Proof) == 0 {
		return vrf.Fulfillment{}, errors.New("fulfillment without proof")
	}
	return vrf.Fulfillment{
		RequestID: common.Hash(w.RequestID),
		Output:    vrf.OutputFromProof(w.Proof),
		Proof:     w.Proof,
	}, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
