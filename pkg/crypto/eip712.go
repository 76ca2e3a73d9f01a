package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the domain separator for typed-data signatures
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

// PlaceOrderEIP712 is what a user signs to place a conditional order
type PlaceOrderEIP712 struct {
	AssetToBuy   string
	AmountToBuy  *big.Int
	AssetToSell  string
	AmountToSell *big.Int
	Nonce        *big.Int // replay protection, unique per user
	User         common.Address
}

// ExecuteOrderEIP712 is what a caller signs to execute a condition-ready order
type ExecuteOrderEIP712 struct {
	Index    *big.Int
	Nonce    *big.Int
	Executor common.Address
}

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var placeOrderFields = []apitypes.Type{
	{Name: "assetToBuy", Type: "string"},
	{Name: "amountToBuy", Type: "uint256"},
	{Name: "assetToSell", Type: "string"},
	{Name: "amountToSell", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "user", Type: "address"},
}

var executeOrderFields = []apitypes.Type{
	{Name: "index", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "executor", Type: "address"},
}

type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the off-chain signing domain for local nodes
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "condorder",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func digest(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

func placeOrderMessage(o *PlaceOrderEIP712) (apitypes.TypedDataMessage, error) {
	if o.AmountToBuy == nil || o.AmountToSell == nil || o.Nonce == nil {
		return nil, fmt.Errorf("place order: amounts and nonce are required")
	}
	return apitypes.TypedDataMessage{
		"assetToBuy":   o.AssetToBuy,
		"amountToBuy":  o.AmountToBuy.String(),
		"assetToSell":  o.AssetToSell,
		"amountToSell": o.AmountToSell.String(),
		"nonce":        o.Nonce.String(),
		"user":         o.User.Hex(),
	}, nil
}

func executeOrderMessage(x *ExecuteOrderEIP712) (apitypes.TypedDataMessage, error) {
	if x.Index == nil || x.Nonce == nil {
		return nil, fmt.Errorf("execute order: index and nonce are required")
	}
	return apitypes.TypedDataMessage{
		"index":    x.Index.String(),
		"nonce":    x.Nonce.String(),
		"executor": x.Executor.Hex(),
	}, nil
}

// HashPlaceOrder returns the EIP-712 digest of a place-order request
func (e *EIP712Signer) HashPlaceOrder(o *PlaceOrderEIP712) ([]byte, error) {
	msg, err := placeOrderMessage(o)
	if err != nil {
		return nil, err
	}
	return digest(e.typedData("PlaceOrder", placeOrderFields, msg))
}

func (e *EIP712Signer) SignPlaceOrder(signer *Signer, o *PlaceOrderEIP712) ([]byte, error) {
	hash, err := e.HashPlaceOrder(o)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverPlaceOrderSigner recovers the address that signed o
func (e *EIP712Signer) RecoverPlaceOrderSigner(o *PlaceOrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashPlaceOrder(o)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifyPlaceOrder reports whether signature was made by o.User
func (e *EIP712Signer) VerifyPlaceOrder(o *PlaceOrderEIP712, signature []byte) (bool, error) {
	recovered, err := e.RecoverPlaceOrderSigner(o, signature)
	if err != nil {
		return false, err
	}
	return recovered == o.User, nil
}

func (e *EIP712Signer) HashExecuteOrder(x *ExecuteOrderEIP712) ([]byte, error) {
	msg, err := executeOrderMessage(x)
	if err != nil {
		return nil, err
	}
	return digest(e.typedData("ExecuteOrder", executeOrderFields, msg))
}

func (e *EIP712Signer) SignExecuteOrder(signer *Signer, x *ExecuteOrderEIP712) ([]byte, error) {
	hash, err := e.HashExecuteOrder(x)
	if err != nil {
		return nil, fmt.Errorf("failed to hash execute request: %w", err)
	}
	return signer.Sign(hash)
}

func (e *EIP712Signer) VerifyExecuteOrder(x *ExecuteOrderEIP712, signature []byte) (bool, error) {
	hash, err := e.HashExecuteOrder(x)
	if err != nil {
		return false, fmt.Errorf("failed to hash execute request: %w", err)
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, err
	}
	return recovered == x.Executor, nil
}

// PlaceOrderToJSON renders the typed data wallets expect for
// eth_signTypedData_v4
func (e *EIP712Signer) PlaceOrderToJSON(o *PlaceOrderEIP712) (string, error) {
	msg, err := placeOrderMessage(o)
	if err != nil {
		return "", err
	}
	td := e.typedData("PlaceOrder", placeOrderFields, msg)
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
