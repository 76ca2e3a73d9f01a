package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/uhyunpark/condorder/pkg/api"
	"github.com/uhyunpark/condorder/pkg/crypto"
)

// sign-order prints a signed request body for the condorder API.
//
//	sign-order -buy 0xA -buy-amount 10 -sell 0xB -sell-amount 5 -nonce 1
//	sign-order -execute 0 -nonce 2 -key <hex>
func main() {
	var (
		keyHex     = flag.String("key", "", "hex private key (generated when empty)")
		buyAsset   = flag.String("buy", "0x00000000000000000000000000000000000000aa", "asset to buy")
		buyAmount  = flag.String("buy-amount", "10", "amount to buy (base units)")
		sellAsset  = flag.String("sell", "0x00000000000000000000000000000000000000bb", "asset to sell")
		sellAmount = flag.String("sell-amount", "5", "amount to sell (base units)")
		nonce      = flag.Uint64("nonce", 1, "replay-protection nonce")
		execute    = flag.Int64("execute", -1, "sign an execute request for this order index instead")
		showTyped  = flag.Bool("typed", false, "also print the eth_signTypedData_v4 payload")
	)
	flag.Parse()

	// Step 1: Generate or load key
	signer, err := loadSigner(*keyHex)
	if err != nil {
		fail("key", err)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}

	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain())

	// Step 2: Sign either an execute or a place request
	var body any
	if *execute >= 0 {
		body, err = signExecute(eip712, signer, uint64(*execute), *nonce)
	} else {
		body, err = signPlace(eip712, signer, *buyAsset, *buyAmount, *sellAsset, *sellAmount, *nonce, *showTyped)
	}
	if err != nil {
		fail("sign", err)
	}

	// Step 3: Print the JSON body
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	fmt.Println(string(out))
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

func signPlace(eip712 *crypto.EIP712Signer, signer *crypto.Signer, buy, buyAmt, sell, sellAmt string, nonce uint64, showTyped bool) (api.PlaceOrderRequest, error) {
	amountToBuy, ok := new(big.Int).SetString(buyAmt, 10)
	if !ok {
		return api.PlaceOrderRequest{}, fmt.Errorf("invalid buy amount %q", buyAmt)
	}
	amountToSell, ok := new(big.Int).SetString(sellAmt, 10)
	if !ok {
		return api.PlaceOrderRequest{}, fmt.Errorf("invalid sell amount %q", sellAmt)
	}

	po := &crypto.PlaceOrderEIP712{
		AssetToBuy:   buy,
		AmountToBuy:  amountToBuy,
		AssetToSell:  sell,
		AmountToSell: amountToSell,
		Nonce:        new(big.Int).SetUint64(nonce),
		User:         signer.Address(),
	}
	sig, err := eip712.SignPlaceOrder(signer, po)
	if err != nil {
		return api.PlaceOrderRequest{}, err
	}

	// Verify before printing
	if ok, err := eip712.VerifyPlaceOrder(po, sig); err != nil || !ok {
		return api.PlaceOrderRequest{}, fmt.Errorf("signature does not verify: %v", err)
	}

	if showTyped {
		typed, err := eip712.PlaceOrderToJSON(po)
		if err != nil {
			return api.PlaceOrderRequest{}, err
		}
		fmt.Fprintln(os.Stderr, typed)
	}

	fmt.Fprintln(os.Stderr, "POST http://localhost:8080/api/v1/orders")
	return api.PlaceOrderRequest{
		AssetToBuy:   buy,
		AmountToBuy:  amountToBuy.String(),
		AssetToSell:  sell,
		AmountToSell: amountToSell.String(),
		Nonce:        nonce,
		User:         signer.Address().Hex(),
		Signature:    fmt.Sprintf("0x%x", sig),
	}, nil
}

func signExecute(eip712 *crypto.EIP712Signer, signer *crypto.Signer, index, nonce uint64) (api.ExecuteOrderRequest, error) {
	x := &crypto.ExecuteOrderEIP712{
		Index:    new(big.Int).SetUint64(index),
		Nonce:    new(big.Int).SetUint64(nonce),
		Executor: signer.Address(),
	}
	sig, err := eip712.SignExecuteOrder(signer, x)
	if err != nil {
		return api.ExecuteOrderRequest{}, err
	}
	fmt.Fprintf(os.Stderr, "POST http://localhost:8080/api/v1/orders/%d/execute\n", index)
	return api.ExecuteOrderRequest{
		Executor:  signer.Address().Hex(),
		Nonce:     nonce,
		Signature: fmt.Sprintf("0x%x", sig),
	}, nil
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}
