package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/engine"
	"github.com/uhyunpark/condorder/pkg/ledger"
	"github.com/uhyunpark/condorder/pkg/order"
	"github.com/uhyunpark/condorder/pkg/vrf"
)

var engineAddr = common.HexToAddress("0xE000000000000000000000000000000000000001")

type testNode struct {
	server *Server
	http   *httptest.Server
	token  *ledger.Token
	coord  *vrf.Coordinator
	eip712 *crypto.EIP712Signer
	user   *crypto.Signer
}

func newTestNode(t *testing.T, fee *big.Int, mock bool) *testNode {
	t.Helper()
	tok := ledger.NewToken("LINK")
	coord, err := vrf.NewCoordinator(vrf.Config{
		Address: common.HexToAddress("0xC000000000000000000000000000000000000001"),
		KeyHash: common.HexToHash("0x01"),
		Fee:     fee,
		Ledger:  tok,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	eng, err := engine.New(engine.Config{
		Address: engineAddr,
		Store:   order.NewMemStore(),
		Gateway: coord,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	coord.Register(engineAddr, eng)

	e712 := crypto.NewEIP712Signer(crypto.DefaultDomain())
	s := NewServer(eng, coord, tok, e712, Options{EnableMockCallback: mock}, nil)
	eng.OnEvent = s.BroadcastEvent
	go s.hub.Run()

	user, _ := crypto.GenerateKey()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.hub.Stop()
	})
	return &testNode{server: s, http: ts, token: tok, coord: coord, eip712: e712, user: user}
}

func (n *testNode) placeBody(t *testing.T, nonce uint64, buy, sell int64) PlaceOrderRequest {
	t.Helper()
	typed := &crypto.PlaceOrderEIP712{
		AssetToBuy:   "A",
		AmountToBuy:  big.NewInt(buy),
		AssetToSell:  "B",
		AmountToSell: big.NewInt(sell),
		Nonce:        new(big.Int).SetUint64(nonce),
		User:         n.user.Address(),
	}
	sig, err := n.eip712.SignPlaceOrder(n.user, typed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return PlaceOrderRequest{
		AssetToBuy:   "A",
		AmountToBuy:  fmt.Sprint(buy),
		AssetToSell:  "B",
		AmountToSell: fmt.Sprint(sell),
		Nonce:        nonce,
		User:         n.user.Address().Hex(),
		Signature:    hexutil.Encode(sig),
	}
}

func (n *testNode) executeBody(t *testing.T, index, nonce uint64) ExecuteOrderRequest {
	t.Helper()
	sig, err := n.eip712.SignExecuteOrder(n.user, &crypto.ExecuteOrderEIP712{
		Index:    new(big.Int).SetUint64(index),
		Nonce:    new(big.Int).SetUint64(nonce),
		Executor: n.user.Address(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ExecuteOrderRequest{
		Executor:  n.user.Address().Hex(),
		Nonce:     nonce,
		Signature: hexutil.Encode(sig),
	}
}

func (n *testNode) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, n.http.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHTTPOrderLifecycle(t *testing.T) {
	n := newTestNode(t, nil, true)

	var placed PlaceOrderResponse
	if code := n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 1, 10, 5), &placed); code != http.StatusOK {
		t.Fatalf("place status = %d", code)
	}
	if placed.Index != 0 || placed.Status != "pending" {
		t.Fatalf("unexpected placement: %+v", placed)
	}

	var count OrderCountResponse
	n.do(t, "GET", "/api/v1/orders/count", nil, &count)
	if count.Count != 1 {
		t.Fatalf("count = %d, want 1", count.Count)
	}

	var delivered OrderInfo
	code := n.do(t, "POST", "/api/v1/vrf/callback", CallbackRequest{RequestID: placed.RequestID, Randomness: "12345"}, &delivered)
	if code != http.StatusOK {
		t.Fatalf("callback status = %d", code)
	}
	if delivered.Status != "condition_ready" || delivered.RandomCondition != "12345" {
		t.Fatalf("after callback: %+v", delivered)
	}

	var executed ExecuteOrderResponse
	if code := n.do(t, "POST", "/api/v1/orders/0/execute", n.executeBody(t, 0, 1), &executed); code != http.StatusOK {
		t.Fatalf("execute status = %d", code)
	}
	if executed.Status != "executed" {
		t.Fatalf("execute result = %s", executed.Status)
	}

	var info OrderInfo
	n.do(t, "GET", "/api/v1/orders/0", nil, &info)
	if info.Status != "executed" || info.StatusCode != int(order.Executed) || info.AmountToBuy != "10" {
		t.Fatalf("order view: %+v", info)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	n := newTestNode(t, nil, true)

	var placed PlaceOrderResponse
	n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 1, 10, 5), &placed)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"replayed nonce", "POST", "/api/v1/orders", n.placeBody(t, 1, 10, 5), http.StatusConflict},
		{"zero amount", "POST", "/api/v1/orders", n.placeBody(t, 2, 0, 5), http.StatusBadRequest},
		{"execute before randomness", "POST", "/api/v1/orders/0/execute", n.executeBody(t, 0, 1), http.StatusConflict},
		{"execute unknown order", "POST", "/api/v1/orders/5/execute", n.executeBody(t, 5, 2), http.StatusNotFound},
		{"get unknown order", "GET", "/api/v1/orders/5", nil, http.StatusNotFound},
		{"unknown request", "POST", "/api/v1/vrf/callback", CallbackRequest{RequestID: common.HexToHash("0xabc").Hex(), Randomness: "1"}, http.StatusNotFound},
		{"wrong consumer", "POST", "/api/v1/vrf/callback", CallbackRequest{RequestID: placed.RequestID, Randomness: "1", Consumer: "0x0000000000000000000000000000000000000001"}, http.StatusConflict},
		{"bad randomness", "POST", "/api/v1/vrf/callback", CallbackRequest{RequestID: placed.RequestID, Randomness: "abc"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := n.do(t, tt.method, tt.path, tt.body, nil); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestHTTPRejectsForgedSignature(t *testing.T) {
	n := newTestNode(t, nil, false)

	body := n.placeBody(t, 1, 10, 5)
	body.AmountToBuy = "11"
	if code := n.do(t, "POST", "/api/v1/orders", body, nil); code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}

	other, _ := crypto.GenerateKey()
	body = n.placeBody(t, 2, 10, 5)
	body.User = other.Address().Hex()
	if code := n.do(t, "POST", "/api/v1/orders", body, nil); code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestHTTPRejectedPlacementKeepsNonce(t *testing.T) {
	n := newTestNode(t, nil, false)

	if code := n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 7, 0, 5), nil); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if code := n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 7, 10, 5), nil); code != http.StatusOK {
		t.Fatalf("retry with same nonce: status = %d", code)
	}
}

func TestHTTPUnderfundedEngine(t *testing.T) {
	fee, _ := ledger.ParseUnits("0.1")
	n := newTestNode(t, fee, true)

	if code := n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 1, 10, 5), nil); code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", code)
	}

	var bal BalanceResponse
	if code := n.do(t, "POST", "/api/v1/token/fund", FundRequest{Address: engineAddr.Hex(), Amount: "1"}, &bal); code != http.StatusOK {
		t.Fatalf("fund status = %d", code)
	}
	if bal.Balance != "1" {
		t.Fatalf("balance = %s, want 1", bal.Balance)
	}

	if code := n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 2, 10, 5), nil); code != http.StatusOK {
		t.Fatalf("funded place: status = %d", code)
	}
	n.do(t, "GET", "/api/v1/token/balance/"+engineAddr.Hex(), nil, &bal)
	if bal.Balance != "0.9" {
		t.Fatalf("balance after fee = %s, want 0.9", bal.Balance)
	}
}

func TestMockRoutesDisabled(t *testing.T) {
	n := newTestNode(t, nil, false)

	if code := n.do(t, "POST", "/api/v1/vrf/callback", CallbackRequest{}, nil); code != http.StatusNotFound {
		t.Fatalf("callback status = %d, want 404", code)
	}
	if code := n.do(t, "POST", "/api/v1/token/fund", FundRequest{}, nil); code != http.StatusNotFound {
		t.Fatalf("fund status = %d, want 404", code)
	}
}

func TestListOrders(t *testing.T) {
	n := newTestNode(t, nil, false)
	for i := uint64(1); i <= 3; i++ {
		n.do(t, "POST", "/api/v1/orders", n.placeBody(t, i, 10, 5), nil)
	}

	var page OrderListResponse
	if code := n.do(t, "GET", "/api/v1/orders?offset=1&limit=5", nil, &page); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if page.Total != 3 || len(page.Orders) != 2 || page.Orders[0].Index != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if code := n.do(t, "GET", "/api/v1/orders?limit=x", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	n := newTestNode(t, nil, false)

	resp, err := http.Get(n.http.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}

	req, _ := http.NewRequest("GET", n.http.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc" {
		t.Fatalf("X-Request-ID = %q, want abc", got)
	}
}

func TestWebSocketOrderEvents(t *testing.T) {
	n := newTestNode(t, nil, false)

	wsURL := "ws" + strings.TrimPrefix(n.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"orders"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil || ack["type"] != "subscribed" {
		t.Fatalf("ack = %v err = %v", ack, err)
	}

	n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 1, 10, 5), nil)

	var ev OrderEventMessage
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Event != string(engine.EventOrderPlaced) || ev.Index != 0 || ev.Status != "pending" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{order.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("place order: %w", order.ErrInvalidAsset), http.StatusBadRequest},
		{ledger.ErrInsufficientBalance, http.StatusPaymentRequired},
		{order.ErrIndexOutOfRange, http.StatusNotFound},
		{vrf.ErrUnknownRequest, http.StatusNotFound},
		{order.ErrNotReady, http.StatusConflict},
		{order.ErrAlreadyExecuted, http.StatusConflict},
		{order.ErrOrderFailed, http.StatusConflict},
		{vrf.ErrAlreadyFulfilled, http.StatusConflict},
		{vrf.ErrInvalidProof, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseUint256(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10", "10", false},
		{"0x0a", "10", false},
		{"010", "10", false},
		{"-1", "", true},
		{"", "", true},
		{"0x1" + strings.Repeat("0", 64), "", true},
	}
	for _, tt := range tests {
		got, err := parseUint256(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseUint256(%q) err = %v", tt.in, err)
			continue
		}
		if err == nil && got.String() != tt.want {
			t.Errorf("parseUint256(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestHTTPForgedProofKeepsOrderPending(t *testing.T) {
	n := newTestNode(t, nil, false)

	var placed PlaceOrderResponse
	if code := n.do(t, "POST", "/api/v1/orders", n.placeBody(t, 1, 10, 5), &placed); code != http.StatusOK {
		t.Fatalf("place status = %d", code)
	}

	code := n.do(t, "POST", "/api/v1/vrf/fulfill", FulfillRequest{RequestID: placed.RequestID, Proof: "0xdead"}, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("forged fulfill status = %d, want 400", code)
	}

	var info OrderInfo
	n.do(t, "GET", "/api/v1/orders/0", nil, &info)
	if info.Status != "pending" {
		t.Fatalf("order status = %s after forged proof", info.Status)
	}
	if code := n.do(t, "GET", "/api/v1/vrf/requests/"+placed.RequestID, nil, nil); code != http.StatusOK {
		t.Fatalf("request lookup status = %d, want still pending", code)
	}
}
