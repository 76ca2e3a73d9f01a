package api

// API request/response types for REST endpoints and WebSocket messages.
// Integer amounts are uint256 values carried as decimal strings.

// ==============================
// REST Response Types
// ==============================

// OrderInfo is the public view of an order
type OrderInfo struct {
	Index           uint64 `json:"index"`
	User            string `json:"user"`
	AssetToBuy      string `json:"assetToBuy"`
	AmountToBuy     string `json:"amountToBuy"`
	AssetToSell     string `json:"assetToSell"`
	AmountToSell    string `json:"amountToSell"`
	RandomCondition string `json:"randomCondition"` // request id while pending, outcome afterwards
	Status          string `json:"status"`          // "pending", "condition_ready", "executed", "failed"
	StatusCode      int    `json:"statusCode"`
	CreatedAt       int64  `json:"createdAt"` // Unix milliseconds
	UpdatedAt       int64  `json:"updatedAt"`
}

// OrderListResponse is a page of orders
type OrderListResponse struct {
	Orders []OrderInfo `json:"orders"`
	Offset uint64      `json:"offset"`
	Total  uint64      `json:"total"`
}

type OrderCountResponse struct {
	Count uint64 `json:"count"`
}

// PlaceOrderResponse is returned once the order is stored as pending
type PlaceOrderResponse struct {
	Index     uint64 `json:"index"`
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

type ExecuteOrderResponse struct {
	Index  uint64 `json:"index"`
	Status string `json:"status"` // "executed" or "failed"
}

// RandomnessRequestInfo describes an outstanding randomness request
type RandomnessRequestInfo struct {
	RequestID  string `json:"requestId"`
	Consumer   string `json:"consumer"`
	OrderIndex uint64 `json:"orderIndex"`
	Seed       string `json:"seed"`
	Nonce      uint64 `json:"nonce"`
	Fee        string `json:"fee"`
	CreatedAt  int64  `json:"createdAt"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"` // token units, e.g. "1.5"
	Raw     string `json:"raw"`     // base units
}

type HealthResponse struct {
	Status          string `json:"status"`
	Orders          uint64 `json:"orders"`
	PendingRequests int    `json:"pendingRequests"`
	Policy          string `json:"policy"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// PlaceOrderRequest is the payload for POST /api/v1/orders.
// Signature is an EIP-712 signature over the PlaceOrder struct by User.
type PlaceOrderRequest struct {
	AssetToBuy   string `json:"assetToBuy"`
	AmountToBuy  string `json:"amountToBuy"`
	AssetToSell  string `json:"assetToSell"`
	AmountToSell string `json:"amountToSell"`
	Nonce        uint64 `json:"nonce"`
	User         string `json:"user"`
	Signature    string `json:"signature"`
}

// ExecuteOrderRequest is the payload for POST /api/v1/orders/{index}/execute
type ExecuteOrderRequest struct {
	Executor  string `json:"executor"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// CallbackRequest is the payload for POST /api/v1/vrf/callback
type CallbackRequest struct {
	RequestID  string `json:"requestId"`
	Randomness string `json:"randomness"`
	Consumer   string `json:"consumer,omitempty"` // defaults to the engine address
}

// FulfillRequest is the payload for POST /api/v1/vrf/fulfill
type FulfillRequest struct {
	RequestID string `json:"requestId"`
	Proof     string `json:"proof"` // 0x-prefixed BLS signature over the request seed
}

// FundRequest is the payload for POST /api/v1/token/fund
type FundRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"` // token units, e.g. "10" or "0.5"
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orders", "orders:0xabc..."]
}

// OrderEventMessage is broadcast on every order transition
type OrderEventMessage struct {
	Type      string `json:"type"`  // "order_event"
	Event     string `json:"event"` // "order_placed", "condition_recorded", "order_executed", "order_failed"
	Index     uint64 `json:"index"`
	User      string `json:"user"`
	RequestID string `json:"requestId,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
