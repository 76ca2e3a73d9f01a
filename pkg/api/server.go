package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/engine"
	"github.com/uhyunpark/condorder/pkg/ledger"
	"github.com/uhyunpark/condorder/pkg/order"
	"github.com/uhyunpark/condorder/pkg/vrf"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	ordersChannel   = "orders"
)

var (
	errNonceUsed        = errors.New("nonce already used")
	errBadSignature     = errors.New("signature does not match signer")
	errAmountOutOfRange = errors.New("amount exceeds uint256")
	maxUint256          = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

type Options struct {
	// EnableMockCallback exposes the unauthenticated randomness callback and
	// token faucet. Development only.
	EnableMockCallback bool
	AllowedOrigins     []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine *engine.Engine
	coord  *vrf.Coordinator
	token  *ledger.Token
	eip712 *crypto.EIP712Signer
	opts   Options
	log    *zap.SugaredLogger

	router *mux.Router
	hub    *Hub
	nonces *nonceTracker
	http   *http.Server
}

func NewServer(eng *engine.Engine, coord *vrf.Coordinator, token *ledger.Token, eip712 *crypto.EIP712Signer, opts Options, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if eip712 == nil {
		eip712 = crypto.NewEIP712Signer(crypto.DefaultDomain())
	}
	s := &Server{
		engine: eng,
		coord:  coord,
		token:  token,
		eip712: eip712,
		opts:   opts,
		log:    logger,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		nonces: newNonceTracker(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/count", s.handleOrderCount).Methods("GET")
	api.HandleFunc("/orders/{index:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{index:[0-9]+}/execute", s.handleExecuteOrder).Methods("POST")

	// Randomness provider endpoints
	api.HandleFunc("/vrf/fulfill", s.handleFulfill).Methods("POST")
	api.HandleFunc("/vrf/requests/{id}", s.handleGetRequest).Methods("GET")

	// Fee token
	api.HandleFunc("/token/balance/{address}", s.handleGetBalance).Methods("GET")

	if s.opts.EnableMockCallback {
		api.HandleFunc("/vrf/callback", s.handleCallback).Methods("POST")
		api.HandleFunc("/token/fund", s.handleFund).Methods("POST")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the WebSocket hub and serves HTTP until Shutdown
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_starting", "addr", addr, "mock_callback", s.opts.EnableMockCallback)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// BroadcastEvent pushes an engine event to WebSocket subscribers of
// "orders" and "orders:<user>"
func (s *Server) BroadcastEvent(ev engine.Event) {
	msg := OrderEventMessage{
		Type:      "order_event",
		Event:     string(ev.Type),
		Index:     ev.Index,
		User:      ev.User.Hex(),
		Status:    ev.Status.String(),
		Reason:    ev.Reason,
		Timestamp: ev.Timestamp,
	}
	if ev.RequestID != (common.Hash{}) {
		msg.RequestID = ev.RequestID.Hex()
	}
	if ev.Outcome != nil {
		msg.Outcome = ev.Outcome.String()
	}
	s.hub.BroadcastToChannel(ordersChannel, msg)
	s.hub.BroadcastToChannel(ordersChannel+":"+strings.ToLower(ev.User.Hex()), msg)
}

// ==============================
// Middleware
// ==============================

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("http_request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"dur_ms", time.Since(start).Milliseconds())
	})
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.User) {
		respondError(w, http.StatusBadRequest, "invalid user address", req.User)
		return
	}
	buy, err := parseUint256(req.AmountToBuy)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amountToBuy", err.Error())
		return
	}
	sell, err := parseUint256(req.AmountToSell)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amountToSell", err.Error())
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}

	user := common.HexToAddress(req.User)
	typed := &crypto.PlaceOrderEIP712{
		AssetToBuy:   req.AssetToBuy,
		AmountToBuy:  buy,
		AssetToSell:  req.AssetToSell,
		AmountToSell: sell,
		Nonce:        new(big.Int).SetUint64(req.Nonce),
		User:         user,
	}
	ok, err := s.eip712.VerifyPlaceOrder(typed, sig)
	if err != nil || !ok {
		respondError(w, http.StatusUnauthorized, "invalid signature", errBadSignature.Error())
		return
	}

	if !s.nonces.reserve("place", user, req.Nonce) {
		respondError(w, http.StatusConflict, "replayed request", errNonceUsed.Error())
		return
	}

	rcpt, err := s.engine.PlaceOrder(r.Context(), user, engine.PlaceOrderRequest{
		AssetToBuy:   req.AssetToBuy,
		AmountToBuy:  buy,
		AssetToSell:  req.AssetToSell,
		AmountToSell: sell,
	})
	if err != nil {
		// rejected placements change nothing, so the nonce stays usable
		s.nonces.release("place", user, req.Nonce)
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, PlaceOrderResponse{
		Index:     rcpt.Index,
		RequestID: rcpt.RequestID.Hex(),
		Status:    order.Pending.String(),
	})
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err.Error())
		return
	}

	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Executor) {
		respondError(w, http.StatusBadRequest, "invalid executor address", req.Executor)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}

	executor := common.HexToAddress(req.Executor)
	ok, err := s.eip712.VerifyExecuteOrder(&crypto.ExecuteOrderEIP712{
		Index:    new(big.Int).SetUint64(index),
		Nonce:    new(big.Int).SetUint64(req.Nonce),
		Executor: executor,
	}, sig)
	if err != nil || !ok {
		respondError(w, http.StatusUnauthorized, "invalid signature", errBadSignature.Error())
		return
	}
	if !s.nonces.reserve("execute", executor, req.Nonce) {
		respondError(w, http.StatusConflict, "replayed request", errNonceUsed.Error())
		return
	}

	status, err := s.engine.ExecuteOrder(r.Context(), executor, index)
	if err != nil {
		s.nonces.release("execute", executor, req.Nonce)
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, ExecuteOrderResponse{Index: index, Status: status.String()})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err.Error())
		return
	}
	o, err := s.engine.Order(index)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	offset, err := queryUint(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset", err.Error())
		return
	}
	limit, err := queryUint(r, "limit", defaultPageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	orders, err := s.engine.Orders(offset, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	resp := OrderListResponse{
		Orders: make([]OrderInfo, len(orders)),
		Offset: offset,
		Total:  s.engine.OrderCount(),
	}
	for i, o := range orders {
		resp.Orders[i] = toOrderInfo(o)
	}
	respondJSON(w, resp)
}

func (s *Server) handleOrderCount(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, OrderCountResponse{Count: s.engine.OrderCount()})
}

// ==============================
// Randomness Handlers
// ==============================

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	id, err := parseHash(req.RequestID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid requestId", err.Error())
		return
	}
	randomness, err := parseUint256(req.Randomness)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid randomness", err.Error())
		return
	}
	target := s.engine.Address()
	if req.Consumer != "" {
		if !common.IsHexAddress(req.Consumer) {
			respondError(w, http.StatusBadRequest, "invalid consumer address", req.Consumer)
			return
		}
		target = common.HexToAddress(req.Consumer)
	}

	pending, _ := s.coord.Pending(id)
	if err := s.coord.CallBackWithRandomness(r.Context(), id, randomness, target); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondDelivered(w, pending)
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	var req FulfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	id, err := parseHash(req.RequestID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid requestId", err.Error())
		return
	}
	proof, err := hexutil.Decode(req.Proof)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proof encoding", err.Error())
		return
	}
	pending, _ := s.coord.Pending(id)
	if err := s.coord.FulfillWithProof(r.Context(), id, proof); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondDelivered(w, pending)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid requestId", err.Error())
		return
	}
	req, ok := s.coord.Pending(id)
	if !ok {
		respondError(w, http.StatusNotFound, "request not pending", id.Hex())
		return
	}
	respondJSON(w, RandomnessRequestInfo{
		RequestID:  req.ID.Hex(),
		Consumer:   req.Consumer.Hex(),
		OrderIndex: req.OrderIndex,
		Seed:       req.Seed.Hex(),
		Nonce:      req.Nonce,
		Fee:        ledger.FormatUnits(req.Fee),
		CreatedAt:  req.CreatedAt,
	})
}

// respondDelivered answers a delivery with the order it resolved
func (s *Server) respondDelivered(w http.ResponseWriter, req vrf.Request) {
	o, err := s.engine.Order(req.OrderIndex)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

// ==============================
// Token Handlers
// ==============================

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}
	amount, err := ledger.ParseUnits(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	addr := common.HexToAddress(req.Address)
	if err := s.token.Mint(addr, amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.log.Infow("token_funded", "address", addr.Hex(), "amount", ledger.FormatUnits(amount))
	respondJSON(w, s.balance(addr))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return
	}
	respondJSON(w, s.balance(common.HexToAddress(raw)))
}

func (s *Server) balance(addr common.Address) BalanceResponse {
	bal := s.token.BalanceOf(addr)
	return BalanceResponse{
		Address: addr.Hex(),
		Symbol:  s.token.Symbol,
		Balance: ledger.FormatUnits(bal),
		Raw:     bal.String(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:          "ok",
		Orders:          s.engine.OrderCount(),
		PendingRequests: s.coord.PendingCount(),
		Policy:          s.engine.PolicyName(),
	})
}

// ==============================
// Helper Functions
// ==============================

func toOrderInfo(o order.Order) OrderInfo {
	return OrderInfo{
		Index:           o.Index,
		User:            o.User.Hex(),
		AssetToBuy:      o.AssetToBuy,
		AmountToBuy:     o.AmountToBuy.String(),
		AssetToSell:     o.AssetToSell,
		AmountToSell:    o.AmountToSell.String(),
		RandomCondition: o.RandomCondition.String(),
		Status:          o.Status.String(),
		StatusCode:      int(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrInvalidAmount),
		errors.Is(err, order.ErrInvalidAsset),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, vrf.ErrInvalidProof):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, order.ErrIndexOutOfRange),
		errors.Is(err, vrf.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, order.ErrNotReady),
		errors.Is(err, order.ErrAlreadyExecuted),
		errors.Is(err, order.ErrOrderFailed),
		errors.Is(err, vrf.ErrAlreadyFulfilled),
		errors.Is(err, vrf.ErrConsumerMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
		respondError(w, status, "internal error", err.Error())
		return
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// parseUint256 accepts a decimal or 0x-prefixed hex integer
func parseUint256(s string) (*big.Int, error) {
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("%w: %q", order.ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative value", order.ErrInvalidAmount)
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, errAmountOutOfRange
	}
	return v, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

// nonceTracker remembers (scope, signer, nonce) triples that were accepted
type nonceTracker struct {
	mu   sync.Mutex
	used map[string]map[common.Address]map[uint64]struct{}
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{used: make(map[string]map[common.Address]map[uint64]struct{})}
}

func (n *nonceTracker) reserve(scope string, addr common.Address, nonce uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	byAddr, ok := n.used[scope]
	if !ok {
		byAddr = make(map[common.Address]map[uint64]struct{})
		n.used[scope] = byAddr
	}
	set, ok := byAddr[addr]
	if !ok {
		set = make(map[uint64]struct{})
		byAddr[addr] = set
	}
	if _, dup := set[nonce]; dup {
		return false
	}
	set[nonce] = struct{}{}
	return true
}

func (n *nonceTracker) release(scope string, addr common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.used[scope][addr], nonce)
}
