package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/params"
	"github.com/uhyunpark/condorder/pkg/api"
	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/engine"
	"github.com/uhyunpark/condorder/pkg/ledger"
	"github.com/uhyunpark/condorder/pkg/order"
	"github.com/uhyunpark/condorder/pkg/p2p"
	"github.com/uhyunpark/condorder/pkg/storage"
	"github.com/uhyunpark/condorder/pkg/util"
	"github.com/uhyunpark/condorder/pkg/vrf"
)

const feeSymbol = "LINK"

func main() {
	// Load config from CONFIG_FILE, .env and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Node.Role {
	case "oracle":
		runOracle(ctx, cfg, sugar)
	default:
		runNode(ctx, cfg, sugar)
	}
}

// runNode hosts the order engine, its randomness coordinator and the API
func runNode(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) {
	// ---- Storage ----
	store, token, closeStore := openStore(cfg, sugar)
	defer closeStore()

	// ---- Keys ----
	engineAddr := engineAddress(cfg, sugar)
	keyHash := common.HexToHash(cfg.Oracle.KeyHash)

	var prover *vrf.Prover
	var oraclePK *crypto.BLSPubKey
	if cfg.Oracle.Mode != "remote" {
		prover = newProver(cfg, sugar)
	}
	if cfg.Oracle.PubKey != "" {
		pk, err := crypto.ParseBLSPubKey(cfg.Oracle.PubKey)
		if err != nil {
			sugar.Fatalw("oracle_pubkey_invalid", "err", err)
		}
		oraclePK = pk
	}

	// ---- Randomness gateway ----
	coord, err := vrf.NewCoordinator(vrf.Config{
		Address:      coordinatorAddress(keyHash),
		KeyHash:      keyHash,
		Fee:          cfg.FeeUnits(),
		Ledger:       token,
		Prover:       prover,
		OraclePubKey: oraclePK,
		AutoFulfill:  cfg.Oracle.Mode == "local",
		FulfillDelay: cfg.Oracle.FulfillDelay,
		QueueSize:    cfg.Oracle.QueueSize,
		Logger:       sugar.Named("vrf"),
	})
	if err != nil {
		sugar.Fatalw("coordinator_init_failed", "err", err)
	}

	// ---- Engine ----
	policy, err := engine.ParsePolicy(cfg.Engine.Policy)
	if err != nil {
		sugar.Fatalw("policy_invalid", "err", err)
	}
	eng, err := engine.New(engine.Config{
		Address: engineAddr,
		Store:   store,
		Gateway: coord,
		Policy:  policy,
		Logger:  sugar.Named("engine"),
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	coord.Register(engineAddr, eng)

	if funding := cfg.FundingUnits(); funding.Sign() > 0 {
		if err := token.Mint(engineAddr, funding); err != nil {
			sugar.Fatalw("engine_funding_failed", "err", err)
		}
		sugar.Infow("engine_funded", "amount", cfg.Engine.Funding, "balance", ledger.FormatUnits(token.BalanceOf(engineAddr)))
	}

	// ---- Event journal ----
	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Store.JournalPath != "" {
		fj, err := storage.NewFileJournal(cfg.Store.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Store.JournalPath, "err", err)
		}
		defer fj.Close()
		journal = fj
	}

	// ---- API Server ----
	apiServer := api.NewServer(eng, coord, token, crypto.NewEIP712Signer(crypto.DefaultDomain()), api.Options{
		EnableMockCallback: cfg.API.EnableMockCallback,
		AllowedOrigins:     cfg.API.AllowedOrigins,
	}, sugar.Named("api"))

	eng.OnEvent = func(ev engine.Event) {
		apiServer.BroadcastEvent(ev)
		if err := journal.Append(ev); err != nil {
			sugar.Warnw("journal_append_failed", "index", ev.Index, "event", ev.Type, "err", err)
		}
	}

	// ---- Oracle transport ----
	if cfg.Oracle.Mode == "remote" {
		lpn := startRemoteOracle(ctx, cfg, coord, sugar)
		defer lpn.Close()
	}

	if cfg.Oracle.Mode == "local" {
		go func() {
			if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
				sugar.Errorw("auto_fulfill_stopped", "err", err)
			}
		}()
	}

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_starting",
		"engine", engineAddr.Hex(),
		"coordinator", coord.Address().Hex(),
		"store", cfg.Store.Backend,
		"oracle_mode", cfg.Oracle.Mode,
		"policy", eng.PolicyName(),
		"fee", cfg.Oracle.Fee,
		"orders", eng.OrderCount())

	<-ctx.Done()
	sugar.Info("shutdown_requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
}

// startRemoteOracle announces requests to oracle peers and feeds their
// proofs back into the coordinator
func startRemoteOracle(ctx context.Context, cfg params.Config, coord *vrf.Coordinator, sugar *zap.SugaredLogger) *p2p.Libp2pNet {
	lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.P2P.Listen,
		Bootstrap:  cfg.P2P.Bootstrap,
		Logger:     sugar.Named("p2p"),
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}

	lpn.SetHandlers(p2p.Handlers{
		OnFulfillment: func(ctx context.Context, f vrf.Fulfillment) {
			if _, ok := coord.Pending(f.RequestID); !ok {
				return
			}
			if err := coord.FulfillWithProof(ctx, f.RequestID, f.Proof); err != nil {
				sugar.Warnw("remote_fulfillment_rejected", "request_id", f.RequestID.Hex(), "err", err)
			}
		},
	})

	// OnRequest runs under the engine lock; the announcer publishes off it
	announcer := p2p.NewAnnouncer(lpn, cfg.Oracle.QueueSize, 2*time.Second, sugar.Named("announce"))
	go announcer.Run(ctx)
	coord.OnRequest = announcer.Announce

	for _, addr := range lpn.Addrs() {
		sugar.Infow("p2p_listening", "addr", addr)
	}
	return lpn
}

// runOracle answers gossiped randomness requests with BLS proofs
func runOracle(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) {
	prover := newProver(cfg, sugar)

	lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.P2P.Listen,
		Bootstrap:  cfg.P2P.Bootstrap,
		Logger:     sugar.Named("p2p"),
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer lpn.Close()

	responder, err := p2p.NewResponder(prover, common.HexToHash(cfg.Oracle.KeyHash), lpn, sugar.Named("oracle"))
	if err != nil {
		sugar.Fatalw("oracle_init_failed", "err", err)
	}
	lpn.SetHandlers(p2p.Handlers{OnRequest: responder.HandleRequest})

	for _, addr := range lpn.Addrs() {
		sugar.Infow("p2p_listening", "addr", addr)
	}
	<-ctx.Done()
	sugar.Infow("oracle_stopped", "answered", responder.Answered())
}

// openStore returns the order store and fee ledger for the configured backend
func openStore(cfg params.Config, sugar *zap.SugaredLogger) (order.Store, *ledger.Token, func()) {
	switch cfg.Store.Backend {
	case "pebble":
		ps, err := storage.NewPebbleStore(cfg.Store.Path)
		if err != nil {
			sugar.Fatalw("pebble_open_failed", "path", cfg.Store.Path, "err", err)
		}
		token, err := ledger.NewPersistentToken(feeSymbol, ps)
		if err != nil {
			sugar.Fatalw("balances_load_failed", "err", err)
		}
		sugar.Infow("store_opened", "backend", "pebble", "path", cfg.Store.Path, "orders", ps.Count())
		return ps, token, func() { ps.Close() }

	case "sqlite":
		path := cfg.Store.Path
		if filepath.Ext(path) == "" {
			path += ".db"
		}
		ss, err := storage.NewSQLiteStore(path)
		if err != nil {
			sugar.Fatalw("sqlite_open_failed", "path", path, "err", err)
		}
		token, err := ledger.NewPersistentToken(feeSymbol, ss)
		if err != nil {
			sugar.Fatalw("balances_load_failed", "err", err)
		}
		sugar.Infow("store_opened", "backend", "sqlite", "path", path, "orders", ss.Count())
		return ss, token, func() { ss.Close() }

	default:
		return order.NewMemStore(), ledger.NewToken(feeSymbol), func() {}
	}
}

func engineAddress(cfg params.Config, sugar *zap.SugaredLogger) common.Address {
	if cfg.Engine.PrivateKey == "" {
		signer, err := crypto.GenerateKey()
		if err != nil {
			sugar.Fatalw("engine_key_failed", "err", err)
		}
		sugar.Warnw("engine_key_generated", "address", signer.Address().Hex())
		return signer.Address()
	}
	signer, err := crypto.FromPrivateKeyHex(cfg.Engine.PrivateKey)
	if err != nil {
		sugar.Fatalw("engine_key_invalid", "err", err)
	}
	return signer.Address()
}

func newProver(cfg params.Config, sugar *zap.SugaredLogger) *vrf.Prover {
	seed := []byte(cfg.Oracle.Seed)
	if strings.HasPrefix(cfg.Oracle.Seed, "0x") {
		seed = common.FromHex(cfg.Oracle.Seed)
	}
	signer, err := crypto.NewBLSSignerFromSeed(seed)
	if err != nil {
		sugar.Fatalw("oracle_key_invalid", "err", err)
	}
	pkHex, err := signer.PubkeyHex()
	if err != nil {
		sugar.Fatalw("oracle_key_invalid", "err", err)
	}
	sugar.Infow("oracle_key_loaded", "pubkey", pkHex)
	return vrf.NewProver(signer)
}

// coordinatorAddress gives the fee-collecting coordinator a stable address
// derived from its key hash
func coordinatorAddress(keyHash common.Hash) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256(keyHash.Bytes(), []byte("coordinator")))
}
