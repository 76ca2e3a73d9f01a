package params

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/condorder/pkg/ledger"
)

type Node struct {
	// Role is "node" (engine + API) or "oracle" (answers gossiped requests)
	Role string `yaml:"role"`
}

type Store struct {
	Backend     string `yaml:"backend"` // memory, pebble, sqlite
	Path        string `yaml:"path"`
	JournalPath string `yaml:"journal_path"` // empty disables the event journal
}

type API struct {
	Addr               string   `yaml:"addr"`
	EnableMockCallback bool     `yaml:"enable_mock_callback"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

type Engine struct {
	PrivateKey string `yaml:"private_key"` // hex; empty generates a throwaway key
	Policy     string `yaml:"policy"`      // always, even, odd
	Funding    string `yaml:"funding"`     // fee tokens minted to the engine at startup (dev)
}

type Oracle struct {
	// Mode selects who fulfills requests:
	//   local  - the node's own prover, after FulfillDelay
	//   remote - oracle peers over libp2p
	//   manual - only the HTTP callback / fulfill routes
	Mode         string        `yaml:"mode"`
	Fee          string        `yaml:"fee"` // decimal token units per request
	KeyHash      string        `yaml:"key_hash"`
	Seed         string        `yaml:"seed"`   // BLS key seed (oracle role, local mode)
	PubKey       string        `yaml:"pubkey"` // verifies remote proofs
	FulfillDelay time.Duration `yaml:"fulfill_delay"`
	QueueSize    int           `yaml:"queue_size"`
}

type P2P struct {
	Listen    string   `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty logs to stdout only
}

type Config struct {
	Node   Node   `yaml:"node"`
	Store  Store  `yaml:"store"`
	API    API    `yaml:"api"`
	Engine Engine `yaml:"engine"`
	Oracle Oracle `yaml:"oracle"`
	P2P    P2P    `yaml:"p2p"`
	Log    Log    `yaml:"log"`
}

const devOracleSeed = "condorder-devnet-oracle-seed-000000"

func Default() Config {
	return Config{
		Node:  Node{Role: "node"},
		Store: Store{Backend: "memory", Path: "data/condorder"},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Engine: Engine{Policy: "always", Funding: "0"},
		Oracle: Oracle{
			Mode:         "local",
			Fee:          "0.1",
			KeyHash:      "0x0000000000000000000000000000000000000000000000000000000000000001",
			Seed:         devOracleSeed,
			FulfillDelay: 500 * time.Millisecond,
			QueueSize:    1024,
		},
		P2P: P2P{Listen: "/ip4/0.0.0.0/tcp/9000"},
		Log: Log{Level: "info"},
	}
}

// LoadFromEnv loads configuration from an optional YAML file, the .env file
// (if exists) and environment variables.
// Priority: ENV > .env file > CONFIG_FILE > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return cfg, err
		}
	}

	cfg.Node.Role = getEnv("ROLE", cfg.Node.Role)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = getEnv("DB_PATH", cfg.Store.Path)
	cfg.Store.JournalPath = getEnv("JOURNAL_PATH", cfg.Store.JournalPath)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("ENABLE_MOCK_CALLBACK"); v != "" {
		cfg.API.EnableMockCallback = v == "true" || v == "1"
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}

	cfg.Engine.PrivateKey = getEnv("ENGINE_PRIVATE_KEY", cfg.Engine.PrivateKey)
	cfg.Engine.Policy = getEnv("EXECUTION_POLICY", cfg.Engine.Policy)
	cfg.Engine.Funding = getEnv("ENGINE_FUNDING", cfg.Engine.Funding)

	cfg.Oracle.Mode = getEnv("ORACLE_MODE", cfg.Oracle.Mode)
	cfg.Oracle.Fee = getEnv("VRF_FEE", cfg.Oracle.Fee)
	cfg.Oracle.KeyHash = getEnv("VRF_KEY_HASH", cfg.Oracle.KeyHash)
	cfg.Oracle.Seed = getEnv("ORACLE_SEED", cfg.Oracle.Seed)
	cfg.Oracle.PubKey = getEnv("ORACLE_PUBKEY", cfg.Oracle.PubKey)
	if v := os.Getenv("FULFILL_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.FulfillDelay = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	return cfg, cfg.Validate()
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects unknown modes and unparseable amounts
func (c Config) Validate() error {
	var errs []error
	if !oneOf(c.Node.Role, "node", "oracle") {
		errs = append(errs, fmt.Errorf("unknown role %q", c.Node.Role))
	}
	if !oneOf(c.Store.Backend, "memory", "pebble", "sqlite") {
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if !oneOf(c.Oracle.Mode, "local", "remote", "manual") {
		errs = append(errs, fmt.Errorf("unknown oracle mode %q", c.Oracle.Mode))
	}
	if !oneOf(c.Engine.Policy, "always", "even", "odd") {
		errs = append(errs, fmt.Errorf("unknown execution policy %q", c.Engine.Policy))
	}
	if _, err := ledger.ParseUnits(c.Oracle.Fee); err != nil {
		errs = append(errs, fmt.Errorf("vrf fee: %w", err))
	}
	if _, err := ledger.ParseUnits(c.Engine.Funding); err != nil {
		errs = append(errs, fmt.Errorf("engine funding: %w", err))
	}
	if c.Oracle.Mode == "remote" && c.Oracle.PubKey == "" {
		errs = append(errs, errors.New("remote oracle mode needs ORACLE_PUBKEY"))
	}
	return errors.Join(errs...)
}

// FeeUnits returns the request fee in token base units
func (c Config) FeeUnits() *big.Int {
	fee, _ := ledger.ParseUnits(c.Oracle.Fee)
	return fee
}

// FundingUnits returns the startup engine funding in token base units
func (c Config) FundingUnits() *big.Int {
	amount, _ := ledger.ParseUnits(c.Engine.Funding)
	return amount
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
