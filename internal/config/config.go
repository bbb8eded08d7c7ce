package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/clawnet/claw-node/internal/state"
)

// Config is the node's resolved runtime configuration. Precedence:
// environment (with .env support) first, then <dataDir>/config.json
// for anything the environment left unset, then defaults.
type Config struct {
	DataDir        string        `json:"dataDir"`
	APIListen      string        `json:"apiListen"`
	APIEnable      bool          `json:"apiEnable"`
	P2PListen      string        `json:"p2pListen"`
	Bootstrap      []string      `json:"bootstrap"`
	Passphrase     string        `json:"-"`
	HealthInterval time.Duration `json:"-"`
	Network        string        `json:"network"`
	MinFee         uint64        `json:"minFee"`
}

// fileConfig mirrors the optional <dataDir>/config.json overlay.
type fileConfig struct {
	APIListen        string   `json:"apiListen"`
	APIEnable        *bool    `json:"apiEnable"`
	P2PListen        string   `json:"p2pListen"`
	Bootstrap        []string `json:"bootstrap"`
	HealthIntervalMs int64    `json:"healthIntervalMs"`
	Network          string   `json:"network"`
	MinFee           *uint64  `json:"minFee"`
}

const (
	defaultAPIListen      = "127.0.0.1:5520"
	defaultNetwork        = "devnet"
	defaultHealthInterval = 30 * time.Second
)

// Load resolves the node configuration. The passphrase is the only
// hard requirement; everything else has a workable default.
func Load() (*Config, error) {
	// Local development convenience; missing .env is not an error.
	if err := godotenv.Load(); err == nil {
		log.Println("[Config] loaded .env")
	}

	cfg := &Config{
		DataDir:    getEnvOrDefault("CLAW_DATA_DIR", defaultDataDir()),
		APIListen:  os.Getenv("CLAW_API_LISTEN"),
		APIEnable:  getEnvOrDefault("CLAW_API_ENABLE", "true") != "false",
		P2PListen:  os.Getenv("CLAW_P2P_LISTEN"),
		Passphrase: requireEnv("CLAW_PASSPHRASE"),
		Network:    os.Getenv("CLAW_NETWORK"),
	}
	if bs := os.Getenv("CLAW_BOOTSTRAP"); bs != "" {
		for _, addr := range strings.Split(bs, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Bootstrap = append(cfg.Bootstrap, addr)
			}
		}
	}
	if ms := os.Getenv("CLAW_HEALTH_INTERVAL_MS"); ms != "" {
		v, err := strconv.ParseInt(ms, 10, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("config: invalid CLAW_HEALTH_INTERVAL_MS %q", ms)
		}
		cfg.HealthInterval = time.Duration(v) * time.Millisecond
	}
	if fee := os.Getenv("CLAW_MIN_FEE"); fee != "" {
		v, err := strconv.ParseUint(fee, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid CLAW_MIN_FEE %q", fee)
		}
		cfg.MinFee = v
	}

	if err := cfg.overlayFile(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	switch cfg.Network {
	case "devnet", "testnet", "mainnet":
	default:
		return nil, fmt.Errorf("config: unknown network %q", cfg.Network)
	}
	return cfg, nil
}

// overlayFile fills options the environment left unset from
// <dataDir>/config.json, if present.
func (c *Config) overlayFile() error {
	path := filepath.Join(c.DataDir, "config.json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %v", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %v", path, err)
	}

	if c.APIListen == "" {
		c.APIListen = fc.APIListen
	}
	if os.Getenv("CLAW_API_ENABLE") == "" && fc.APIEnable != nil {
		c.APIEnable = *fc.APIEnable
	}
	if c.P2PListen == "" {
		c.P2PListen = fc.P2PListen
	}
	if len(c.Bootstrap) == 0 {
		c.Bootstrap = fc.Bootstrap
	}
	if c.HealthInterval == 0 && fc.HealthIntervalMs > 0 {
		c.HealthInterval = time.Duration(fc.HealthIntervalMs) * time.Millisecond
	}
	if c.Network == "" {
		c.Network = fc.Network
	}
	if os.Getenv("CLAW_MIN_FEE") == "" && fc.MinFee != nil {
		c.MinFee = *fc.MinFee
	}
	log.Printf("[Config] applied overlay from %s", path)
	return nil
}

func (c *Config) applyDefaults() {
	if c.APIListen == "" {
		c.APIListen = defaultAPIListen
	}
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.MinFee == 0 {
		c.MinFee = 1
	}
}

// Params maps the configuration onto the reducer parameter set.
func (c *Config) Params() state.Params {
	p := state.DefaultParams()
	p.Network = c.Network
	p.MinFee = c.MinFee
	return p
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claw"
	}
	return filepath.Join(home, ".claw")
}

// requireEnv reads a required environment variable and exits if it is
// not set, so the node never starts half-configured.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
