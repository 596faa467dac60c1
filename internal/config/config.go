// Package config loads node and scenario settings from .env files,
// environment variables and YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables.
const (
	EnvNetwork       = "CABAL_NETWORK"
	EnvRPCEndpoint   = "CABAL_RPC_ENDPOINT"
	EnvWSEndpoint    = "CABAL_WS_ENDPOINT"
	EnvExplorerURL   = "CABAL_EXPLORER_URL"
	EnvListenAddr    = "CABAL_LISTEN_ADDR"
	EnvPostgresDSN   = "POSTGRES_DSN"
	EnvClickhouseDSN = "CLICKHOUSE_DSN"
	EnvKafkaBrokers  = "KAFKA_BROKERS"
	EnvKafkaTopic    = "KAFKA_TOPIC"
	EnvChainID       = "CABAL_CHAIN_ID"
	EnvLogJSON       = "CABAL_LOG_JSON"
)

// Defaults.
const (
	DefaultListenAddr  = ":8080"
	DefaultExplorerURL = "https://explorer.aptoslabs.com"
	DefaultClaimWindow = 10 * time.Second
	DefaultPastWindow  = 15 * time.Second
	DefaultTxTimeout   = 30 * time.Second
	DefaultFundAmount  = uint64(100_000_000)
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// LoadEnvFile loads variables from the given .env files (".env" if none).
// Missing files are skipped and variables already set are not overridden.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Getenv returns the value of key, def if unset or empty.
func Getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetenvBool parses key as a bool, def if unset or malformed.
func GetenvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(Getenv(key, ""))
	if err != nil {
		return def
	}
	return v
}

// GetenvUint parses key as an unsigned integer, def if unset or malformed.
func GetenvUint(key string, def uint64) uint64 {
	v, err := strconv.ParseUint(Getenv(key, ""), 10, 64)
	if err != nil {
		return def
	}
	return v
}

// GetenvList splits key on commas, dropping empty items.
func GetenvList(key string) []string {
	var out []string
	for _, s := range strings.Split(Getenv(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Network names the chain a scenario targets. It only affects explorer
// links and log labels; endpoints are configured separately.
type Network string

const (
	NetworkDevnet  Network = "devnet"
	NetworkTestnet Network = "testnet"
	NetworkLocal   Network = "local"
)

// ParseNetwork parses a network name, case-insensitively.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(s))); n {
	case NetworkDevnet, NetworkTestnet, NetworkLocal:
		return n, nil
	case "":
		return NetworkDevnet, nil
	}
	return "", fmt.Errorf("%w: unknown network %q (want devnet, testnet or local)", ErrInvalidConfig, s)
}

// NodeConfig configures the devnet node binary.
type NodeConfig struct {
	ListenAddr    string
	PostgresDSN   string
	ClickhouseDSN string
	UseMemory     bool
	KafkaBrokers  []string
	KafkaTopic    string
	ChainID       uint8
	LogJSON       bool
}

// NodeConfigFromEnv reads NodeConfig from the environment. Command-line
// flags use these values as their defaults.
func NodeConfigFromEnv() NodeConfig {
	return NodeConfig{
		ListenAddr:    Getenv(EnvListenAddr, DefaultListenAddr),
		PostgresDSN:   Getenv(EnvPostgresDSN, ""),
		ClickhouseDSN: Getenv(EnvClickhouseDSN, ""),
		KafkaBrokers:  GetenvList(EnvKafkaBrokers),
		KafkaTopic:    Getenv(EnvKafkaTopic, ""),
		ChainID:       uint8(GetenvUint(EnvChainID, 0)),
		LogJSON:       GetenvBool(EnvLogJSON, false),
	}
}

// Validate checks that database settings are complete.
func (c *NodeConfig) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if !c.UseMemory && (c.PostgresDSN == "" || c.ClickhouseDSN == "") {
		return fmt.Errorf("%w: postgres and clickhouse DSNs are required unless in-memory storage is used", ErrInvalidConfig)
	}
	return nil
}

// ScenarioConfig configures the claim scenario.
type ScenarioConfig struct {
	Network     Network `yaml:"network"`
	RPCEndpoint string  `yaml:"rpc_endpoint"` // empty runs an in-process node
	WSEndpoint  string  `yaml:"ws_endpoint"`  // derived from RPCEndpoint if empty
	ExplorerURL string  `yaml:"explorer_url"`

	ClaimWindow time.Duration `yaml:"claim_window"` // length of the allowlist window
	PastWindow  time.Duration `yaml:"past_window"`  // wait before the late claim
	Pace        time.Duration `yaml:"pace"`         // pause between narrated steps
	TxTimeout   time.Duration `yaml:"tx_timeout"`
	FundAmount  uint64        `yaml:"fund_amount"`
}

// LoadScenarioConfig reads a YAML scenario file. An empty path yields the
// defaults. CABAL_NETWORK and the endpoint variables override file values.
func LoadScenarioConfig(path string) (*ScenarioConfig, error) {
	cfg := &ScenarioConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read scenario config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse scenario config: %w", err)
		}
	}

	if v := Getenv(EnvNetwork, ""); v != "" {
		cfg.Network = Network(v)
	}
	cfg.RPCEndpoint = Getenv(EnvRPCEndpoint, cfg.RPCEndpoint)
	cfg.WSEndpoint = Getenv(EnvWSEndpoint, cfg.WSEndpoint)
	cfg.ExplorerURL = Getenv(EnvExplorerURL, cfg.ExplorerURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and checks the timing constraints.
func (c *ScenarioConfig) Validate() error {
	network, err := ParseNetwork(string(c.Network))
	if err != nil {
		return err
	}
	c.Network = network

	if c.ExplorerURL == "" {
		c.ExplorerURL = DefaultExplorerURL
	}
	c.ExplorerURL = strings.TrimRight(c.ExplorerURL, "/")
	if c.RPCEndpoint != "" && c.WSEndpoint == "" {
		c.WSEndpoint = WSEndpointFor(c.RPCEndpoint)
	}

	if c.ClaimWindow == 0 {
		c.ClaimWindow = DefaultClaimWindow
	}
	if c.PastWindow == 0 {
		c.PastWindow = DefaultPastWindow
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	if c.FundAmount == 0 {
		c.FundAmount = DefaultFundAmount
	}

	if c.ClaimWindow < time.Second {
		return fmt.Errorf("%w: claim_window must be at least 1s, got %v", ErrInvalidConfig, c.ClaimWindow)
	}
	if c.PastWindow <= c.ClaimWindow {
		return fmt.Errorf("%w: past_window %v must exceed claim_window %v", ErrInvalidConfig, c.PastWindow, c.ClaimWindow)
	}
	if c.Pace < 0 || c.TxTimeout < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// InProcess reports whether the scenario runs against an embedded node.
func (c *ScenarioConfig) InProcess() bool {
	return c.RPCEndpoint == ""
}

// ExplorerAccountURL returns the explorer page of an account's coins.
func (c *ScenarioConfig) ExplorerAccountURL(address string) string {
	return fmt.Sprintf("%s/account/%s/coins?network=%s", c.ExplorerURL, address, c.Network)
}

// WSEndpointFor derives the WebSocket endpoint of a node from its RPC endpoint.
func WSEndpointFor(rpcEndpoint string) string {
	ws := strings.TrimRight(rpcEndpoint, "/")
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws"
}
