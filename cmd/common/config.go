package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/router"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AttestationConfig selects how evidence is produced and checked.
type AttestationConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RemoteURL       string        `yaml:"remote_url"`
	VerifyURL       string        `yaml:"verify_url"`
	Type            string        `yaml:"type"`
	Timeout         time.Duration `yaml:"timeout"`
	MeasurementsURL string        `yaml:"measurements_url"`
}

// ServerConfig holds the listener settings shared by the router and shard.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	EnablePprof     bool          `yaml:"enable_pprof"`
	DrainDuration   time.Duration `yaml:"drain_duration"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// LogConfig configures NewLogger.
type LogConfig struct {
	Level   string `yaml:"level"`
	JSON    bool   `yaml:"json"`
	Service string `yaml:"service"`
}

// RouterConfig is the configuration of cmd/router.
type RouterConfig struct {
	Server         ServerConfig           `yaml:"server"`
	Log            LogConfig              `yaml:"log"`
	Attestation    AttestationConfig      `yaml:"attestation"`
	SigningKey     string                 `yaml:"signing_key"`
	AdminToken     string                 `yaml:"admin_token"`
	ShardTimeout   time.Duration          `yaml:"shard_timeout"`
	AllowedOrigins []string               `yaml:"allowed_origins"`
	Postgres       *router.PostgresConfig `yaml:"postgres"`
	// Shards are shard base URLs registered at startup from their
	// published registration data.
	Shards []string `yaml:"shards"`
}

// ShardConfig is the configuration of cmd/shard.
type ShardConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Attestation AttestationConfig `yaml:"attestation"`
	URI         string            `yaml:"uri"`
	SigningKey  string            `yaml:"signing_key"`
	AdminToken  string            `yaml:"admin_token"`

	Range          ledger.BlockRange `yaml:"range"`
	MinReadyBlocks uint64            `yaml:"min_ready_blocks"`
	WaitForIngest  bool              `yaml:"wait_for_ingest"`
	MaxChannels    int               `yaml:"max_channels"`
	// MaxRouterChannels bounds router sessions separately from client ones.
	MaxRouterChannels int `yaml:"max_router_channels"`

	// DataDir holds the badger database; empty keeps the oracle in memory.
	DataDir      string        `yaml:"data_dir"`
	BlocksFile   string        `yaml:"blocks_file"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// ClientConfig is the configuration of cmd/ledger-client.
type ClientConfig struct {
	Log         LogConfig         `yaml:"log"`
	Attestation AttestationConfig `yaml:"attestation"`
	RouterURL   string            `yaml:"router_url"`
	AuthRetries int               `yaml:"auth_retries"`
	Timeout     time.Duration     `yaml:"timeout"`
	// HTTPAddr, when set, serves the local lookup API instead of running
	// a single lookup.
	HTTPAddr string `yaml:"http_addr"`
}

func defaultServerConfig(addr, metricsAddr string) ServerConfig {
	return ServerConfig{
		HTTPAddr:        addr,
		MetricsAddr:     metricsAddr,
		DrainDuration:   5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
	}
}

func defaultAttestationConfig() AttestationConfig {
	return AttestationConfig{
		Enabled: true,
		Timeout: 30 * time.Second,
	}
}

func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Server:       defaultServerConfig(":8080", ":9090"),
		Log:          LogConfig{Level: "info", Service: "router"},
		Attestation:  defaultAttestationConfig(),
		ShardTimeout: 5 * time.Second,
	}
}

func DefaultShardConfig() *ShardConfig {
	return &ShardConfig{
		Server:       defaultServerConfig(":8081", ":9091"),
		Log:          LogConfig{Level: "info", Service: "shard"},
		Attestation:  defaultAttestationConfig(),
		MaxChannels:       4096,
		MaxRouterChannels: 64,
		PollInterval:      time.Second,
		BatchSize:    128,
	}
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Log:         LogConfig{Level: "warn", Service: "ledger-client"},
		Attestation: defaultAttestationConfig(),
		RouterURL:   "http://localhost:8080",
		AuthRetries: 1,
		Timeout:     30 * time.Second,
	}
}

// LoadRouterConfig reads a router YAML file over the defaults and applies
// environment overrides.
func LoadRouterConfig(path string) (*RouterConfig, error) {
	cfg := DefaultRouterConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	envOverride(&cfg.AdminToken, "ADMIN_TOKEN")
	envOverride(&cfg.SigningKey, "SIGNING_KEY")
	if cfg.Postgres != nil {
		envOverride(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	}
	return cfg, nil
}

// LoadShardConfig reads a shard YAML file over the defaults and applies
// environment overrides.
func LoadShardConfig(path string) (*ShardConfig, error) {
	cfg := DefaultShardConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	envOverride(&cfg.AdminToken, "ADMIN_TOKEN")
	envOverride(&cfg.SigningKey, "SIGNING_KEY")
	return cfg, nil
}

// LoadClientConfig reads a ledger-client YAML file over the defaults.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	envOverride(&cfg.RouterURL, "ROUTER_URL")
	return cfg, nil
}

// LoadEnv loads variables from envPath into the process environment
// without overriding ones already set. A missing file is not an error.
func LoadEnv(envPath string) error {
	if envPath == "" {
		envPath = ".env"
	}
	if _, err := os.Stat(envPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("loading %s: %w", envPath, err)
	}
	return nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func envOverride(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
