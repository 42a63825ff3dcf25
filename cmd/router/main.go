// Command router runs the query router in front of a set of ledger shards.
//
// The router holds no ledger data. It relays client handshakes to shards,
// fans each multi-shard request out to every registered shard under its own
// authenticated channel, and returns one outcome per shard. Shards are
// registered by an administrator, either through the admin API or from the
// shards list in the configuration file.
//
// # Configuration File
//
//	signing_key: ""          # Hex-encoded Ed25519 key, generates if empty
//	admin_token: "admin:secret"
//	shard_timeout: 5s
//	allowed_origins: ["https://wallet.example"]
//	shards:
//	  - "http://shard-0:8081"
//	postgres:                # omit to keep registrations in memory
//	  host: localhost
//	  port: 5432
//	  user: router
//	  database: router
//	  ssl_mode: disable
//	server:
//	  http_addr: ":8080"
//	  metrics_addr: ":9090"
//	attestation:
//	  enabled: true
//	  measurements_url: ""
//
// # Endpoints
//
// Public:
//   - GET /v1/shards - Registered shards and their identity keys
//   - POST /v1/auth - Relay a client handshake to one shard
//   - POST /v1/query - Submit a multi-shard request
//
// Admin (basic auth, disabled without admin_token):
//   - POST /admin/shards - Register or replace a shard
//   - GET /admin/shards - Shards with their channel state
//   - DELETE /admin/shards/{uri} - Remove a shard
//
// # Usage
//
//	go run ./cmd/router --config=router.yaml
//	go run ./cmd/router --shard=http://localhost:8081 --admin-token="admin:secret"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flashbots/ledger-router/api/httpserver"
	"github.com/flashbots/ledger-router/cmd/common"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/router"
	"go.uber.org/multierr"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		envPath         = flag.String("env", ".env", "Path to .env file")
		addr            = flag.String("addr", ":8080", "HTTP listen address")
		metricsAddr     = flag.String("metrics-addr", "", "Metrics listen address")
		adminToken      = flag.String("admin-token", "", "Basic auth token for admin operations (user:pass)")
		signingKeyHex   = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		shardTimeout    = flag.Duration("shard-timeout", 0, "Per-shard deadline for one request")
		shards          = flag.String("shard", "", "Comma-separated shard URLs to register at startup")
		measurementsURL = flag.String("measurements-url", "", "URL for allowed measurements")
		noAttestation   = flag.Bool("no-attestation", false, "Accept shards without attestation evidence")
		logLevel        = flag.String("log-level", "", "Log level")
	)
	flag.Parse()

	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	if err := common.LoadEnv(*envPath); err != nil {
		fmt.Printf("Error loading env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	applyFlagOverrides(cfg, *addr, *metricsAddr, *adminToken, *signingKeyHex, *shardTimeout,
		*shards, *measurementsURL, *noAttestation, *logLevel, isFlagSet("addr"))

	log, syncLog, err := common.NewLogger(cfg.Log)
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("router failed", "err", err)
		syncLog()
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.RouterConfig, error) {
	return common.LoadRouterConfig(configPath)
}

func applyFlagOverrides(cfg *common.RouterConfig, addr, metricsAddr, adminToken, signingKeyHex string,
	shardTimeout time.Duration, shards, measurementsURL string, noAttestation bool, logLevel string,
	addrExplicit bool) {

	if addrExplicit {
		cfg.Server.HTTPAddr = addr
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddr = metricsAddr
	}
	if adminToken != "" {
		cfg.AdminToken = adminToken
	}
	if signingKeyHex != "" {
		cfg.SigningKey = signingKeyHex
	}
	if shardTimeout != 0 {
		cfg.ShardTimeout = shardTimeout
	}
	if shards != "" {
		for _, s := range strings.Split(shards, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Shards = append(cfg.Shards, s)
			}
		}
	}
	if measurementsURL != "" {
		cfg.Attestation.MeasurementsURL = measurementsURL
	}
	if noAttestation {
		cfg.Attestation.Enabled = false
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

func openStore(ctx context.Context, cfg *common.RouterConfig) (router.RegistryStore, func() error, error) {
	if cfg.Postgres == nil {
		return router.NewInMemoryStore(), func() error { return nil }, nil
	}
	store, err := router.NewPostgresStore(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func run(ctx context.Context, cfg *common.RouterConfig, log *slog.Logger) (err error) {
	signingKey, err := common.LoadOrGenerateSigningKey(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	identity, err := crypto.NewIdentity(signingKey, 0)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	defer identity.Wipe()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, closeStore())
	}()

	verifier := common.NewVerifier(cfg.Attestation)
	transport := &router.HTTPTransport{Client: &http.Client{}}

	registry := router.NewRegistry(&router.EndpointConfig{
		Identity:  identity,
		Transport: transport,
		Verifier:  verifier,
		Log:       log,
	}, store, verifier, log)
	defer registry.Close()

	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	registerConfiguredShards(ctx, registry, cfg.Shards, log)

	rt := router.New(registry, cfg.ShardTimeout, log)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.Server.HTTPAddr,
		MetricsAddr:              cfg.Server.MetricsAddr,
		EnablePprof:              cfg.Server.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.Server.DrainDuration,
		GracefulShutdownDuration: cfg.Server.ShutdownTimeout,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
		ReadinessCheck: func(context.Context) error {
			if len(registry.List()) == 0 {
				return errors.New("no shards registered")
			}
			return nil
		},
	},
		router.NewClientHandler(rt, transport, cfg.AllowedOrigins, log),
		router.NewAdminHandler(registry, cfg.AdminToken, log),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	srv.RunInBackground()
	if cfg.AdminToken == "" {
		log.Warn("no admin token configured, /admin routes are disabled")
	}

	<-ctx.Done()
	log.Info("shutting down router")
	return srv.Shutdown()
}

// registerConfiguredShards fetches and registers each shard's published
// registration. Failures are logged; the shard can be registered later
// through the admin API.
func registerConfiguredShards(ctx context.Context, registry *router.Registry, shardURLs []string, log *slog.Logger) {
	for _, shardURL := range shardURLs {
		signed, err := common.FetchRegistration(ctx, shardURL)
		if err == nil {
			err = registry.Register(ctx, signed)
		}
		if err != nil {
			log.Error("registering configured shard", "shard", shardURL, "err", err)
			continue
		}
		log.Info("registered shard", "shard", shardURL)
	}
}
