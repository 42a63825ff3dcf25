// Command shard runs a ledger shard serving one block range.
//
// The shard answers encrypted existence queries from its oracle. Blocks are
// ingested from a newline-delimited JSON file that may keep growing; the
// shard reports NotReady until it has caught up with the file and processed
// at least min_ready_blocks blocks.
//
// # Configuration File
//
//	uri: "http://shard-0:8081"
//	signing_key: ""        # Hex-encoded Ed25519 key, generates if empty
//	admin_token: "admin:secret"
//	range:
//	  start_block: 0
//	  end_block: 100000    # 0 means open-ended
//	min_ready_blocks: 1
//	wait_for_ingest: true
//	data_dir: "/var/lib/shard"
//	blocks_file: "blocks.ndjson"
//	server:
//	  http_addr: ":8081"
//	  metrics_addr: ":9091"
//	attestation:
//	  enabled: true
//	  remote_url: ""
//
// # Usage
//
//	go run ./cmd/shard --config=shard.yaml
//	go run ./cmd/shard --uri=http://localhost:8081 --blocks=blocks.ndjson
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/ledger-router/api/httpserver"
	"github.com/flashbots/ledger-router/cmd/common"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/shard"
	"go.uber.org/multierr"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to YAML config file")
		envPath        = flag.String("env", ".env", "Path to .env file")
		addr           = flag.String("addr", ":8081", "HTTP listen address")
		metricsAddr    = flag.String("metrics-addr", "", "Metrics listen address")
		uri            = flag.String("uri", "", "Public URI of this shard")
		signingKeyHex  = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		adminToken     = flag.String("admin-token", "", "Basic auth token for admin routes (user:pass)")
		dataDir        = flag.String("data-dir", "", "Badger directory, in-memory when empty")
		blocksFile     = flag.String("blocks", "", "Newline-delimited JSON block file to ingest")
		startBlock     = flag.Uint64("start-block", 0, "First block of the served range")
		endBlock       = flag.Uint64("end-block", 0, "End of the served range (exclusive, 0 for open)")
		minReadyBlocks = flag.Uint64("min-ready-blocks", 0, "Blocks required before answering queries")
		noAttestation  = flag.Bool("no-attestation", false, "Send no attestation evidence")
		logLevel       = flag.String("log-level", "", "Log level")
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

	cfg, err := common.LoadShardConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if isFlagSet("addr") {
		cfg.Server.HTTPAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if *uri != "" {
		cfg.URI = *uri
	}
	if *signingKeyHex != "" {
		cfg.SigningKey = *signingKeyHex
	}
	if *adminToken != "" {
		cfg.AdminToken = *adminToken
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *blocksFile != "" {
		cfg.BlocksFile = *blocksFile
	}
	if isFlagSet("start-block") {
		cfg.Range.Start = *startBlock
	}
	if isFlagSet("end-block") {
		cfg.Range.End = *endBlock
	}
	if isFlagSet("min-ready-blocks") {
		cfg.MinReadyBlocks = *minReadyBlocks
	}
	if *noAttestation {
		cfg.Attestation.Enabled = false
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if cfg.URI == "" {
		fmt.Println("Configuration error: uri is required (via --uri or config file)")
		os.Exit(1)
	}

	log, syncLog, err := common.NewLogger(cfg.Log)
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("shard failed", "err", err)
		syncLog()
		os.Exit(1)
	}
}

func openOracle(cfg *common.ShardConfig) (ledger.Oracle, error) {
	if cfg.DataDir == "" {
		return ledger.NewMemoryOracle(cfg.Range), nil
	}
	return ledger.OpenBadgerOracle(cfg.DataDir, cfg.Range)
}

func run(ctx context.Context, cfg *common.ShardConfig, log *slog.Logger) (err error) {
	signingKey, err := common.LoadOrGenerateSigningKey(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	oracle, err := openOracle(cfg)
	if err != nil {
		return fmt.Errorf("open oracle: %w", err)
	}
	defer func() {
		err = multierr.Append(err, oracle.Close())
	}()

	svc, err := shard.New(&shard.Config{
		URI:               cfg.URI,
		SigningKey:        signingKey,
		Provider:          common.NewAttestationProvider(cfg.Attestation),
		Oracle:            oracle,
		Range:             cfg.Range,
		MinReadyBlocks:    cfg.MinReadyBlocks,
		WaitForIngest:     cfg.WaitForIngest && cfg.BlocksFile != "",
		MaxChannels:       cfg.MaxChannels,
		MaxRouterChannels: cfg.MaxRouterChannels,
		Log:               log,
	})
	if err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	defer svc.Close()

	log.Info("shard identity", "uri", cfg.URI, "identityKey", svc.PublicKey().String())

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.Server.HTTPAddr,
		MetricsAddr:              cfg.Server.MetricsAddr,
		EnablePprof:              cfg.Server.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.Server.DrainDuration,
		GracefulShutdownDuration: cfg.Server.ShutdownTimeout,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
		ReadinessCheck:           svc.Ready,
	}, shard.NewHandler(svc, cfg.AdminToken, log))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ingestDone := make(chan error, 1)
	if cfg.BlocksFile != "" {
		ingestor := shard.NewIngestor(&shard.IngestorConfig{
			Source:       &shard.FileBlockSource{Path: cfg.BlocksFile},
			Oracle:       oracle,
			Range:        cfg.Range,
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			OnCaughtUp:   svc.MarkCaughtUp,
			Log:          log,
		})
		go func() { ingestDone <- ingestor.Run(ctx) }()
	} else {
		svc.MarkCaughtUp()
		close(ingestDone)
	}

	srv.RunInBackground()
	if cfg.AdminToken == "" {
		log.Warn("no admin token configured, /admin routes are disabled")
	}

	<-ctx.Done()
	log.Info("shutting down shard")

	err = multierr.Append(err, srv.Shutdown())

	select {
	case ierr := <-ingestDone:
		if ierr != nil && !errors.Is(ierr, context.Canceled) {
			err = multierr.Append(err, fmt.Errorf("ingestion: %w", ierr))
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		err = multierr.Append(err, errors.New("ingestion did not stop in time"))
	}
	return err
}
