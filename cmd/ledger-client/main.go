// Command ledger-client looks up ledger keys through an untrusted router.
//
// The client authenticates end to end with every shard the router lists,
// checks each shard's attestation evidence, and merges the per-shard
// answers into one result per key.
//
// # One-shot lookup
//
//	go run ./cmd/ledger-client --router=http://localhost:8080 \
//	    --keys=<64 hex chars>,<64 hex chars>
//
// The merged results are printed as JSON. The exit status is 2 when no
// shard produced a usable answer.
//
// # Local API
//
//	go run ./cmd/ledger-client --router=http://localhost:8080 --serve=:8090
//
// serves GET /client/status and POST /client/lookup on the given address.
// The local API holds the client's channels and must not be exposed.
package main

import (
	"context"
	"encoding/json"
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

	"github.com/flashbots/ledger-router/client"
	"github.com/flashbots/ledger-router/cmd/common"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		envPath         = flag.String("env", ".env", "Path to .env file")
		routerURL       = flag.String("router", "", "Router URL")
		keys            = flag.String("keys", "", "Comma-separated hex keys to look up")
		serve           = flag.String("serve", "", "Serve the local lookup API on this address")
		authRetries     = flag.Int("auth-retries", -1, "Re-authentication rounds per lookup")
		timeout         = flag.Duration("timeout", 0, "Timeout for a one-shot lookup")
		measurementsURL = flag.String("measurements-url", "", "URL for allowed measurements")
		noAttestation   = flag.Bool("no-attestation", false, "Do not require shard attestation evidence")
		logLevel        = flag.String("log-level", "", "Log level")
	)
	flag.Parse()

	if err := common.LoadEnv(*envPath); err != nil {
		fmt.Printf("Error loading env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := common.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *routerURL != "" {
		cfg.RouterURL = *routerURL
	}
	if *serve != "" {
		cfg.HTTPAddr = *serve
	}
	if *authRetries >= 0 {
		cfg.AuthRetries = *authRetries
	}
	if *timeout != 0 {
		cfg.Timeout = *timeout
	}
	if *measurementsURL != "" {
		cfg.Attestation.MeasurementsURL = *measurementsURL
	}
	if *noAttestation {
		cfg.Attestation.Enabled = false
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, syncLog, err := common.NewLogger(cfg.Log)
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cl, err := client.New(client.Config{
		RouterURL:   cfg.RouterURL,
		Verifier:    common.NewVerifier(cfg.Attestation),
		AuthRetries: cfg.AuthRetries,
		Log:         log,
	})
	if err != nil {
		fmt.Printf("Error creating client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	if cfg.HTTPAddr != "" {
		if err := serveAPI(ctx, cl, cfg.HTTPAddr, log); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	parsed, err := parseKeys(*keys)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	code := lookup(ctx, cl, parsed, cfg.Timeout)
	cl.Close()
	os.Exit(code)
}

func parseKeys(s string) ([]protocol.Key, error) {
	var keys []protocol.Key
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		k, err := protocol.ParseKey(part)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", part, err)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys given (use --keys)")
	}
	return keys, nil
}

func lookup(ctx context.Context, cl *client.Client, keys []protocol.Key, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := cl.Query(ctx, keys)
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(client.NewLookupResponse(result))
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientCoverage):
		fmt.Fprintln(os.Stderr, "no shard produced a usable answer")
		return 2
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serveAPI(ctx context.Context, cl *client.Client, addr string, log *slog.Logger) error {
	if err := cl.Refresh(ctx); err != nil {
		log.Warn("initial shard refresh failed", "err", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	client.NewHandler(cl, log).RegisterRoutes(r)

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ledger client API listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("shutting down ledger client API")
	return server.Shutdown(shutdownCtx)
}
