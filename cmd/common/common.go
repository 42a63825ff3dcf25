// Package common provides shared utilities for the ledger-router commands.
//
// This package contains helpers used by the router, shard and ledger-client
// binaries:
//
//   - Signing key loading and generation
//   - YAML configuration with .env and flag overrides
//   - Attestation provider and measurement source factories
//   - slog logger construction on top of zap
package common

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/protocol"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		if len(keyBytes) != 64 {
			return nil, fmt.Errorf("signing key must be 64 bytes, got %d", len(keyBytes))
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// NewAttestationProvider creates an attestation provider from configuration.
// A configured remote URL selects RemoteProvider, otherwise DummyProvider
// is returned when attestation is enabled. Returns nil when disabled.
func NewAttestationProvider(cfg AttestationConfig) attestation.Provider {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RemoteURL != "" {
		return &attestation.RemoteProvider{
			URL:       cfg.RemoteURL,
			VerifyURL: cfg.VerifyURL,
			Timeout:   cfg.Timeout,
			Type:      cfg.Type,
		}
	}
	return &attestation.DummyProvider{}
}

// NewMeasurementSource creates a measurement source from a URL. The demo
// allow-list matching DummyProvider is used when measurementsURL is empty.
func NewMeasurementSource(measurementsURL string) attestation.MeasurementSource {
	if measurementsURL != "" {
		return attestation.NewRemoteSource(measurementsURL)
	}
	return attestation.DemoSource()
}

// NewVerifier combines the provider and measurement source for cfg. The
// returned verifier is nil when attestation is disabled, which accepts any
// peer.
func NewVerifier(cfg AttestationConfig) *attestation.Verifier {
	provider := NewAttestationProvider(cfg)
	if provider == nil {
		return nil
	}
	return &attestation.Verifier{
		Provider: provider,
		Source:   NewMeasurementSource(cfg.MeasurementsURL),
	}
}

// FetchRegistration retrieves the signed registration a shard publishes at
// /registration-data.
func FetchRegistration(ctx context.Context, shardURL string) (*protocol.Signed[protocol.ShardRegistration], error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(shardURL, "/")+"/registration-data", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shard returned status %d", resp.StatusCode)
	}

	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.ShardRegistration]](resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return signed, nil
}
