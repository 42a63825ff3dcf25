package attestation

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider abstracts attestation generation and verification.
//
// Verification against a hardware trust root is delegated to the provider;
// callers only compare the returned measurements against an allow-list.
type Provider interface {
	AttestationType() string
	Attest(reportData [64]byte) ([]byte, error)
	Verify(attestationReport []byte, expectedReportData [64]byte) (Measurements, error)
}

// ErrAttestationMismatch is returned when evidence does not bind the
// expected report data.
var ErrAttestationMismatch = errors.New("attestation mismatch")

// RemoteProvider generates attestations via a remote quote service and
// verifies them via a remote verification service.
type RemoteProvider struct {
	// URL of the quote service, queried as GET {URL}/attest/{hex report data}.
	URL string
	// VerifyURL of the verification service, queried as
	// POST {VerifyURL}/verify/{hex report data} with the raw quote as body.
	// It answers with a JSON object of register index to hex measurement.
	VerifyURL string
	Timeout   time.Duration
	Type      string

	HTTPClient *http.Client
}

func (p *RemoteProvider) AttestationType() string {
	if p.Type != "" {
		return p.Type
	}
	return "dcap-tdx"
}

func (p *RemoteProvider) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *RemoteProvider) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 30 * time.Second
}

// Attest requests a quote from the remote attestation service.
func (p *RemoteProvider) Attest(reportData [64]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/attest/%s", p.URL, hex.EncodeToString(reportData[:]))

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}

	return rawQuote, nil
}

// Verify submits a quote to the remote verification service and returns the
// measurements it reports.
func (p *RemoteProvider) Verify(attestationReport []byte, expectedReportData [64]byte) (Measurements, error) {
	if p.VerifyURL == "" {
		return nil, errors.New("no verification service configured")
	}
	url := fmt.Sprintf("%s/verify/%s", p.VerifyURL, hex.EncodeToString(expectedReportData[:]))

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(attestationReport))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote verifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: verifier returned status %d: %s", ErrAttestationMismatch, resp.StatusCode, string(body))
	}

	var hexMeasurements map[int]string
	if err := json.NewDecoder(resp.Body).Decode(&hexMeasurements); err != nil {
		return nil, fmt.Errorf("decoding measurements: %w", err)
	}

	measurements := make(Measurements, len(hexMeasurements))
	for idx, v := range hexMeasurements {
		raw, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid hex for index %d: %w", idx, err)
		}
		measurements[idx] = raw
	}
	return measurements, nil
}

// dummyMeasurements are the registers DummyProvider reports for any
// evidence it accepts.
var dummyMeasurements = Measurements{0: {0}, 1: {1}, 2: {2}, 3: {3}, 4: {4}}

// DummyProvider echoes the report data as evidence. It proves nothing and
// exists for tests and local demos.
type DummyProvider struct{}

func (p *DummyProvider) AttestationType() string {
	return "dummy-tdx"
}

func (p *DummyProvider) Attest(reportData [64]byte) ([]byte, error) {
	return append([]byte(nil), reportData[:]...), nil
}

func (p *DummyProvider) Verify(evidence []byte, expectedReportData [64]byte) (Measurements, error) {
	if !bytes.Equal(evidence, expectedReportData[:]) {
		return nil, ErrAttestationMismatch
	}
	out := make(Measurements, len(dummyMeasurements))
	for idx, v := range dummyMeasurements {
		out[idx] = append([]byte(nil), v...)
	}
	return out, nil
}
