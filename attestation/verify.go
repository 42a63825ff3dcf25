package attestation

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/flashbots/ledger-router/crypto"
)

var ErrNoEvidence = errors.New("no attestation data")

// SessionReportData binds a handshake to an attested process: bytes 0..32
// hold the Noise static key, bytes 32..64 the Ed25519 identity key.
func SessionReportData(staticKey []byte, identityKey crypto.PublicKey) [64]byte {
	var reportData [64]byte
	copy(reportData[:32], staticKey)
	copy(reportData[32:], identityKey)
	return reportData
}

// RegistrationReportData binds a shard's uri to its identity key.
func RegistrationReportData(uri string, identityKey crypto.PublicKey) [64]byte {
	hash := sha256.New()
	hash.Write([]byte(uri))
	hash.Write(identityKey)

	var reportData [64]byte
	copy(reportData[:], hash.Sum(nil))
	return reportData
}

// Verifier checks evidence with a Provider and, when a source is set,
// against the allowed measurements. A nil Verifier or one without a
// Provider accepts everything.
type Verifier struct {
	Provider Provider
	Source   MeasurementSource
}

// Enabled reports whether evidence is actually checked.
func (v *Verifier) Enabled() bool {
	return v != nil && v.Provider != nil
}

// Verify checks evidence against the expected report data.
func (v *Verifier) Verify(evidence []byte, reportData [64]byte) (Measurements, error) {
	if !v.Enabled() {
		return nil, nil
	}
	if len(evidence) == 0 {
		return nil, ErrNoEvidence
	}

	measurements, err := v.Provider.Verify(evidence, reportData)
	if err != nil {
		return nil, fmt.Errorf("could not verify attestation: %w", err)
	}

	if v.Source != nil {
		allowed, err := v.Source.Allowed()
		if err != nil {
			return nil, fmt.Errorf("could not fetch allowed measurements: %w", err)
		}
		if _, err := allowed.Match(measurements); err != nil {
			return nil, fmt.Errorf("attestation is not allowed: %w", err)
		}
	}

	return measurements, nil
}

// VerifySession checks handshake evidence for a shard's static key.
func (v *Verifier) VerifySession(staticKey []byte, identityKey crypto.PublicKey, evidence []byte) error {
	_, err := v.Verify(evidence, SessionReportData(staticKey, identityKey))
	return err
}
