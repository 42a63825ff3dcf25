package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const staticKeyInfo = "ledger-router static key v1"

// Identity is the long-term signing key of a party together with the Noise
// static keypair currently in use. The static keypair is derived from the
// signing key and a key epoch, so a shard rotates its static key by bumping
// the epoch without losing its identity.
type Identity struct {
	SigningKey PrivateKey
	Epoch      uint64
	Static     noise.DHKey
}

// NewIdentity derives the Noise static keypair for the given epoch.
func NewIdentity(signingKey PrivateKey, epoch uint64) (*Identity, error) {
	if _, err := signingKey.PublicKey(); err != nil {
		return nil, err
	}

	static, err := DeriveStaticKey(signingKey, epoch)
	if err != nil {
		return nil, err
	}

	return &Identity{
		SigningKey: signingKey,
		Epoch:      epoch,
		Static:     static,
	}, nil
}

// PublicKey returns the Ed25519 identity key.
func (id *Identity) PublicKey() PublicKey {
	pk, _ := id.SigningKey.PublicKey()
	return pk
}

// Rotate returns the identity for the next key epoch.
func (id *Identity) Rotate() (*Identity, error) {
	return NewIdentity(id.SigningKey, id.Epoch+1)
}

// Wipe zeroes the static private key.
func (id *Identity) Wipe() {
	Zero(id.Static.Private)
}

// DeriveStaticKey derives an X25519 keypair from the Ed25519 seed using
// HKDF-SHA256, with the epoch mixed into the info string.
func DeriveStaticKey(signingKey PrivateKey, epoch uint64) (noise.DHKey, error) {
	if len(signingKey) < 32 {
		return noise.DHKey{}, errors.New("invalid private key size")
	}

	info := make([]byte, len(staticKeyInfo)+8)
	copy(info, staticKeyInfo)
	binary.BigEndian.PutUint64(info[len(staticKeyInfo):], epoch)

	kdf := hkdf.New(sha256.New, signingKey[:32], nil, info)
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := kdf.Read(priv); err != nil {
		return noise.DHKey{}, fmt.Errorf("deriving static key: %w", err)
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		Zero(priv)
		return noise.DHKey{}, fmt.Errorf("deriving static public key: %w", err)
	}

	return noise.DHKey{Private: priv, Public: pub}, nil
}
