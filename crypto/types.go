package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key size")
	ErrInvalidPrivateKey = errors.New("invalid private key size")
)

// PublicKey is an Ed25519 identity key. It pins a shard in the router
// registry and in the client's shard list, independently of the Noise
// static key the shard currently uses. It is hex-encoded in JSON.
type PublicKey []byte

// NewPublicKeyFromBytes copies data into a PublicKey.
func NewPublicKeyFromBytes(data []byte) PublicKey {
	return PublicKey(append([]byte(nil), data...))
}

// NewPublicKeyFromString parses a hex identity key, with or without 0x.
func NewPublicKeyFromString(data string) (PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return PublicKey(raw), nil
}

func (pk PublicKey) Bytes() []byte {
	return pk
}

// Equal compares two keys in constant time. Keys of different length are
// never equal.
func (pk PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk, other) == 1
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk)
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*pk = nil
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	*pk = raw
	return nil
}

// PrivateKey is an Ed25519 signing key. Its seed also derives the Noise
// static key of every key epoch.
type PrivateKey []byte

// NewPrivateKeyFromBytes copies data into a PrivateKey.
func NewPrivateKeyFromBytes(data []byte) PrivateKey {
	return PrivateKey(append([]byte(nil), data...))
}

func (sk PrivateKey) Bytes() []byte {
	return sk
}

// PublicKey returns the identity key embedded in sk.
func (sk PrivateKey) PublicKey() (PublicKey, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return NewPublicKeyFromBytes(sk[ed25519.SeedSize:]), nil
}

// GenerateKeyPair generates a new identity key pair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PublicKey(pub), PrivateKey(priv), nil
}

// Signature is an Ed25519 signature.
type Signature []byte

func NewSignature(data []byte) Signature {
	return Signature(append([]byte(nil), data...))
}

func (s Signature) Bytes() []byte {
	return s
}

// Verify reports whether s signs data under publicKey.
func (s Signature) Verify(publicKey PublicKey, data []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(s) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, s)
}

func (s Signature) String() string {
	return hex.EncodeToString(s)
}

// Sign signs data with privateKey.
func Sign(privateKey PrivateKey, data []byte) (Signature, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return Signature(ed25519.Sign(ed25519.PrivateKey(privateKey), data)), nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	clear(b)
}
