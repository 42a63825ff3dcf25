package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope is the wire unit exchanged over a Channel.
//
// ChannelID must name a channel the receiver holds; a receiver never falls
// back to another key when it does not. Nonce is always set by Encrypt.
// When absent the receiver uses its next expected counter value.
type Envelope struct {
	AAD        []byte  `json:"aad,omitempty"`
	ChannelID  []byte  `json:"channel_id"`
	Ciphertext []byte  `json:"ciphertext"`
	Nonce      *uint64 `json:"nonce,omitempty"`
}

// DecryptFailure enumerates the reasons a Decrypt call can fail.
type DecryptFailure uint8

const (
	UnknownChannel DecryptFailure = iota + 1
	AuthTagInvalid
	NonceReuse
)

func (f DecryptFailure) String() string {
	switch f {
	case UnknownChannel:
		return "unknown_channel"
	case AuthTagInvalid:
		return "auth_tag_invalid"
	case NonceReuse:
		return "nonce_reuse"
	default:
		return "unknown"
	}
}

// DecryptError is returned by Channel.Decrypt.
type DecryptError struct {
	Reason DecryptFailure
}

func (e *DecryptError) Error() string {
	return "decrypt: " + e.Reason.String()
}

// Is matches any DecryptError with the same reason.
func (e *DecryptError) Is(target error) bool {
	t, ok := target.(*DecryptError)
	return ok && t.Reason == e.Reason
}

var (
	ErrUnknownChannel = &DecryptError{Reason: UnknownChannel}
	ErrAuthTagInvalid = &DecryptError{Reason: AuthTagInvalid}
	ErrNonceReuse     = &DecryptError{Reason: NonceReuse}

	// ErrNonceExhausted is returned by Encrypt once the nonce space is used
	// up. The channel must be replaced by a fresh handshake.
	ErrNonceExhausted = errors.New("channel nonce space exhausted")
)

// Channel is an authenticated encrypted session established by a handshake.
// Its keys are owned by the Channel and zeroed by Close.
//
// All operations take the channel mutex, so nonce generation and replay
// tracking are serialised per channel.
type Channel struct {
	id []byte

	mu        sync.Mutex
	closed    bool
	sendKey   [chacha20poly1305.KeySize]byte
	recvKey   [chacha20poly1305.KeySize]byte
	sendNonce uint64
	recvNext  uint64
	window    replayWindow
}

func newChannel(id []byte, sendKey, recvKey [32]byte) (*Channel, error) {
	if len(id) == 0 {
		return nil, errors.New("empty channel id")
	}
	return &Channel{
		id:      bytes.Clone(id),
		sendKey: sendKey,
		recvKey: recvKey,
	}, nil
}

// ID returns a copy of the channel identifier.
func (c *Channel) ID() []byte {
	return bytes.Clone(c.id)
}

// IDString returns the hex channel identifier, used as a table key.
func (c *Channel) IDString() string {
	return hex.EncodeToString(c.id)
}

// Encrypt seals plaintext under the next send nonce. The nonce is always
// written into the envelope.
func (c *Channel) Encrypt(aad, plaintext []byte) (*Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrUnknownChannel
	}
	if c.sendNonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}

	aead, err := chacha20poly1305.New(c.sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	n := c.sendNonce
	c.sendNonce++

	ciphertext := aead.Seal(nil, nonceBytes(n), plaintext, c.associatedData(aad))
	return &Envelope{
		AAD:        bytes.Clone(aad),
		ChannelID:  c.ID(),
		Ciphertext: ciphertext,
		Nonce:      &n,
	}, nil
}

// Decrypt opens an envelope addressed to this channel.
//
// A mismatched channel id or a closed channel fails with UnknownChannel
// before any key is used. A nonce already accepted, or one that fell out of
// the replay window, fails with NonceReuse.
func (c *Channel) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrAuthTagInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(env.ChannelID) == 0 || !bytes.Equal(env.ChannelID, c.id) {
		return nil, ErrUnknownChannel
	}

	n := c.recvNext
	if env.Nonce != nil {
		n = *env.Nonce
	}
	if !c.window.accepts(n) {
		return nil, ErrNonceReuse
	}

	aead, err := chacha20poly1305.New(c.recvKey[:])
	if err != nil {
		return nil, ErrAuthTagInvalid
	}

	plaintext, err := aead.Open(nil, nonceBytes(n), env.Ciphertext, c.associatedData(env.AAD))
	if err != nil {
		return nil, ErrAuthTagInvalid
	}

	c.window.mark(n)
	if n >= c.recvNext && n != math.MaxUint64 {
		c.recvNext = n + 1
	}
	return plaintext, nil
}

// Close zeroes both session keys. Every later operation fails with
// UnknownChannel. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	Zero(c.sendKey[:])
	Zero(c.recvKey[:])
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// associatedData binds the ciphertext to this channel.
func (c *Channel) associatedData(aad []byte) []byte {
	ad := make([]byte, 0, len(c.id)+len(aad))
	ad = append(ad, c.id...)
	return append(ad, aad...)
}

func nonceBytes(n uint64) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return nonce[:]
}
