package crypto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

const (
	// handshakePrologue is mixed into every handshake hash, so peers speaking
	// another protocol never derive matching keys.
	handshakePrologue = "ledger-router/noise-ix/1"

	staticKeySigPrefix = "ledger-router-static-key:"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ErrHandshakeState is returned when a handshake step is used out of order.
var ErrHandshakeState = errors.New("handshake already finished")

// HandshakeError wraps every failure of the key exchange.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return "handshake failed: " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func handshakeErr(format string, args ...any) error {
	return &HandshakeError{Err: fmt.Errorf(format, args...)}
}

// Peer describes the remote party of a completed handshake.
type Peer struct {
	IdentityKey PublicKey
	StaticKey   []byte
	// Data is the application payload the peer attached to its handshake
	// message (role declaration, attestation evidence).
	Data []byte
}

// handshakePayload binds the Noise static key to the Ed25519 identity.
type handshakePayload struct {
	IdentityKey PublicKey `json:"identity_key"`
	Signature   Signature `json:"signature"`
	Data        []byte    `json:"data,omitempty"`
}

func newHandshakePayload(id *Identity, data []byte) ([]byte, error) {
	sig, err := Sign(id.SigningKey, append([]byte(staticKeySigPrefix), id.Static.Public...))
	if err != nil {
		return nil, err
	}
	return json.Marshal(&handshakePayload{
		IdentityKey: id.PublicKey(),
		Signature:   sig,
		Data:        data,
	})
}

func parseHandshakePayload(raw []byte, remoteStatic []byte) (*Peer, error) {
	var payload handshakePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("invalid remote static key length: %d", len(remoteStatic))
	}
	if !payload.Signature.Verify(payload.IdentityKey, append([]byte(staticKeySigPrefix), remoteStatic...)) {
		return nil, errors.New("remote static key not bound to identity key")
	}
	return &Peer{
		IdentityKey: payload.IdentityKey,
		StaticKey:   append([]byte(nil), remoteStatic...),
		Data:        payload.Data,
	}, nil
}

// Initiator is the first half of a Noise IX exchange. It holds no session
// keys; dropping it before Finish leaves nothing to clean up.
type Initiator struct {
	hs   *noise.HandshakeState
	done bool
}

// NewInitiator starts a handshake and returns the first message
// (ephemeral key, static key, identity payload).
func NewInitiator(id *Identity, data []byte) (*Initiator, []byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIX,
		Initiator:     true,
		Prologue:      []byte(handshakePrologue),
		StaticKeypair: id.Static,
	})
	if err != nil {
		return nil, nil, handshakeErr("creating handshake state: %w", err)
	}

	payload, err := newHandshakePayload(id, data)
	if err != nil {
		return nil, nil, handshakeErr("creating payload: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, handshakeErr("write message 1: %w", err)
	}

	return &Initiator{hs: hs}, msg1, nil
}

// Finish consumes the responder's message and returns the established
// channel. The caller is expected to check Peer before using the channel
// and to Close it if the peer is not acceptable.
func (i *Initiator) Finish(msg2 []byte) (*Channel, *Peer, error) {
	if i.done {
		return nil, nil, &HandshakeError{Err: ErrHandshakeState}
	}
	i.done = true

	payload, cs1, cs2, err := i.hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, handshakeErr("read message 2: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, handshakeErr("handshake incomplete")
	}

	peer, err := parseHandshakePayload(payload, i.hs.PeerStatic())
	if err != nil {
		return nil, nil, &HandshakeError{Err: err}
	}

	// cs1 = send, cs2 = recv for the initiator
	ch, err := newChannel(i.hs.ChannelBinding(), cs1.UnsafeKey(), cs2.UnsafeKey())
	if err != nil {
		return nil, nil, &HandshakeError{Err: err}
	}
	return ch, peer, nil
}

// Respond answers an initiator's first message. The returned Peer must be
// checked by the caller before the channel is published.
func Respond(id *Identity, msg1 []byte, data []byte) (*Channel, []byte, *Peer, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIX,
		Initiator:     false,
		Prologue:      []byte(handshakePrologue),
		StaticKeypair: id.Static,
	})
	if err != nil {
		return nil, nil, nil, handshakeErr("creating handshake state: %w", err)
	}

	remotePayload, _, _, err := hs.ReadMessage(nil, msg1)
	if err != nil {
		return nil, nil, nil, handshakeErr("read message 1: %w", err)
	}

	peer, err := parseHandshakePayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, nil, nil, &HandshakeError{Err: err}
	}

	payload, err := newHandshakePayload(id, data)
	if err != nil {
		return nil, nil, nil, handshakeErr("creating payload: %w", err)
	}

	msg2, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, handshakeErr("write message 2: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, nil, handshakeErr("handshake incomplete")
	}

	// reversed for the responder: cs2 = send, cs1 = recv
	ch, err := newChannel(hs.ChannelBinding(), cs2.UnsafeKey(), cs1.UnsafeKey())
	if err != nil {
		return nil, nil, nil, &HandshakeError{Err: err}
	}
	return ch, msg2, peer, nil
}
