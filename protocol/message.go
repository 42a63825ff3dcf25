package protocol

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/flashbots/ledger-router/crypto"
)

// signedDomain prefixes every signed payload so a registration signature
// can never be confused with the static-key signature made in handshakes.
const signedDomain = "ledger-router/signed/v1:"

var (
	// ErrInvalidSignature is returned by Signed.Recover.
	ErrInvalidSignature = errors.New("signature not valid")
	// ErrEmptyObject is returned by Signed.Recover when there is nothing signed.
	ErrEmptyObject = errors.New("empty object")
)

// Signed wraps a control-plane object with the signer's identity key.
// The signature covers the domain prefix, the JSON object and the key, so
// neither can be swapped independently.
type Signed[T any] struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
	Object    *T               `json:"object"`
}

func signedPayload(obj any, pubkey crypto.PublicKey) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, len(signedDomain)+len(raw)+len(pubkey))
	payload = append(payload, signedDomain...)
	payload = append(payload, raw...)
	return append(payload, pubkey...), nil
}

// NewSigned signs obj with privkey.
func NewSigned[T any](privkey crypto.PrivateKey, obj *T) (*Signed[T], error) {
	if obj == nil {
		return nil, ErrEmptyObject
	}
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}

	payload, err := signedPayload(obj, pubkey)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(privkey, payload)
	if err != nil {
		return nil, err
	}

	return &Signed[T]{
		PublicKey: crypto.NewPublicKeyFromBytes(pubkey),
		Signature: signature,
		Object:    obj,
	}, nil
}

// UnsafeObject returns the object without checking the signature.
func (s *Signed[T]) UnsafeObject() *T {
	return s.Object
}

// Recover checks the signature and returns the object with its signer.
// Callers still have to decide whether the signer is acceptable.
func (s *Signed[T]) Recover() (*T, crypto.PublicKey, error) {
	if s == nil || s.Object == nil {
		return nil, nil, ErrEmptyObject
	}

	payload, err := signedPayload(s.Object, s.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	if !s.Signature.Verify(s.PublicKey, payload) {
		return nil, nil, ErrInvalidSignature
	}
	return s.Object, s.PublicKey, nil
}

// UnmarshalMessage decodes a JSON message.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeMessage decodes one JSON message from reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	if err := json.NewDecoder(reader).Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
