package protocol

import (
	"errors"
	"net/url"

	"github.com/flashbots/ledger-router/crypto"
)

// Role is declared by an initiator in its handshake data. A shard keeps the
// role next to every channel it holds.
type Role string

const (
	// RoleRouter channels carry the outer layer of a routed query.
	RoleRouter Role = "router"
	// RoleClient channels carry the end-to-end sub-request.
	RoleClient Role = "client"
)

// Valid returns true if the role is recognized.
func (r Role) Valid() bool {
	switch r {
	case RoleRouter, RoleClient:
		return true
	}
	return false
}

// HandshakeData is the application payload carried inside handshake
// messages. Initiators set Role; shards set the attestation fields.
type HandshakeData struct {
	Role            Role   `json:"role,omitempty"`
	AttestationType string `json:"attestation_type,omitempty"`
	Evidence        []byte `json:"evidence,omitempty"`
}

// AuthRequest carries the first handshake message. ShardURI is set on the
// router's client-facing surface and names the shard to relay to.
type AuthRequest struct {
	ShardURI string `json:"shard_uri,omitempty"`
	Message  []byte `json:"message"`
}

// AuthResponse carries the second handshake message.
type AuthResponse struct {
	Message []byte `json:"message"`
}

// ShardQuery is one client-encrypted sub-request. ShardURI addresses it;
// when no query in a request names a shard, queries are matched to the
// registered shards by position.
type ShardQuery struct {
	ShardURI string           `json:"shard_uri,omitempty"`
	Envelope *crypto.Envelope `json:"envelope"`
}

// MultiShardRequest is what a client submits to the router.
type MultiShardRequest struct {
	Queries []ShardQuery `json:"queries"`
}

// MultiShardResponse holds exactly one outcome per shard registered when
// the request was accepted, in registration order.
type MultiShardResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// ShardQueryRequest is sent by the router to a shard. The envelope is on a
// router channel and its plaintext is the client's envelope.
type ShardQueryRequest struct {
	Envelope *crypto.Envelope `json:"envelope"`
}

// ShardQueryResponse is a shard's reply to a ShardQueryRequest. Scope is
// set only with StatusAuthenticationError; a missing scope is treated as
// ScopeRouter.
type ShardQueryResponse struct {
	Status   ShardStatus      `json:"status"`
	Scope    ChannelScope     `json:"scope,omitempty"`
	Envelope *crypto.Envelope `json:"envelope,omitempty"`
}

// ShardRegistration is published by a shard and forwarded by an
// administrator to the router's admin surface.
type ShardRegistration struct {
	URI             string           `json:"uri"`
	IdentityKey     crypto.PublicKey `json:"identity_key"`
	AttestationType string           `json:"attestation_type,omitempty"`
	Attestation     []byte           `json:"attestation,omitempty"`
}

// Validate checks the registration fields that do not need a verifier.
func (r *ShardRegistration) Validate() error {
	if r.URI == "" {
		return errors.New("empty shard uri")
	}
	u, err := url.Parse(r.URI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("shard uri must be absolute")
	}
	if len(r.IdentityKey) != 32 {
		return errors.New("invalid identity key")
	}
	return nil
}

// ShardInfo describes a registered shard on the public listing.
type ShardInfo struct {
	URI         string           `json:"uri"`
	IdentityKey crypto.PublicKey `json:"identity_key"`
}

// ShardListResponse lists registered shards in registration order.
type ShardListResponse struct {
	Shards []ShardInfo `json:"shards"`
}
