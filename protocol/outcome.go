package protocol

import (
	"fmt"

	"github.com/flashbots/ledger-router/crypto"
)

// OutcomeKind is the closed set of per-shard results of a routed query.
// Adding a kind is a protocol version change.
type OutcomeKind uint8

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeAuthenticationError
	OutcomeNotReady
	OutcomeInvalidArgument
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthenticationError:
		return "authentication_error"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeInvalidArgument:
		return "invalid_argument"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the four defined kinds.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSuccess, OutcomeAuthenticationError, OutcomeNotReady, OutcomeInvalidArgument:
		return true
	}
	return false
}

// Outcome is the result for one shard. Every outcome names its shard;
// only Success carries an envelope. Outcomes never carry error text.
type Outcome struct {
	Kind     OutcomeKind      `json:"kind"`
	ShardURI string           `json:"shard_uri"`
	Envelope *crypto.Envelope `json:"envelope,omitempty"`
}

func Success(uri string, env *crypto.Envelope) Outcome {
	return Outcome{Kind: OutcomeSuccess, ShardURI: uri, Envelope: env}
}

func AuthenticationError(uri string) Outcome {
	return Outcome{Kind: OutcomeAuthenticationError, ShardURI: uri}
}

func NotReady(uri string) Outcome {
	return Outcome{Kind: OutcomeNotReady, ShardURI: uri}
}

func InvalidArgument(uri string) Outcome {
	return Outcome{Kind: OutcomeInvalidArgument, ShardURI: uri}
}

// ShardStatus is the fixed-width status a shard returns for a single-shard
// query. Only StatusSuccess is accompanied by an envelope.
type ShardStatus uint8

const (
	StatusSuccess ShardStatus = iota + 1
	StatusAuthenticationError
	StatusNotReady
	StatusInvalidArgument
)

func (s ShardStatus) String() string {
	return s.OutcomeKind().String()
}

// OutcomeKind maps a shard status onto the router outcome of the same name.
// Unknown statuses map to InvalidArgument.
func (s ShardStatus) OutcomeKind() OutcomeKind {
	switch s {
	case StatusSuccess:
		return OutcomeSuccess
	case StatusAuthenticationError:
		return OutcomeAuthenticationError
	case StatusNotReady:
		return OutcomeNotReady
	default:
		return OutcomeInvalidArgument
	}
}

// ChannelScope names the channel an AuthenticationError refers to: the
// router's own channel to the shard, or the client channel inside it.
type ChannelScope uint8

const (
	ScopeRouter ChannelScope = iota + 1
	ScopeClient
)

func (s ChannelScope) String() string {
	switch s {
	case ScopeRouter:
		return "router"
	case ScopeClient:
		return "client"
	default:
		return "unknown"
	}
}
