// Package router implements the untrusted query router.
//
// The router keeps an ordered registry of shards. For each shard it holds
// an authenticated channel of its own, used to wrap the client's encrypted
// sub-request once more before forwarding it. The router never sees query
// plaintext: it relays the client's handshake to the shard and forwards
// envelopes it cannot open.
//
// Submit fans a multi-shard request out concurrently and answers with one
// outcome per registered shard, in registration order:
//
//	Success              the shard's reply envelope, for the client to open
//	AuthenticationError  the channel is gone; the client must re-authenticate
//	NotReady             the shard is unreachable, slow or still ingesting
//	InvalidArgument      the sub-request was missing or malformed
//
// Registrations are signed by the shard's identity key and carry
// attestation evidence binding the shard uri to that key. They are
// persisted through a RegistryStore (PostgreSQL or in memory) and restored
// in order on startup.
package router
