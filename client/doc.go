// Package client is the ledger client: it authenticates directly to every
// shard through the router's handshake relay, encrypts one sub-request per
// shard, and merges the decrypted replies.
//
// The router is untrusted. Shard identity keys come from its shard list,
// but each handshake is checked against the listed key and, with a
// Verifier, against attestation evidence bound to the shard's static key.
// Freshness values are tracked across queries and any regression is
// reported as an anomaly.
package client
