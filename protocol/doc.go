// Package protocol defines the messages exchanged between ledger clients,
// the router and shards.
//
// # Services
//
// The router exposes a client-facing service:
//
//	Auth(AuthRequest{shard_uri, message}) -> AuthResponse{message}
//	Query(MultiShardRequest) -> MultiShardResponse
//
// Auth relays a client's Noise message to the named shard; the router does
// not take part in the client/shard key agreement. Query fans one
// client-encrypted sub-request per shard out to every registered shard.
//
// Shards expose the shard-facing service:
//
//	Auth(AuthRequest{message}) -> AuthResponse{message}
//	SingleShardQuery(ShardQueryRequest) -> ShardQueryResponse{status, envelope}
//
// A routed query is doubly enveloped. The client encrypts a SubRequest on
// its own channel with the shard; the router wraps that envelope on its own
// channel with the shard. The shard answers in the same two layers.
//
// # Outcomes
//
// MultiShardResponse holds exactly one Outcome per registered shard in
// registration order. Outcome kinds are a closed set: Success,
// AuthenticationError, NotReady and InvalidArgument. Each names its shard so
// a client can re-authenticate exactly the shard that needs it. Outcomes
// never contain error strings.
//
// # Fixed-width coding
//
// SubRequest and SubResponse plaintexts use a fixed-width binary layout
// (codec.go). A sub-response for n keys is always SubResponseSize(n) bytes,
// whatever the per-key result codes are.
//
// # Signed messages
//
// Control-plane messages such as ShardRegistration travel as Signed[T]:
// an Ed25519 signature over the JSON serialization of the object followed by
// the signer key.
package protocol
