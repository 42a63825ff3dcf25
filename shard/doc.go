// Package shard implements a ledger shard: the responder side of the
// channel handshake and the answering of encrypted sub-requests from a
// ledger.Oracle.
//
// Every query arrives doubly wrapped. The outer envelope is sealed on a
// channel the router established (role "router") and carries the shard uri
// as associated data; its plaintext is the inner envelope, sealed on a
// channel the client established (role "client"). The router never sees
// the inner plaintext.
//
// Query never fails with an error. It answers with one of four fixed
// statuses:
//
//   - Success, with the encrypted sub-response
//   - AuthenticationError, when either channel is unknown or was dropped
//   - NotReady, while ingestion is below the readiness floor
//   - InvalidArgument, for replays, tampering and undecodable payloads
//
// The Ingestor keeps the oracle up to date from a BlockSource.
package shard
