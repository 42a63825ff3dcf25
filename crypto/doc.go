// Package crypto provides the session layer used between clients, routers
// and shards.
//
// # Identities
//
// Every party holds an Ed25519 signing key (PrivateKey/PublicKey). The Noise
// static key used in handshakes is derived from the signing seed and a key
// epoch with HKDF-SHA256, so a shard can rotate its static key without
// changing the identity it is registered under.
//
// # Handshake
//
// Channels are established with a two-message Noise IX exchange
// (25519_ChaChaPoly_SHA256):
//
//	-> e, s, payload(identity key, sig(static key), data)
//	<- e, ee, se, s, es, payload(identity key, sig(static key), data)
//
// The responder's data carries attestation evidence bound to its static key;
// verifying it is left to the caller. No session key exists before both
// messages have been processed.
//
// # Channels
//
// A Channel owns a send and a receive key, a sequential send counter and a
// sliding replay window over received nonces. Every envelope carries an
// explicit nonce and the channel id; the channel id (the Noise handshake hash)
// is also mixed into the AEAD associated data. Decrypt reports failures as a
// DecryptError with one of three reasons:
//
//   - UnknownChannel: the envelope names another channel or the channel was
//     closed. No key is touched.
//   - AuthTagInvalid: the ciphertext or associated data was modified.
//   - NonceReuse: the nonce was already accepted or is older than the window.
//
// Close zeroes both keys. Ciphertext length depends only on plaintext length.
package crypto
