/*
Package testutil provides fixtures for tests across the router, shard and
client packages.

	// Start an in-process shard with blocks 0..9 ingested
	sh := testutil.StartShard(t, testutil.WithBlocks(10))

	// Register it with a router registry
	err := registry.Register(ctx, sh.Registration(t))

	// Talk to it as a client would
	ch := sh.ClientChannel(t)
	env := testutil.EncryptKeys(t, ch, testutil.TestKey(3))

Shards use attestation.DummyProvider unless WithoutAttestation is given, so
a router or client verifying with DummyProvider and
attestation.DemoSource accepts them.
*/
package testutil
