package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()

	_, sk, err := GenerateKeyPair()
	require.NoError(t, err)

	id, err := NewIdentity(sk, 0)
	require.NoError(t, err)
	return id
}

func establish(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	client := newTestIdentity(t)
	shard := newTestIdentity(t)

	init, msg1, err := NewInitiator(client, []byte("client"))
	require.NoError(t, err)

	shardCh, msg2, clientPeer, err := Respond(shard, msg1, []byte("evidence"))
	require.NoError(t, err)
	require.True(t, clientPeer.IdentityKey.Equal(client.PublicKey()))
	require.Equal(t, []byte("client"), clientPeer.Data)

	clientCh, shardPeer, err := init.Finish(msg2)
	require.NoError(t, err)
	require.True(t, shardPeer.IdentityKey.Equal(shard.PublicKey()))
	require.Equal(t, shard.Static.Public, shardPeer.StaticKey)
	require.Equal(t, []byte("evidence"), shardPeer.Data)

	return clientCh, shardCh
}

func TestHandshake_ChannelIDsMatch(t *testing.T) {
	clientCh, shardCh := establish(t)

	require.NotEmpty(t, clientCh.ID())
	require.Equal(t, clientCh.ID(), shardCh.ID())
	require.Equal(t, clientCh.IDString(), shardCh.IDString())
}

func TestHandshake_DistinctSessions(t *testing.T) {
	a, _ := establish(t)
	b, _ := establish(t)

	require.NotEqual(t, a.ID(), b.ID())
}

func TestHandshake_TamperedSecondMessage(t *testing.T) {
	client := newTestIdentity(t)
	shard := newTestIdentity(t)

	init, msg1, err := NewInitiator(client, nil)
	require.NoError(t, err)

	_, msg2, _, err := Respond(shard, msg1, nil)
	require.NoError(t, err)

	msg2[len(msg2)-1] ^= 0xff

	_, _, err = init.Finish(msg2)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
}

func TestHandshake_FinishTwice(t *testing.T) {
	client := newTestIdentity(t)
	shard := newTestIdentity(t)

	init, msg1, err := NewInitiator(client, nil)
	require.NoError(t, err)
	_, msg2, _, err := Respond(shard, msg1, nil)
	require.NoError(t, err)

	_, _, err = init.Finish(msg2)
	require.NoError(t, err)

	_, _, err = init.Finish(msg2)
	require.ErrorIs(t, err, ErrHandshakeState)
}

func TestHandshake_GarbageFirstMessage(t *testing.T) {
	shard := newTestIdentity(t)

	_, _, _, err := Respond(shard, []byte("not a noise message"), nil)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
}

func TestHandshake_StaticKeyNotBoundToIdentity(t *testing.T) {
	client := newTestIdentity(t)
	other := newTestIdentity(t)

	// Payload signed over other's static key, presented with client's.
	payload, err := newHandshakePayload(other, nil)
	require.NoError(t, err)

	_, err = parseHandshakePayload(payload, client.Static.Public)
	require.Error(t, err)

	peer, err := parseHandshakePayload(payload, other.Static.Public)
	require.NoError(t, err)
	require.True(t, peer.IdentityKey.Equal(other.PublicKey()))
}

func TestIdentity_RotateChangesStaticKey(t *testing.T) {
	id := newTestIdentity(t)

	next, err := id.Rotate()
	require.NoError(t, err)
	require.Equal(t, uint64(1), next.Epoch)
	require.NotEqual(t, id.Static.Public, next.Static.Public)
	require.True(t, id.PublicKey().Equal(next.PublicKey()))

	again, err := NewIdentity(id.SigningKey, 1)
	require.NoError(t, err)
	require.Equal(t, next.Static.Public, again.Static.Public)
}
