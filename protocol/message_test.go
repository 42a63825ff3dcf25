package protocol

import (
	"encoding/json"
	"testing"

	"github.com/flashbots/ledger-router/crypto"
	"github.com/stretchr/testify/require"
)

func TestSigned_RecoverRoundTrip(t *testing.T) {
	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	reg := &ShardRegistration{URI: "http://shard-0:8080", IdentityKey: pk}
	signed, err := NewSigned(sk, reg)
	require.NoError(t, err)

	data, err := json.Marshal(signed)
	require.NoError(t, err)

	decoded, err := UnmarshalMessage[Signed[ShardRegistration]](data)
	require.NoError(t, err)

	obj, signer, err := decoded.Recover()
	require.NoError(t, err)
	require.True(t, signer.Equal(pk))
	require.Equal(t, reg.URI, obj.URI)
}

func TestSigned_TamperedObject(t *testing.T) {
	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(sk, &ShardRegistration{URI: "http://shard-0:8080", IdentityKey: pk})
	require.NoError(t, err)

	signed.Object.URI = "http://evil:8080"
	_, _, err = signed.Recover()
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSigned_SubstitutedKeyOrEmpty(t *testing.T) {
	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	other, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(sk, &ShardRegistration{URI: "http://shard-0:8080", IdentityKey: pk})
	require.NoError(t, err)
	signed.PublicKey = other
	_, _, err = signed.Recover()
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, _, err = (&Signed[ShardRegistration]{}).Recover()
	require.ErrorIs(t, err, ErrEmptyObject)

	_, err = NewSigned[ShardRegistration](sk, nil)
	require.ErrorIs(t, err, ErrEmptyObject)
}

func TestShardRegistration_Validate(t *testing.T) {
	pk, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, (&ShardRegistration{URI: "http://shard:1", IdentityKey: pk}).Validate())
	require.Error(t, (&ShardRegistration{URI: "", IdentityKey: pk}).Validate())
	require.Error(t, (&ShardRegistration{URI: "shard", IdentityKey: pk}).Validate())
	require.Error(t, (&ShardRegistration{URI: "http://shard:1", IdentityKey: pk[:4]}).Validate())
}

func TestShardStatus_OutcomeKind(t *testing.T) {
	require.Equal(t, OutcomeSuccess, StatusSuccess.OutcomeKind())
	require.Equal(t, OutcomeAuthenticationError, StatusAuthenticationError.OutcomeKind())
	require.Equal(t, OutcomeNotReady, StatusNotReady.OutcomeKind())
	require.Equal(t, OutcomeInvalidArgument, StatusInvalidArgument.OutcomeKind())
	require.Equal(t, OutcomeInvalidArgument, ShardStatus(42).OutcomeKind())

	require.True(t, OutcomeNotReady.Valid())
	require.False(t, OutcomeKind(0).Valid())
}

func TestOutcome_JSONCarriesNoErrorText(t *testing.T) {
	data, err := json.Marshal(NotReady("http://shard-1:8080"))
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":3,"shard_uri":"http://shard-1:8080"}`, string(data))
}
