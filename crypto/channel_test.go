package crypto

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannel_RoundTrip(t *testing.T) {
	clientCh, shardCh := establish(t)

	env, err := clientCh.Encrypt([]byte("aad"), []byte("query"))
	require.NoError(t, err)
	require.NotNil(t, env.Nonce)
	require.Equal(t, uint64(0), *env.Nonce)
	require.Equal(t, clientCh.ID(), env.ChannelID)

	plaintext, err := shardCh.Decrypt(env)
	require.NoError(t, err)
	require.Equal(t, []byte("query"), plaintext)

	resp, err := shardCh.Encrypt(nil, []byte("response"))
	require.NoError(t, err)

	plaintext, err = clientCh.Decrypt(resp)
	require.NoError(t, err)
	require.Equal(t, []byte("response"), plaintext)
}

func TestChannel_NonceReuseRejected(t *testing.T) {
	clientCh, shardCh := establish(t)

	env, err := clientCh.Encrypt(nil, []byte("once"))
	require.NoError(t, err)

	_, err = shardCh.Decrypt(env)
	require.NoError(t, err)

	_, err = shardCh.Decrypt(env)
	require.ErrorIs(t, err, ErrNonceReuse)
}

func TestChannel_OutOfOrderWithinWindow(t *testing.T) {
	clientCh, shardCh := establish(t)

	envs := make([]*Envelope, 5)
	for i := range envs {
		env, err := clientCh.Encrypt(nil, []byte{byte(i)})
		require.NoError(t, err)
		envs[i] = env
	}

	for _, i := range []int{3, 0, 4, 1, 2} {
		plaintext, err := shardCh.Decrypt(envs[i])
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, plaintext)
	}

	for _, env := range envs {
		_, err := shardCh.Decrypt(env)
		require.ErrorIs(t, err, ErrNonceReuse)
	}
}

func TestChannel_ImplicitNonce(t *testing.T) {
	clientCh, shardCh := establish(t)

	first, err := clientCh.Encrypt(nil, []byte("a"))
	require.NoError(t, err)
	second, err := clientCh.Encrypt(nil, []byte("b"))
	require.NoError(t, err)

	first.Nonce = nil
	plaintext, err := shardCh.Decrypt(first)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), plaintext)

	second.Nonce = nil
	plaintext, err = shardCh.Decrypt(second)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), plaintext)
}

func TestChannel_UnknownChannel(t *testing.T) {
	clientCh, shardCh := establish(t)
	otherCh, _ := establish(t)

	env, err := otherCh.Encrypt(nil, []byte("x"))
	require.NoError(t, err)

	_, err = shardCh.Decrypt(env)
	require.ErrorIs(t, err, ErrUnknownChannel)

	env, err = clientCh.Encrypt(nil, []byte("x"))
	require.NoError(t, err)
	env.ChannelID = nil
	_, err = shardCh.Decrypt(env)
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestChannel_AuthTagInvalid(t *testing.T) {
	clientCh, shardCh := establish(t)

	env, err := clientCh.Encrypt([]byte("aad"), []byte("payload"))
	require.NoError(t, err)

	tampered := *env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 1
	_, err = shardCh.Decrypt(&tampered)
	require.ErrorIs(t, err, ErrAuthTagInvalid)

	tampered = *env
	tampered.AAD = []byte("other")
	_, err = shardCh.Decrypt(&tampered)
	require.ErrorIs(t, err, ErrAuthTagInvalid)

	// A rejected forgery does not burn the nonce.
	plaintext, err := shardCh.Decrypt(env)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), plaintext)
}

func TestChannel_CloseZeroesKeys(t *testing.T) {
	clientCh, shardCh := establish(t)

	env, err := clientCh.Encrypt(nil, []byte("x"))
	require.NoError(t, err)

	shardCh.Close()
	shardCh.Close()
	require.True(t, shardCh.Closed())
	require.Equal(t, [32]byte{}, shardCh.sendKey)
	require.Equal(t, [32]byte{}, shardCh.recvKey)

	_, err = shardCh.Decrypt(env)
	require.ErrorIs(t, err, ErrUnknownChannel)

	_, err = shardCh.Encrypt(nil, []byte("y"))
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestChannel_ConcurrentEncryptUniqueNonces(t *testing.T) {
	clientCh, shardCh := establish(t)

	const n = 64
	envs := make([]*Envelope, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := clientCh.Encrypt(nil, []byte{byte(i)})
			require.NoError(t, err)
			envs[i] = env
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, env := range envs {
		require.False(t, seen[*env.Nonce])
		seen[*env.Nonce] = true

		_, err := shardCh.Decrypt(env)
		require.NoError(t, err)
	}
}

func TestDecryptError_Is(t *testing.T) {
	err := error(&DecryptError{Reason: NonceReuse})
	require.ErrorIs(t, err, ErrNonceReuse)
	require.NotErrorIs(t, err, ErrUnknownChannel)
	require.Equal(t, "decrypt: nonce_reuse", err.Error())
}
