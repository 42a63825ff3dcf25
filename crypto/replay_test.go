package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayWindow(t *testing.T) {
	var w replayWindow

	require.True(t, w.accepts(0))
	w.mark(0)
	require.False(t, w.accepts(0))

	require.True(t, w.accepts(10))
	w.mark(10)
	for i := uint64(1); i < 10; i++ {
		require.True(t, w.accepts(i), "nonce %d", i)
	}

	w.mark(5)
	require.False(t, w.accepts(5))
	require.True(t, w.accepts(6))
}

func TestReplayWindow_SlidesPastOldNonces(t *testing.T) {
	var w replayWindow

	w.mark(1)
	w.mark(replayWindowSize + 1)

	// Fell out of the window.
	require.False(t, w.accepts(1))
	require.False(t, w.accepts(0))

	// Still inside and unseen.
	require.True(t, w.accepts(2))

	// The slot shared with nonce 1 was cleared, only the new nonce is set.
	require.False(t, w.accepts(replayWindowSize+1))
}

func TestReplayWindow_LargeJumpClearsBitmap(t *testing.T) {
	var w replayWindow

	for i := uint64(0); i < 100; i++ {
		w.mark(i)
	}
	w.mark(10 * replayWindowSize)

	base := uint64(10*replayWindowSize - replayWindowSize + 1)
	for i := base; i < base+100; i++ {
		require.True(t, w.accepts(i), "nonce %d", i)
	}
}
