package crypto

// replayWindowSize is the number of nonces behind the highest accepted nonce
// that are still tracked. Anything older is rejected as a replay.
const replayWindowSize = 1024

const replayWindowWords = replayWindowSize / 64

// replayWindow is a sliding bitmap over received nonces. It is not safe for
// concurrent use; Channel guards it with its own mutex.
type replayWindow struct {
	highest uint64
	seenAny bool
	bits    [replayWindowWords]uint64
}

// accepts reports whether n has not been seen and is inside the window.
func (w *replayWindow) accepts(n uint64) bool {
	if !w.seenAny || n > w.highest {
		return true
	}
	if w.highest-n >= replayWindowSize {
		return false
	}
	return !w.bit(n)
}

// mark records n as received. Callers check accepts first.
func (w *replayWindow) mark(n uint64) {
	if !w.seenAny {
		w.seenAny = true
		w.highest = n
		w.set(n)
		return
	}

	if n > w.highest {
		if n-w.highest >= replayWindowSize {
			w.bits = [replayWindowWords]uint64{}
		} else {
			for i := w.highest + 1; i < n; i++ {
				w.clear(i)
			}
		}
		w.highest = n
	}
	w.set(n)
}

func (w *replayWindow) bit(n uint64) bool {
	idx := n % replayWindowSize
	return w.bits[idx/64]&(1<<(idx%64)) != 0
}

func (w *replayWindow) set(n uint64) {
	idx := n % replayWindowSize
	w.bits[idx/64] |= 1 << (idx % 64)
}

func (w *replayWindow) clear(n uint64) {
	idx := n % replayWindowSize
	w.bits[idx/64] &^= 1 << (idx % 64)
}
