package session

// ReplayWindowSize is how far behind the highest accepted counter a late
// message may still be accepted
const ReplayWindowSize = 1024

// ReplayWindow tracks accepted receive counters
type ReplayWindow struct {
	highest uint64
	seen    bool
	bits    [ReplayWindowSize / 64]uint64
}

// Check reports whether n has not been accepted and is inside the window
func (w *ReplayWindow) Check(n uint64) bool {
	if !w.seen || n > w.highest {
		return true
	}
	if w.highest-n >= ReplayWindowSize {
		return false
	}
	return !w.has(n)
}

// Accept marks n as received. Callers must Check first.
func (w *ReplayWindow) Accept(n uint64) {
	if !w.seen {
		w.seen = true
		w.highest = n
		w.set(n)
		return
	}
	if n > w.highest {
		if n-w.highest >= ReplayWindowSize {
			w.bits = [ReplayWindowSize / 64]uint64{}
		} else {
			for i := w.highest + 1; i < n; i++ {
				w.clear(i)
			}
		}
		w.highest = n
	}
	w.set(n)
}

// Highest returns the highest accepted counter and whether any was accepted
func (w *ReplayWindow) Highest() (uint64, bool) {
	return w.highest, w.seen
}

func (w *ReplayWindow) has(n uint64) bool {
	i := n % ReplayWindowSize
	return w.bits[i/64]&(1<<(i%64)) != 0
}

func (w *ReplayWindow) set(n uint64) {
	i := n % ReplayWindowSize
	w.bits[i/64] |= 1 << (i % 64)
}

func (w *ReplayWindow) clear(n uint64) {
	i := n % ReplayWindowSize
	w.bits[i/64] &^= 1 << (i % 64)
}
