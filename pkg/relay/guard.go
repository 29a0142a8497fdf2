package relay

import "sync/atomic"

// Guard marks a delivery as in progress. At most one holder at a time.
//
// The zero value is ready to use.
type Guard struct {
	engaged atomic.Bool
}

// TryEnter takes the guard if it is free. It returns false when another
// delivery already holds it.
func (g *Guard) TryEnter() bool {
	return g.engaged.CompareAndSwap(false, true)
}

// Exit releases the guard.
func (g *Guard) Exit() {
	g.engaged.Store(false)
}

// Engaged reports whether a delivery currently holds the guard.
func (g *Guard) Engaged() bool {
	return g.engaged.Load()
}

// Do runs fn while holding the guard and reports whether fn ran. The guard is
// released when fn returns or panics.
func (g *Guard) Do(fn func()) bool {
	if !g.TryEnter() {
		return false
	}
	defer g.Exit()

	fn()
	return true
}
