package session

import "sync/atomic"

// Generation is a per-session epoch. A start attempt captures the value
// returned by Advance and checks Current after every suspension point; a
// later Advance (another start, or a stop) makes the earlier attempt stale.
type Generation struct {
	n atomic.Uint64
}

// Advance starts a new epoch and returns it.
func (g *Generation) Advance() uint64 { return g.n.Add(1) }

// Current reports whether gen is still the latest epoch.
func (g *Generation) Current(gen uint64) bool { return g.n.Load() == gen }

// Retire ends gen if it is still the latest epoch and reports whether it did.
// A start that fails uses it so nothing it left behind can act as current.
func (g *Generation) Retire(gen uint64) bool { return g.n.CompareAndSwap(gen, gen+1) }

// Check returns ErrSuperseded when gen is stale.
func (g *Generation) Check(gen uint64) error {
	if !g.Current(gen) {
		return ErrSuperseded
	}
	return nil
}
