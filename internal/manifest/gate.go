package manifest

import "sync"

// Gate tracks readiness across all roots. It becomes ready the moment every
// root has both completed its initial scan and established its watch, in
// whichever order those signals arrive.
type Gate struct {
	mu      sync.Mutex
	total   int
	scans   int
	watches int
	ready   bool
	readyCh chan struct{}
}

// NewGate returns a gate for total roots.
func NewGate(total int) *Gate {
	return &Gate{total: total, readyCh: make(chan struct{})}
}

// ScanComplete records one finished initial scan. It returns true only for
// the call that made the gate ready.
func (g *Gate) ScanComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.scans < g.total {
		g.scans++
	}
	return g.checkLocked()
}

// WatchEstablished records one active watch subscription. It returns true
// only for the call that made the gate ready.
func (g *Gate) WatchEstablished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.watches < g.total {
		g.watches++
	}
	return g.checkLocked()
}

func (g *Gate) checkLocked() bool {
	if g.ready || g.scans != g.total || g.watches != g.total {
		return false
	}
	g.ready = true
	close(g.readyCh)
	return true
}

// Ready reports whether the gate has fired.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Done returns a channel that is closed when the gate fires.
func (g *Gate) Done() <-chan struct{} {
	return g.readyCh
}

// Counts returns the current scan and watch counters.
func (g *Gate) Counts() (scans, watches int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scans, g.watches
}
