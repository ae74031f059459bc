package lifecycle

import "sync/atomic"

// Lifecycle is the shared drain flag for graceful shutdown: once draining,
// /readyz fails and new relay sessions are refused while running sessions
// finish their turns.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
