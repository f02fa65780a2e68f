// Package blocker keeps the OS shutdown veto registered while any stop run
// needs it.
package blocker

import (
	"sync"

	"github.com/turtacn/vboxhalt/internal/monitor"
	"github.com/turtacn/vboxhalt/internal/platform"
	"github.com/turtacn/vboxhalt/pkg/logger"
)

// Blocker is a counted shutdown veto. The veto is registered on the first
// Enable and released on the matching last Disable.
type Blocker struct {
	mu     sync.Mutex
	veto   platform.Veto
	reason string
	count  int
	log    logger.Logger
}

func New(veto platform.Veto, reason string) *Blocker {
	return &Blocker{
		veto:   veto,
		reason: reason,
		log:    logger.Log.With("component", "blocker"),
	}
}

// Enable increments the count, registering the veto on 0 -> 1.
// A registration fault is logged and the count still moves.
func (b *Blocker) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		if err := b.veto.Register(b.reason); err != nil {
			b.log.Error("Failed to register shutdown veto", "err", err)
		} else {
			b.log.Info("Shutdown veto registered", "reason", b.reason)
		}
		monitor.VetoActive.Set(1)
	}
	b.count++
}

// Disable decrements the count, releasing the veto on 1 -> 0.
// Extra calls are ignored.
func (b *Blocker) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return
	}
	if b.count == 1 {
		if err := b.veto.Unregister(); err != nil {
			b.log.Error("Failed to release shutdown veto", "err", err)
		} else {
			b.log.Info("Shutdown veto released")
		}
		monitor.VetoActive.Set(0)
	}
	b.count--
}

// Active reports whether the veto is held.
func (b *Blocker) Active() bool {
	return b.Count() > 0
}

func (b *Blocker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Personal.AI order the ending
