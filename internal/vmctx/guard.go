package vmctx

import "github.com/turtacn/vboxhalt/pkg/errors"

// RecursionGuard detects re-entry into a guarded operation on one Context.
// It is not goroutine-safe; the executor guarantees a single caller.
type RecursionGuard struct {
	depth int
}

// Enter increments the depth and fails when the operation is already active.
// Exit must be called even when Enter fails so the guard recovers.
func (g *RecursionGuard) Enter() error {
	g.depth++
	if g.depth > 1 {
		return errors.New(errors.ErrCodeReentrancy, "RecursionGuard", "recursion detected", nil)
	}
	return nil
}

func (g *RecursionGuard) Exit() {
	if g.depth > 0 {
		g.depth--
	}
}

// Depth returns the current nesting level.
func (g *RecursionGuard) Depth() int {
	return g.depth
}

// Personal.AI order the ending
