package objclass

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Gate tracks how many handles pin a class and whether new ones may be
// taken. Openers wait on the unblocked signal, closers on the idle signal.
//
// Both signals are channels that are closed while their condition holds and
// replaced when it stops holding, so a waiter never misses a wakeup.
type Gate struct {
	mu        sync.Mutex
	refs      int64
	blocked   bool
	waitOpens bool
	unblocked chan struct{}
	idle      chan struct{}
}

// NewGate returns an unblocked, idle gate whose openers wait when blocked.
func NewGate() *Gate {
	return &Gate{
		waitOpens: true,
		unblocked: closedChan(),
		idle:      closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Acquire takes one reference. The reference is counted before blocked is
// checked, so an acquisition racing a Block either waits or is undone.
//
// A parked waiter holds no reference, otherwise a drain could never finish.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		g.mu.Lock()
		g.incLocked()
		if !g.blocked {
			g.mu.Unlock()
			return nil
		}
		g.decLocked()
		wait := g.waitOpens
		unblocked := g.unblocked
		g.mu.Unlock()

		if !wait || timeout == 0 {
			return ErrBlocked
		}

		select {
		case <-unblocked:
		case <-deadline:
			return ErrTimedOut
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retain takes a reference regardless of blocked. Only valid while the
// caller already holds one.
func (g *Gate) retain() {
	g.mu.Lock()
	g.incLocked()
	g.mu.Unlock()
}

// Release drops one reference and wakes drainers when the count hits zero.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs == 0 {
		panic("objclass: gate released more times than acquired")
	}
	g.decLocked()
}

func (g *Gate) incLocked() {
	if g.refs == 0 {
		g.idle = make(chan struct{})
	}
	g.refs++
}

func (g *Gate) decLocked() {
	g.refs--
	if g.refs == 0 {
		close(g.idle)
	}
}

// Block stops new acquisitions.
func (g *Gate) Block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.blocked {
		g.blocked = true
		g.unblocked = make(chan struct{})
	}
}

// Unblock re-admits acquisitions and wakes every parked opener.
func (g *Gate) Unblock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked {
		g.blocked = false
		close(g.unblocked)
	}
}

// SetWaitOpens selects whether openers against a blocked gate wait or fail.
func (g *Gate) SetWaitOpens(wait bool) {
	g.mu.Lock()
	g.waitOpens = wait
	g.mu.Unlock()
}

// Drain waits for the reference count to reach zero. The gate must be
// blocked first.
func (g *Gate) Drain(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if !g.blocked {
		g.mu.Unlock()
		return errors.New("objclass: drain on an unblocked gate")
	}
	refs := g.refs
	idle := g.idle
	g.mu.Unlock()

	if refs == 0 {
		return nil
	}
	if timeout == 0 {
		return ErrCloseTimedOut
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-idle:
		return nil
	case <-deadline:
		return ErrCloseTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refs returns the live reference count.
func (g *Gate) Refs() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs
}

// Blocked reports whether acquisitions are currently stopped.
func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// WaitOpens reports the current opener policy.
func (g *Gate) WaitOpens() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waitOpens
}
