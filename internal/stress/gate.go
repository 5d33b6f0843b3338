package stress

import (
	"context"
	"sync"
)

// Gate bounds the number of simultaneously outstanding requests. It is the
// load shape's only admission-control primitive; every dispatch, closed or
// open loop, goes through it.
//
// SetTarget may be called with permits outstanding. It only affects future
// acquires: lowering the target never revokes in-flight requests, it just
// stops admitting new ones until enough permits drain back.
type Gate struct {
	mu          sync.Mutex
	target      int
	outstanding int
	waiters     []chan struct{}
}

func NewGate(target int) *Gate {
	if target < 0 {
		target = 0
	}
	return &Gate{target: target}
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	for g.outstanding >= g.target {
		ch := make(chan struct{}, 1)
		g.waiters = append(g.waiters, ch)
		g.mu.Unlock()

		select {
		case <-ch:
			g.mu.Lock()
		case <-ctx.Done():
			g.mu.Lock()
			g.removeWaiter(ch)
			select {
			case <-ch:
				// A wake raced the cancellation; hand it to the next waiter.
				g.wakeLocked()
			default:
			}
			g.mu.Unlock()
			return ctx.Err()
		}
	}
	g.outstanding++
	g.mu.Unlock()
	return nil
}

// Release returns a permit and wakes one waiter if capacity allows.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.outstanding > 0 {
		g.outstanding--
	}
	g.wakeLocked()
	g.mu.Unlock()
}

// SetTarget changes the admission bound and wakes as many waiters as the
// new headroom allows.
func (g *Gate) SetTarget(n int) {
	if n < 0 {
		n = 0
	}
	g.mu.Lock()
	g.target = n
	// Woken waiters re-check under the lock, so overshoot is impossible
	// even if several wake at once.
	for free := g.target - g.outstanding; free > 0 && len(g.waiters) > 0; free-- {
		g.wakeOneLocked()
	}
	g.mu.Unlock()
}

func (g *Gate) Target() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.target
}

// Outstanding reports how many permits are currently held.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

func (g *Gate) wakeLocked() {
	if g.outstanding >= g.target || len(g.waiters) == 0 {
		return
	}
	g.wakeOneLocked()
}

func (g *Gate) wakeOneLocked() {
	ch := g.waiters[0]
	g.waiters = g.waiters[1:]
	ch <- struct{}{}
}

func (g *Gate) removeWaiter(ch chan struct{}) {
	for i, w := range g.waiters {
		if w == ch {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
