package server

import (
	"sync"
	"time"
)

// heartbeat fires onTimeout once if Reset is not called within timeout.
// Every Reset starts a new generation; a timer from an older generation
// that fires late is ignored. After firing or Stop, Reset has no effect.
type heartbeat struct {
	onTimeout func()
	timer     *time.Timer
	timeout   time.Duration
	gen       uint64
	mu        sync.Mutex
	fired     bool
	stopped   bool
}

func newHeartbeat(timeout time.Duration, onTimeout func()) *heartbeat {
	h := &heartbeat{timeout: timeout, onTimeout: onTimeout}
	h.arm()
	return h
}

// Reset pushes the deadline out by one timeout. It reports false when the
// timer already fired or was stopped.
func (h *heartbeat) Reset() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired || h.stopped {
		return false
	}
	h.timer.Stop()
	h.armLocked()
	return true
}

// Stop disarms the timer. It does not wait for a running onTimeout.
func (h *heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.timer.Stop()
}

func (h *heartbeat) arm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armLocked()
}

func (h *heartbeat) armLocked() {
	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(h.timeout, func() { h.fire(gen) })
}

func (h *heartbeat) fire(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || h.fired || h.stopped {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.mu.Unlock()

	h.onTimeout()
}
