package directory

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServerHealth tracks the health of one padint server.
type ServerHealth struct {
	LastCheck        time.Time // Last check attempt
	LastHealthy      time.Time // Last successful check
	Status           string    // One of the Status* constants
	ID               int       // Server ID
	ConsecutiveFails int       // Failed checks since the last success
}

// HealthMonitor polls every registered server's /health endpoint and keeps
// a status per server ID. A server is unhealthy after maxFailures checks in a
// row fail; the next successful check makes it healthy again.
// Thread-safe: all methods are safe for concurrent access.
type HealthMonitor struct {
	servers     map[int]*ServerHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onChange    func(id int, status string)
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval with the
// given per-check timeout. Servers turn unhealthy after 3 failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 2*time.Second, log)
//	go monitor.Start(ctx, registry.Entries)
//	defer monitor.Stop()
func NewHealthMonitor(interval, timeout time.Duration, log *zap.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthMonitor{
		servers:     make(map[int]*ServerHealth),
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
		interval:    interval,
		timeout:     timeout,
		maxFailures: 3,
	}
}

// SetOnChange registers a callback run on every status change, including
// the first verdict for a new server. It runs on the monitor goroutine.
func (h *HealthMonitor) SetOnChange(fn func(id int, status string)) {
	h.onChange = fn
}

// SetCheckFunction replaces the HTTP check. Must be called before Start.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, addr string) error) {
	h.checkFunc = fn
}

// Start runs checks until ctx is done or Stop is called. It checks once
// immediately and then every interval. provider is called each round, so
// servers registered later are picked up and removed ones are forgotten.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []Entry) {
	h.wg.Add(1)
	defer h.wg.Done()

	if h.checkFunc == nil {
		h.checkFunc = h.httpCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.log.Info("health monitor started", zap.Duration("interval", h.interval))

	h.checkAll(ctx, provider())
	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(ctx context.Context, entries []Entry) {
	current := make(map[int]bool, len(entries))
	for _, e := range entries {
		current[e.ID] = true
		h.check(ctx, e)
	}

	h.mu.Lock()
	for id := range h.servers {
		if !current[id] {
			delete(h.servers, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, e Entry) {
	h.mu.Lock()
	sh, ok := h.servers[e.ID]
	if !ok {
		sh = &ServerHealth{ID: e.ID, Status: StatusUnknown, LastHealthy: time.Now()}
		h.servers[e.ID] = sh
	}
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(checkCtx, e.Addr)
	cancel()

	h.mu.Lock()
	prev := sh.Status
	sh.LastCheck = time.Now()
	if err != nil {
		sh.ConsecutiveFails++
		if sh.ConsecutiveFails >= h.maxFailures {
			sh.Status = StatusUnhealthy
		}
		h.log.Debug("health check failed",
			zap.Int("server_id", e.ID),
			zap.Int("fails", sh.ConsecutiveFails),
			zap.Error(err))
	} else {
		sh.Status = StatusHealthy
		sh.ConsecutiveFails = 0
		sh.LastHealthy = sh.LastCheck
	}
	status := sh.Status
	h.mu.Unlock()

	if status != prev {
		h.log.Info("server health changed",
			zap.Int("server_id", e.ID),
			zap.String("addr", e.Addr),
			zap.String("from", prev),
			zap.String("to", status))
		if h.onChange != nil {
			h.onChange(e.ID, status)
		}
	}
}

func (h *HealthMonitor) httpCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Health returns a copy of one server's health, or nil if it is not tracked.
func (h *HealthMonitor) Health(id int) *ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sh, ok := h.servers[id]
	if !ok {
		return nil
	}
	cp := *sh
	return &cp
}

// Statuses returns the status of every tracked server.
func (h *HealthMonitor) Statuses() map[int]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[int]string, len(h.servers))
	for id, sh := range h.servers {
		out[id] = sh.Status
	}
	return out
}

// IsHealthy reports whether server id passed its most recent checks.
func (h *HealthMonitor) IsHealthy(id int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sh, ok := h.servers[id]
	return ok && sh.Status == StatusHealthy
}
