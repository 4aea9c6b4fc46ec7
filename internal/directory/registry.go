package directory

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/padint/internal/server"
)

var (
	// ErrUnknownServer is returned for server IDs the registry never assigned.
	ErrUnknownServer = errors.New("unknown server id")

	// ErrInvalidAddress is returned when a server registers without an address.
	ErrInvalidAddress = errors.New("invalid server address")
)

// Entry describes one registered server.
//
// Capacity is the server's last reported capacity bound; it starts at the
// registry's default and changes whenever the server migrates.
type Entry struct {
	Registered time.Time `json:"registered"`
	Addr       string    `json:"addr"`
	ID         int       `json:"id"`
	Capacity   int       `json:"capacity"`
}

// Registry is the master's table of servers. IDs are assigned sequentially
// from 0, so server 0 is always the first server to register and acts as the
// sink of the migration chain.
// Thread-safe: all methods may be called concurrently.
type Registry struct {
	servers         map[int]*Entry
	mu              sync.RWMutex
	nextID          int
	defaultCapacity int
}

// NewRegistry creates an empty registry handing out defaultCapacity to new
// servers.
//
// Example:
//
//	reg := NewRegistry(2)
//	r, _ := reg.Register(-1, "http://10.0.0.5:9000") // r.ID == 0, r.Capacity == 2
func NewRegistry(defaultCapacity int) *Registry {
	return &Registry{
		servers:         make(map[int]*Entry),
		defaultCapacity: defaultCapacity,
	}
}

// Register records a server. With id < 0 the server gets the next free ID
// and the default capacity, unless addr is already registered, in which case
// its existing registration is returned. With id >= 0 the address of that ID
// is replaced; a backup that took over re-registers this way and keeps the
// capacity its predecessor reported.
func (r *Registry) Register(id int, addr string) (server.Registration, error) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return server.Registration{}, ErrInvalidAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 {
		for _, e := range r.servers {
			if e.Addr == addr {
				return server.Registration{ID: e.ID, Capacity: e.Capacity}, nil
			}
		}
		id = r.nextID
	}

	e, ok := r.servers[id]
	if !ok {
		e = &Entry{ID: id, Capacity: r.defaultCapacity}
		r.servers[id] = e
	}
	e.Addr = addr
	e.Registered = time.Now()
	if id >= r.nextID {
		r.nextID = id + 1
	}
	return server.Registration{ID: e.ID, Capacity: e.Capacity}, nil
}

// SetCapacity records the capacity bound reported by server id.
func (r *Registry) SetCapacity(id, capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok {
		return errors.Wrapf(ErrUnknownServer, "server %d", id)
	}
	e.Capacity = capacity
	return nil
}

// Addresses returns the address of every server keyed by ID.
func (r *Registry) Addresses() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]string, len(r.servers))
	for id, e := range r.servers {
		out[id] = e.Addr
	}
	return out
}

// Capacities returns the capacity of every server keyed by ID.
func (r *Registry) Capacities() map[int]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]int, len(r.servers))
	for id, e := range r.servers {
		out[id] = e.Capacity
	}
	return out
}

// Entries returns copies of all entries ordered by ID.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int { return a.ID - b.ID })
	return out
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
