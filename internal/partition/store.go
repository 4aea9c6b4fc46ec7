package partition

import (
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dreamware/padint/internal/cell"
)

var (
	// ErrNotFound is returned when a uid is not held by this store.
	ErrNotFound = errors.New("padint not found")

	// ErrAlreadyExists is returned when creating a uid the store already holds.
	ErrAlreadyExists = errors.New("padint already exists")
)

// btreeDegree matches the degree used for small in-memory indexes.
const btreeDegree = 16

// appliedWindow is how many attached migration IDs a store remembers.
const appliedWindow = 1024

// CellState is the committed value of one cell, as carried by snapshots
// and migrations.
type CellState struct {
	UID   int `json:"uid"`
	Value int `json:"value"`
}

// Snapshot is a full copy of a store's committed state. Lock state is not
// part of a snapshot. Applied lists the migration IDs the store attached
// most recently, oldest first.
type Snapshot struct {
	ServerID int         `json:"server_id"`
	Bound    int         `json:"bound"`
	Cells    []CellState `json:"cells"`
	Applied  []string    `json:"applied,omitempty"`
}

// Donation describes cells removed from a store and on their way to the
// left neighbor.
type Donation struct {
	ID         string      // Migration identifier, for logs and the receiver
	PriorBound int         // Bound before the donation doubled it
	Bound      int         // Bound after the donation
	Cells      []CellState // Donated cells in ascending uid order
}

// Info summarizes a store for monitoring.
type Info struct {
	ServerID int `json:"server_id"`
	Bound    int `json:"bound"`
	Cells    int `json:"cells"`
	InFlight int `json:"in_flight"`
}

type entry struct {
	uid  int
	cell *cell.Cell
}

func lessEntry(a, b entry) bool {
	return a.uid < b.uid
}

// Store maps uids to cells for one server.
// Thread-safe: all methods may be called concurrently.
type Store struct {
	cells    *btree.BTreeG[entry]
	inFlight map[int]struct{}
	applied  map[string]struct{}
	order    []string
	mu       sync.RWMutex
	id       int
	bound    int
}

// New creates an empty store for server id with the given capacity bound.
func New(id, bound int) *Store {
	return &Store{
		cells:    btree.NewG(btreeDegree, lessEntry),
		inFlight: make(map[int]struct{}),
		applied:  make(map[string]struct{}),
		id:       id,
		bound:    bound,
	}
}

// ID returns the server ID this store belongs to.
func (s *Store) ID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Bound returns the current capacity bound.
func (s *Store) Bound() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// Len returns the number of cells held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cells.Len()
}

// Overflowing reports whether the store has reached 2*bound cells.
func (s *Store) Overflowing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overflowingLocked()
}

func (s *Store) overflowingLocked() bool {
	return s.cells.Len() >= 2*s.bound
}

// Create inserts a new zero-valued cell and reports whether the store now
// overflows. Existing and in-flight uids fail with ErrAlreadyExists.
func (s *Store) Create(uid int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, moving := s.inFlight[uid]; moving || s.cells.Has(entry{uid: uid}) {
		return false, errors.Wrapf(ErrAlreadyExists, "uid %d", uid)
	}
	s.cells.ReplaceOrInsert(entry{uid: uid, cell: cell.New(uid)})
	return s.overflowingLocked(), nil
}

// Get returns the cell for uid.
func (s *Store) Get(uid int) (*cell.Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cells.Get(entry{uid: uid})
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "uid %d", uid)
	}
	return e.cell, nil
}

// Contains reports whether uid is held by this store.
func (s *Store) Contains(uid int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cells.Has(entry{uid: uid})
}

// Lookup resolves every uid, failing on the first one that is missing.
func (s *Store) Lookup(uids []int) ([]*cell.Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cells := make([]*cell.Cell, 0, len(uids))
	for _, uid := range uids {
		e, ok := s.cells.Get(entry{uid: uid})
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "uid %d", uid)
		}
		cells = append(cells, e.cell)
	}
	return cells, nil
}

// UIDs returns the held uids in ascending order.
func (s *Store) UIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uids := make([]int, 0, s.cells.Len())
	s.cells.Ascend(func(e entry) bool {
		uids = append(uids, e.uid)
		return true
	})
	return uids
}

// States returns the lock state of every cell in ascending uid order.
func (s *Store) States() []cell.LockState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]cell.LockState, 0, s.cells.Len())
	s.cells.Ascend(func(e entry) bool {
		states = append(states, e.cell.State())
		return true
	})
	return states
}

// Info returns summary statistics.
func (s *Store) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ServerID: s.id,
		Bound:    s.bound,
		Cells:    s.cells.Len(),
		InFlight: len(s.inFlight),
	}
}

// Snapshot copies the committed state of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ServerID: s.id,
		Bound:    s.bound,
		Cells:    make([]CellState, 0, s.cells.Len()),
	}
	s.cells.Ascend(func(e entry) bool {
		snap.Cells = append(snap.Cells, CellState{UID: e.uid, Value: e.cell.Committed()})
		return true
	})
	snap.Applied = append([]string(nil), s.order...)
	return snap
}

// Restore replaces the whole store with snap. Cells being replaced are
// closed, so their waiters fail with cell.ErrDetached.
func (s *Store) Restore(snap Snapshot) {
	fresh := btree.NewG(btreeDegree, lessEntry)
	for _, cs := range snap.Cells {
		fresh.ReplaceOrInsert(entry{uid: cs.UID, cell: cell.NewWithValue(cs.UID, cs.Value)})
	}

	s.mu.Lock()
	old := s.cells
	s.cells = fresh
	s.id = snap.ServerID
	if snap.Bound > 0 {
		s.bound = snap.Bound
	}
	s.inFlight = make(map[int]struct{})
	s.applied = make(map[string]struct{})
	s.order = nil
	for _, id := range snap.Applied {
		s.remember(id)
	}
	s.mu.Unlock()

	old.Ascend(func(e entry) bool {
		e.cell.Close()
		return true
	})
}

// Merge adds every cell of snap this store does not hold yet and returns how
// many were added. Held cells keep their local value. Applied migration IDs
// are merged too.
func (s *Store) Merge(snap Snapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range snap.Applied {
		if _, ok := s.applied[id]; !ok {
			s.remember(id)
		}
	}

	added := 0
	for _, cs := range snap.Cells {
		if s.cells.Has(entry{uid: cs.UID}) {
			continue
		}
		s.cells.ReplaceOrInsert(entry{uid: cs.UID, cell: cell.NewWithValue(cs.UID, cs.Value)})
		added++
	}
	return added
}

// Attach takes ownership of cells donated by a neighbor under migration id
// and reports whether the store overflows afterwards. It is all or nothing:
// if any uid is already held (or in flight) nothing is attached and every
// clash is reported as ErrAlreadyExists. A migration id seen before is not
// applied again; repeat is true and err is nil.
func (s *Store) Attach(id string, cells []CellState) (overflow, repeat bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applied[id]; ok && id != "" {
		return s.overflowingLocked(), true, nil
	}
	for _, cs := range cells {
		_, moving := s.inFlight[cs.UID]
		if moving || s.cells.Has(entry{uid: cs.UID}) {
			err = multierr.Append(err, errors.Wrapf(ErrAlreadyExists, "uid %d", cs.UID))
		}
	}
	if err != nil {
		return s.overflowingLocked(), false, err
	}

	for _, cs := range cells {
		s.cells.ReplaceOrInsert(entry{uid: cs.UID, cell: cell.NewWithValue(cs.UID, cs.Value)})
	}
	if id != "" {
		s.remember(id)
	}
	return s.overflowingLocked(), false, nil
}

func (s *Store) remember(id string) {
	s.applied[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > appliedWindow {
		delete(s.applied, s.order[0])
		s.order = s.order[1:]
	}
}

// Grow doubles the bound without donating anything and returns the new bound.
// The sink of the chain grows this way.
func (s *Store) Grow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound *= 2
	return s.bound
}

// Donate doubles the bound and removes the idle cells whose uid lies below
// bound*id, the part of the uid space left of this server's position in the
// chain. While that frees fewer than half the previous bound (and at least
// one cell) the bound keeps doubling, so every call on an overflowing store
// moves something unless all cells are locked. Locked cells are skipped.
// The donor must have id > 0. The returned donation must be finished with
// Complete or Rollback.
func (s *Store) Donate() *Donation {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &Donation{
		ID:         uuid.New().String(),
		PriorBound: s.bound,
		Bound:      s.bound,
	}

	var idle []entry
	s.cells.Ascend(func(e entry) bool {
		if e.cell.State().Idle() {
			idle = append(idle, e)
		}
		return true
	})

	want := max(1, d.PriorBound/2)
	n := 0
	for {
		d.Bound *= 2
		n = 0
		for n < len(idle) && below(idle[n].uid, d.Bound, s.id) {
			n++
		}
		if n >= want || n == len(idle) || s.id <= 0 {
			break
		}
	}
	s.bound = d.Bound

	d.Cells = make([]CellState, 0, n)
	for _, e := range idle[:n] {
		if e.cell.Detach() != nil {
			continue
		}
		s.cells.Delete(e)
		s.inFlight[e.uid] = struct{}{}
		d.Cells = append(d.Cells, CellState{UID: e.uid, Value: e.cell.Committed()})
	}
	return d
}

// below reports uid < bound*id without overflowing the product.
func below(uid, bound, id int) bool {
	if id <= 0 {
		return false
	}
	if uid < 0 {
		return true
	}
	return uid/id < bound
}

// Complete finalizes a donation that reached its destination.
func (s *Store) Complete(d *Donation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range d.Cells {
		delete(s.inFlight, cs.UID)
	}
}

// Rollback reinstates the cells of a failed donation and restores the bound
// it replaced, unless the bound has been changed since.
func (s *Store) Rollback(d *Donation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range d.Cells {
		delete(s.inFlight, cs.UID)
		s.cells.ReplaceOrInsert(entry{uid: cs.UID, cell: cell.NewWithValue(cs.UID, cs.Value)})
	}
	if s.bound == d.Bound {
		s.bound = d.PriorBound
	}
}
