package cell

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var (
	// ErrAbortRequired is returned when a reader asks to upgrade while another
	// reader already holds the promotion slot. The caller must abort.
	ErrAbortRequired = errors.New("promotion slot occupied, transaction must abort")

	// ErrAborted is returned to a waiter whose queued request was withdrawn
	// by an abort or commit of the same transaction.
	ErrAborted = errors.New("transaction aborted while waiting for lock")

	// ErrInvalidCallerState is returned when a transaction releases, commits
	// or writes a cell it holds no suitable lock on.
	ErrInvalidCallerState = errors.New("transaction holds no lock on cell")

	// ErrDetached is returned for operations on a cell that has been handed
	// to another server or replaced by a replica snapshot.
	ErrDetached = errors.New("cell detached")

	// ErrBusy is returned by Detach when the cell has lock state.
	ErrBusy = errors.New("cell has outstanding locks")
)

// Cell is a single transactional integer together with its lock manager.
// Thread-safe: all methods may be called concurrently.
type Cell struct {
	mu   sync.Mutex
	cond *sync.Cond

	uid       int
	committed int
	working   int

	readers        []int
	writer         int
	writing        bool
	promotion      int
	promoting      bool
	pendingReaders []int
	pendingWriters []int

	detached bool
}

// LockState is a point-in-time copy of a cell's lock bookkeeping.
type LockState struct {
	UID            int   `json:"uid"`
	Committed      int   `json:"committed"`
	Working        int   `json:"working"`
	Readers        []int `json:"readers"`
	Writer         int   `json:"writer"`
	Writing        bool  `json:"writing"`
	Promotion      int   `json:"promotion"`
	Promoting      bool  `json:"promoting"`
	PendingReaders []int `json:"pending_readers"`
	PendingWriters []int `json:"pending_writers"`
	Detached       bool  `json:"detached"`
}

// Idle reports whether no transaction holds, waits for, or is upgrading
// a lock on the cell.
func (s LockState) Idle() bool {
	return !s.Writing && !s.Promoting && len(s.Readers) == 0 &&
		len(s.PendingReaders) == 0 && len(s.PendingWriters) == 0
}

// New creates a cell with a zero value.
func New(uid int) *Cell {
	return NewWithValue(uid, 0)
}

// NewWithValue creates a cell whose committed value is value. Used when
// cells arrive through replication or migration.
func NewWithValue(uid, value int) *Cell {
	c := &Cell{
		uid:       uid,
		committed: value,
		working:   value,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// UID returns the cell identifier.
func (c *Cell) UID() int {
	return c.uid
}

// Committed returns the value visible to new readers.
func (c *Cell) Committed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// AcquireRead grants tid a read lock, blocking while a writer holds the cell.
// A transaction already holding the read or write lock returns immediately.
func (c *Cell) AcquireRead(ctx context.Context, tid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return ErrDetached
	}
	if c.holdsRead(tid) || c.holdsWrite(tid) {
		return nil
	}
	if !c.writing {
		c.readers = append(c.readers, tid)
		return nil
	}

	if !slices.Contains(c.pendingReaders, tid) {
		c.pendingReaders = append(c.pendingReaders, tid)
	}
	return c.wait(ctx,
		func() bool { return c.holdsRead(tid) },
		func() bool { return slices.Contains(c.pendingReaders, tid) },
		func() { c.pendingReaders = remove(c.pendingReaders, tid) },
	)
}

// AcquireWrite grants tid the write lock. A lone reader is upgraded in place.
// One of several readers claims the promotion slot and waits for the others
// to leave, or fails with ErrAbortRequired if the slot is taken. Anyone else
// queues until the cell is free.
func (c *Cell) AcquireWrite(ctx context.Context, tid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return ErrDetached
	}
	if c.holdsWrite(tid) {
		return nil
	}

	switch {
	case !c.writing && len(c.readers) == 0:
		c.grantWrite(tid)
		return nil

	case len(c.readers) == 1 && c.readers[0] == tid:
		c.readers = c.readers[:0]
		c.grantWrite(tid)
		return nil

	case slices.Contains(c.readers, tid):
		if c.promoting && c.promotion != tid {
			return ErrAbortRequired
		}
		c.promotion, c.promoting = tid, true
		return c.wait(ctx,
			func() bool { return c.holdsWrite(tid) },
			func() bool { return c.promoting && c.promotion == tid },
			func() { c.promoting = false },
		)

	default:
		if !slices.Contains(c.pendingWriters, tid) {
			c.pendingWriters = append(c.pendingWriters, tid)
		}
		return c.wait(ctx,
			func() bool { return c.holdsWrite(tid) },
			func() bool { return slices.Contains(c.pendingWriters, tid) },
			func() { c.pendingWriters = remove(c.pendingWriters, tid) },
		)
	}
}

// ReleaseRead drops tid's read lock and services the queues.
// A pending promotion by tid is withdrawn with it.
func (c *Cell) ReleaseRead(tid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.holdsRead(tid) {
		return ErrInvalidCallerState
	}
	c.releaseRead(tid)
	c.serve()
	return nil
}

// ReleaseWrite drops tid's write lock, discarding its working value.
func (c *Cell) ReleaseWrite(tid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.holdsWrite(tid) {
		return ErrInvalidCallerState
	}
	c.releaseWrite()
	c.serve()
	return nil
}

// Commit releases tid's lock; a writer's working value becomes the committed
// value first. Queued requests of tid are withdrawn, but a tid that held no
// lock still gets ErrInvalidCallerState.
func (c *Cell) Commit(tid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.holdsWrite(tid):
		c.committed = c.working
		c.releaseWrite()
	case c.holdsRead(tid):
		c.releaseRead(tid)
	default:
		c.withdraw(tid)
		c.serve()
		return ErrInvalidCallerState
	}
	c.serve()
	return nil
}

// Abort releases tid's lock and discards its working value. Queued requests
// of tid are withdrawn, waking their waiters with ErrAborted. Aborting a tid
// that neither holds nor waits for a lock returns ErrInvalidCallerState.
func (c *Cell) Abort(tid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.holdsWrite(tid):
		c.releaseWrite()
	case c.holdsRead(tid):
		c.releaseRead(tid)
	default:
		if !c.withdraw(tid) {
			return ErrInvalidCallerState
		}
	}
	c.serve()
	return nil
}

// Value returns the working value to the writer and the committed value to
// everybody else.
func (c *Cell) Value(tid int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holdsWrite(tid) {
		return c.working
	}
	return c.committed
}

// Set updates the working value. tid must hold the write lock.
func (c *Cell) Set(tid, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return ErrDetached
	}
	if !c.holdsWrite(tid) {
		return ErrInvalidCallerState
	}
	c.working = value
	return nil
}

// Detach marks an idle cell as handed off. It fails with ErrBusy when any
// transaction holds, waits for, or is upgrading a lock.
func (c *Cell) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return ErrDetached
	}
	if !c.stateLocked().Idle() {
		return ErrBusy
	}
	c.detached = true
	return nil
}

// Close detaches the cell regardless of lock state and wakes every waiter
// with ErrDetached.
func (c *Cell) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	c.cond.Broadcast()
}

// State returns a copy of the lock bookkeeping.
func (c *Cell) State() LockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Cell) stateLocked() LockState {
	return LockState{
		UID:            c.uid,
		Committed:      c.committed,
		Working:        c.working,
		Readers:        slices.Clone(c.readers),
		Writer:         c.writer,
		Writing:        c.writing,
		Promotion:      c.promotion,
		Promoting:      c.promoting,
		PendingReaders: slices.Clone(c.pendingReaders),
		PendingWriters: slices.Clone(c.pendingWriters),
		Detached:       c.detached,
	}
}

// wait parks the caller until granted reports true. queued reports whether
// the request is still outstanding; cancel withdraws it. Called with c.mu held.
func (c *Cell) wait(ctx context.Context, granted, queued func() bool, cancel func()) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for {
		if granted() {
			return nil
		}
		if c.detached {
			cancel()
			return ErrDetached
		}
		if !queued() {
			return ErrAborted
		}
		if err := ctx.Err(); err != nil {
			cancel()
			c.serve()
			return err
		}
		c.cond.Wait()
	}
}

// serve is the queue-service step run after every release.
func (c *Cell) serve() {
	defer c.cond.Broadcast()

	if c.promoting {
		if len(c.readers) == 0 || (len(c.readers) == 1 && c.readers[0] == c.promotion) {
			tid := c.promotion
			c.readers = c.readers[:0]
			c.promoting = false
			c.grantWrite(tid)
		}
		return
	}
	if c.writing {
		return
	}
	if len(c.readers) == 0 && len(c.pendingWriters) > 0 {
		tid := c.pendingWriters[0]
		c.pendingWriters = slices.Delete(c.pendingWriters, 0, 1)
		c.grantWrite(tid)
		return
	}
	if len(c.pendingReaders) > 0 {
		c.readers = append(c.readers, c.pendingReaders...)
		c.pendingReaders = c.pendingReaders[:0]
	}
}

// withdraw removes every queued request and promotion claim of tid.
func (c *Cell) withdraw(tid int) bool {
	found := false
	if slices.Contains(c.pendingReaders, tid) {
		c.pendingReaders = remove(c.pendingReaders, tid)
		found = true
	}
	if slices.Contains(c.pendingWriters, tid) {
		c.pendingWriters = remove(c.pendingWriters, tid)
		found = true
	}
	if c.promoting && c.promotion == tid {
		c.promoting = false
		found = true
	}
	return found
}

func (c *Cell) grantWrite(tid int) {
	c.writer, c.writing = tid, true
	c.working = c.committed
}

func (c *Cell) releaseWrite() {
	c.writing = false
	c.working = c.committed
}

func (c *Cell) releaseRead(tid int) {
	c.readers = remove(c.readers, tid)
	if c.promoting && c.promotion == tid {
		c.promoting = false
	}
}

func (c *Cell) holdsRead(tid int) bool {
	return slices.Contains(c.readers, tid)
}

func (c *Cell) holdsWrite(tid int) bool {
	return c.writing && c.writer == tid
}

func remove(s []int, tid int) []int {
	return slices.DeleteFunc(s, func(v int) bool { return v == tid })
}
