package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/padint/internal/cell"
	"github.com/dreamware/padint/internal/metrics"
	"github.com/dreamware/padint/internal/partition"
)

// Options configures a Server. Resolver is required; Directory may be nil
// for a backup that never talks to the master.
type Options struct {
	Resolver  Resolver
	Directory Directory
	Logger    *zap.Logger
	Metrics   *metrics.Server

	// Addr is this server's public address, sent to peers and the master.
	Addr string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReplicationRate   rate.Limit
	ReplicationBurst  int
	RequestTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewServer()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 35 * time.Second
	}
	if o.ReplicationRate <= 0 {
		o.ReplicationRate = 20
	}
	if o.ReplicationBurst < 1 {
		o.ReplicationBurst = 1
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
}

// Server composes a partition store with the currently active role and
// forwards every operation to that role.
//
// Lock order: transitionMu, then migrateMu, then mu. Network calls are never
// made while holding mu.
type Server struct {
	role    Role
	calls   *inflight
	store   *partition.Store
	log     *zap.Logger
	metrics *metrics.Server
	ctx     context.Context
	cancel  context.CancelFunc
	opts    Options

	// mu guards role and closed.
	mu sync.RWMutex
	// transitionMu serializes role transitions.
	transitionMu sync.Mutex
	// migrateMu allows one migration at a time.
	migrateMu sync.Mutex
	// settling tracks donations resent in the background.
	settling sync.WaitGroup
	closed   bool
}

func newServer(store *partition.Store, opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		calls:   newInflight(),
		store:   store,
		opts:    opts,
		log:     opts.Logger.With(zap.String("addr", opts.Addr)),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewPrimary creates a primary server for partition id with the given
// capacity bound. It has no backup until one calls CreatePrimaryServer.
func NewPrimary(id, bound int, opts Options) *Server {
	s := newServer(partition.New(id, bound), opts)
	s.setRole(s.newPrimary(""))
	s.updateGauges()
	return s
}

// NewBackup creates a backup of the primary at primaryAddr. Its server ID
// and bound arrive with the first replicated snapshot.
func NewBackup(primaryAddr string, opts Options) *Server {
	s := newServer(partition.New(-1, 1), opts)
	s.setRole(s.newBackup(primaryAddr))
	return s
}

// Join asks the primary to adopt this backup. Only valid on a backup.
func (s *Server) Join(ctx context.Context) error {
	b, ok := s.current().(*Backup)
	if !ok {
		return ErrNotBackup
	}
	if err := b.primary.CreatePrimaryServer(ctx, s.opts.Addr, nil); err != nil {
		return errors.Wrapf(err, "join primary %s", b.primaryAddr)
	}
	s.log.Info("joined primary", zap.String("primary", b.primaryAddr))
	return nil
}

func (s *Server) current() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// setRole installs r and returns the call counter of the role it replaced.
func (s *Server) setRole(r Role) *inflight {
	s.mu.Lock()
	prev := s.calls
	s.role = r
	s.calls = newInflight()
	s.mu.Unlock()
	s.metrics.SetRole(r.Name())
	return prev
}

// enter returns the active role for one call and counts the call against
// it until done runs. The returned context lets the role mark lock waits.
func (s *Server) enter(ctx context.Context) (Role, context.Context, func()) {
	s.mu.RLock()
	r, c := s.role, s.calls
	c.add(1)
	s.mu.RUnlock()
	return r, context.WithValue(ctx, callsKey{}, c), func() { c.add(-1) }
}

func (s *Server) updateGauges() {
	info := s.store.Info()
	s.metrics.Cells.Set(float64(info.Cells))
	s.metrics.Bound.Set(float64(info.Bound))
}

// ID returns the partition's server ID, or -1 for a backup that has not
// received a snapshot yet.
func (s *Server) ID() int { return s.store.ID() }

// Addr returns the public address.
func (s *Server) Addr() string { return s.opts.Addr }

// RoleName returns the name of the active role.
func (s *Server) RoleName() string { return s.current().Name() }

// CreatePadInt creates a zero-valued PadInt on this partition.
//
// Parameters:
//   - ctx: bounds the wait behind a Frozen barrier
//   - uid: identifier of the new PadInt
//
// Returns:
//   - partition.ErrAlreadyExists if uid is held or in flight
//   - ErrNotPrimary on a backup
//
// An overflow triggered by the create is handled here; its failure is
// logged and does not fail the create.
func (s *Server) CreatePadInt(ctx context.Context, uid int) error {
	r, ctx, done := s.enter(ctx)
	defer done()
	err := r.CreatePadInt(ctx, uid)
	s.metrics.Op("create", err)
	return err
}

// ConfirmPadInt reports whether uid currently lives on this partition.
// Clients use it to detect that a cell migrated away.
func (s *Server) ConfirmPadInt(ctx context.Context, uid int) (bool, error) {
	r, ctx, done := s.enter(ctx)
	defer done()
	ok, err := r.ConfirmPadInt(ctx, uid)
	s.metrics.Op("confirm", err)
	return ok, err
}

// ReadPadInt takes a read lock on uid for tid and returns the value tid
// sees: its own uncommitted write if it holds the write lock, otherwise
// the committed value.
//
// Parameters:
//   - ctx: cancelling it withdraws tid from the lock queue
//   - tid: transaction identifier
//   - uid: PadInt to read
//
// Returns:
//   - the value, or cell.ErrAbortRequired when tid must abort to avoid a
//     promotion deadlock
func (s *Server) ReadPadInt(ctx context.Context, tid, uid int) (int, error) {
	r, ctx, done := s.enter(ctx)
	defer done()
	v, err := r.ReadPadInt(ctx, tid, uid)
	s.metrics.Op("read", err)
	return v, err
}

// WritePadInt takes the write lock on uid for tid and stores value as tid's
// working value. It becomes visible to others on Commit.
func (s *Server) WritePadInt(ctx context.Context, tid, uid, value int) error {
	r, ctx, done := s.enter(ctx)
	defer done()
	err := r.WritePadInt(ctx, tid, uid, value)
	s.metrics.Op("write", err)
	return err
}

// Commit publishes tid's writes on uids and releases its locks.
func (s *Server) Commit(ctx context.Context, tid int, uids []int) error {
	r, ctx, done := s.enter(ctx)
	defer done()
	err := r.Commit(ctx, tid, uids)
	s.metrics.Op("commit", err)
	return err
}

// Abort discards tid's writes on uids and releases its locks.
func (s *Server) Abort(ctx context.Context, tid int, uids []int) error {
	r, ctx, done := s.enter(ctx)
	defer done()
	err := r.Abort(ctx, tid, uids)
	s.metrics.Op("abort", err)
	return err
}

// ImAlive is the primary's heartbeat. A backup restarts its failure timer.
func (s *Server) ImAlive(ctx context.Context) error {
	r, ctx, done := s.enter(ctx)
	defer done()
	return r.ImAlive(ctx)
}

// Replicate installs snap as the backup's copy of the primary. A primary
// answers ErrNotBackup.
func (s *Server) Replicate(ctx context.Context, snap partition.Snapshot) error {
	r, ctx, done := s.enter(ctx)
	defer done()
	return r.Replicate(ctx, snap)
}

// AttachCells takes over cells donated by the right neighbor. Repeating a
// migration ID is a no-op, so donors may resend after a lost reply.
//
// Returns:
//   - partition.ErrAlreadyExists if any donated uid is already held, in
//     which case nothing is attached
//   - ErrNotPrimary on a backup
func (s *Server) AttachCells(ctx context.Context, req AttachRequest) error {
	r, ctx, done := s.enter(ctx)
	defer done()
	return r.AttachCells(ctx, req)
}

// CreatePrimaryServer makes this server a primary replicating to the backup
// at backupAddr. A non-nil snapshot is merged into the local cells first.
func (s *Server) CreatePrimaryServer(_ context.Context, backupAddr string, snap *partition.Snapshot) error {
	return s.transition(nil, func() (Role, error) {
		if snap != nil {
			added := s.store.Merge(*snap)
			s.log.Info("merged snapshot", zap.Int("added", added))
		}
		s.updateGauges()
		return s.newPrimary(backupAddr), nil
	})
}

// StepDown turns this server into a backup of the primary at primaryAddr,
// replacing the local cells with snap.
func (s *Server) StepDown(_ context.Context, primaryAddr string, snap partition.Snapshot) error {
	return s.transition(nil, func() (Role, error) {
		s.store.Restore(snap)
		s.updateGauges()
		return s.newBackup(primaryAddr), nil
	})
}

// Freeze blocks every operation until Recover. Freezing a frozen server is
// a no-op.
func (s *Server) Freeze() {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	cur := s.current()
	if _, ok := cur.(*Frozen); ok {
		return
	}
	f := newFrozen(cur)
	f.pending = s.setRole(f)
	s.log.Warn("server frozen", zap.String("prior", cur.Name()))
}

// Recover releases a frozen server into the role it resolved to. Recovering
// a server that is not frozen is a no-op.
func (s *Server) Recover() {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	f, ok := s.current().(*Frozen)
	if !ok {
		return
	}
	next := f.resolved()
	s.setRole(next)
	f.release(nil)
	s.log.Info("server recovered", zap.String("role", next.Name()))
}

// transition replaces the active role with the one build returns. Calls
// arriving meanwhile wait on a Frozen barrier and then go to the new role.
// Calls already running in the old role finish before build runs, except
// those parked in a cell lock queue.
// With expect set, the transition only happens while expect is the active
// role. Under an operator freeze the new role becomes the freeze's successor.
func (s *Server) transition(expect Role, build func() (Role, error)) error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	cur := s.current()
	held, operatorFrozen := cur.(*Frozen)
	base := cur
	if operatorFrozen {
		base = held.resolved()
	}
	if expect != nil && base != expect {
		return errStaleRole
	}

	var barrier *Frozen
	var pending *inflight
	if operatorFrozen {
		pending = held.pending
	} else {
		barrier = newFrozen(base)
		pending = s.setRole(barrier)
	}
	s.drain(pending, base)

	next, err := build()
	if err != nil {
		if barrier != nil {
			s.setRole(base)
			barrier.release(base)
		}
		return err
	}

	base.stop()
	if operatorFrozen {
		held.setSuccessor(next)
	} else {
		s.setRole(next)
		barrier.release(next)
	}
	s.log.Info("role transition",
		zap.String("from", base.Name()),
		zap.String("to", next.Name()),
		zap.Int("server_id", s.store.ID()))
	return nil
}

// takeover promotes b after its heartbeat timer fired. Racing firings and
// firings of a backup that was already replaced are dropped, so a backup
// promotes at most once.
func (s *Server) takeover(b *Backup) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()
	log := s.log.With(zap.String("former_primary", b.primaryAddr))

	err := s.transition(b, func() (Role, error) {
		log.Warn("primary silent, taking over", zap.Duration("timeout", s.opts.HeartbeatTimeout))

		// The former primary becomes our backup if it can still be reached.
		backupAddr := b.primaryAddr
		if err := b.primary.StepDown(ctx, s.opts.Addr, s.store.Snapshot()); err != nil {
			log.Warn("former primary not notified", zap.Error(err))
			backupAddr = ""
		}
		return s.newPrimary(backupAddr), nil
	})
	if err != nil {
		log.Debug("takeover skipped", zap.Error(err))
		return
	}
	s.metrics.Takeovers.Inc()

	id := s.store.ID()
	if s.opts.Directory == nil || id < 0 {
		return
	}
	if _, err := s.opts.Directory.Register(ctx, id, s.opts.Addr); err != nil {
		log.Warn("re-registration with master failed", zap.Int("server_id", id), zap.Error(err))
	}
}

// drain waits for calls counted in c to finish, at most RequestTimeout.
func (s *Server) drain(c *inflight, from Role) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()
	if err := c.wait(ctx); err != nil {
		s.log.Warn("calls still running in replaced role",
			zap.String("role", from.Name()), zap.Int("calls", c.count()), zap.Error(err))
	}
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops background work. Frozen callers are released.
func (s *Server) Close() {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	cur := s.current()
	if f, ok := cur.(*Frozen); ok {
		f.resolved().stop()
		f.release(nil)
	} else {
		cur.stop()
	}
	s.cancel()
	s.settling.Wait()
}

// Info describes a server for the /info endpoint.
type Info struct {
	Role     string           `json:"role"`
	Address  string           `json:"address"`
	Locks    []cell.LockState `json:"locks,omitempty"`
	ServerID int              `json:"server_id"`
	Bound    int              `json:"bound"`
	Cells    int              `json:"cells"`
	InFlight int              `json:"in_flight"`
}

// Info returns the server's identity, capacity and the cells that currently
// have lock activity.
func (s *Server) Info() Info {
	pi := s.store.Info()
	info := Info{
		Role:     s.RoleName(),
		Address:  s.opts.Addr,
		ServerID: pi.ServerID,
		Bound:    pi.Bound,
		Cells:    pi.Cells,
		InFlight: pi.InFlight,
	}
	for _, st := range s.store.States() {
		if !st.Idle() {
			info.Locks = append(info.Locks, st)
		}
	}
	return info
}
