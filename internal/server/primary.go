package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/dreamware/padint/internal/cell"
	"github.com/dreamware/padint/internal/partition"
)

// Primary serves client transactions and keeps its backup, if any, up to
// date with the committed state.
type Primary struct {
	s          *Server
	backup     Peer
	limiter    *rate.Limiter
	dirty      chan struct{}
	cancel     context.CancelFunc
	backupAddr string
	wg         sync.WaitGroup
	stale      atomic.Bool
}

// newPrimary builds a primary. With a backup address it starts the
// replicator and the heartbeat sender; the first snapshot goes out at once.
func (s *Server) newPrimary(backupAddr string) *Primary {
	p := &Primary{
		s:          s,
		backupAddr: backupAddr,
		dirty:      make(chan struct{}, 1),
	}
	if backupAddr == "" {
		return p
	}

	p.backup = s.opts.Resolver.Peer(backupAddr)
	p.limiter = rate.NewLimiter(s.opts.ReplicationRate, s.opts.ReplicationBurst)

	ctx, cancel := context.WithCancel(s.ctx)
	p.cancel = cancel
	p.markDirty()

	p.wg.Add(2)
	go p.replicate(ctx)
	go p.sendHeartbeats(ctx)
	return p
}

// Name returns RolePrimary.
func (p *Primary) Name() string { return RolePrimary }

// CreatePadInt adds a cell and migrates when the store overflows. A failed
// migration is logged; the cell stays created.
func (p *Primary) CreatePadInt(ctx context.Context, uid int) error {
	overflow, err := p.s.store.Create(uid)
	if err != nil {
		return err
	}
	p.markDirty()
	p.s.updateGauges()

	if overflow {
		if err := p.s.migrate(ctx, nil); err != nil {
			p.s.log.Warn("migration after create failed", zap.Int("uid", uid), zap.Error(err))
		}
	}
	return nil
}

// ConfirmPadInt reports whether uid is held here.
func (p *Primary) ConfirmPadInt(_ context.Context, uid int) (bool, error) {
	return p.s.store.Contains(uid), nil
}

// ReadPadInt waits for a read lock on uid and returns the value tid sees.
// A cell that migrates away while tid waits reads as not found.
func (p *Primary) ReadPadInt(ctx context.Context, tid, uid int) (int, error) {
	c, err := p.s.store.Get(uid)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resume := parked(ctx)
	err = c.AcquireRead(ctx, tid)
	resume()
	p.s.metrics.LockWait.WithLabelValues("read").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, p.cellError(err, uid)
	}
	return c.Value(tid), nil
}

// WritePadInt waits for the write lock on uid, promoting tid's read lock if
// it holds one, and sets tid's working value.
func (p *Primary) WritePadInt(ctx context.Context, tid, uid, value int) error {
	c, err := p.s.store.Get(uid)
	if err != nil {
		return err
	}

	start := time.Now()
	resume := parked(ctx)
	err = c.AcquireWrite(ctx, tid)
	resume()
	p.s.metrics.LockWait.WithLabelValues("write").Observe(time.Since(start).Seconds())
	if err != nil {
		return p.cellError(err, uid)
	}
	return p.cellError(c.Set(tid, value), uid)
}

// Commit makes tid's writes on uids visible and releases its locks. Every uid
// must exist; per-cell failures are collected and returned together.
func (p *Primary) Commit(_ context.Context, tid int, uids []int) error {
	return p.finish(tid, uids, (*cell.Cell).Commit)
}

// Abort discards tid's writes on uids and releases or withdraws its locks.
func (p *Primary) Abort(_ context.Context, tid int, uids []int) error {
	return p.finish(tid, uids, (*cell.Cell).Abort)
}

func (p *Primary) finish(tid int, uids []int, op func(*cell.Cell, int) error) error {
	uids = slices.Clone(uids)
	slices.Sort(uids)
	uids = slices.Compact(uids)
	cells, err := p.s.store.Lookup(uids)
	if err != nil {
		return err
	}

	var errs error
	for i, c := range cells {
		if err := op(c, tid); err != nil {
			errs = multierr.Append(errs, p.cellError(err, uids[i]))
		}
	}
	p.markDirty()
	return errs
}

// ImAlive is acknowledged without effect; only backups track heartbeats.
func (p *Primary) ImAlive(context.Context) error { return nil }

// Replicate is refused; snapshots flow from primary to backup only.
func (p *Primary) Replicate(context.Context, partition.Snapshot) error { return ErrNotBackup }

// AttachCells absorbs a donation from the right neighbor and passes the
// overflow further down the chain with the sender's address table. A
// donation that clashes with held cells is refused as a whole.
func (p *Primary) AttachCells(ctx context.Context, req AttachRequest) error {
	log := p.s.log.With(zap.String("migration_id", req.MigrationID), zap.Int("from", req.From))
	overflow, repeat, err := p.s.store.Attach(req.MigrationID, req.Cells)
	switch {
	case err != nil:
		log.Warn("donation refused", zap.Error(err))
		return err
	case repeat:
		log.Info("donation already attached")
		return nil
	}
	p.markDirty()
	p.s.updateGauges()
	log.Info("cells attached", zap.Int("cells", len(req.Cells)))

	if overflow {
		if err := p.s.migrate(ctx, req.Addresses); err != nil {
			log.Warn("cascading migration failed", zap.Error(err))
		}
	}
	return nil
}

// cellError maps lock manager errors to what callers see. A detached cell
// has moved to another server, which the caller observes as not found.
func (p *Primary) cellError(err error, uid int) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cell.ErrDetached):
		return errors.Wrapf(partition.ErrNotFound, "uid %d moved", uid)
	case errors.Is(err, cell.ErrAbortRequired):
		p.s.metrics.AbortRequired.Inc()
	}
	return errors.Wrapf(err, "uid %d", uid)
}

func (p *Primary) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}
