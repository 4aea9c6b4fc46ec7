package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/padint/internal/partition"
)

// Backup holds a replica of its primary's committed state and takes over
// when the primary stops sending heartbeats.
type Backup struct {
	s           *Server
	primary     Peer
	hb          *heartbeat
	primaryAddr string
}

// newBackup builds a backup of the primary at primaryAddr. Its heartbeat
// timer starts at once; if it fires the backup takes over.
func (s *Server) newBackup(primaryAddr string) *Backup {
	b := &Backup{
		s:           s,
		primary:     s.opts.Resolver.Peer(primaryAddr),
		primaryAddr: primaryAddr,
	}
	b.hb = newHeartbeat(s.opts.HeartbeatTimeout, func() { s.takeover(b) })
	return b
}

// Name returns RoleBackup.
func (b *Backup) Name() string { return RoleBackup }

// Client operations and donations are refused with ErrNotPrimary. Clients
// that reach a backup look the primary up at the master again.

func (b *Backup) CreatePadInt(context.Context, int) error { return ErrNotPrimary }

func (b *Backup) ConfirmPadInt(context.Context, int) (bool, error) { return false, ErrNotPrimary }

func (b *Backup) ReadPadInt(context.Context, int, int) (int, error) { return 0, ErrNotPrimary }

func (b *Backup) WritePadInt(context.Context, int, int, int) error { return ErrNotPrimary }

func (b *Backup) Commit(context.Context, int, []int) error { return ErrNotPrimary }

func (b *Backup) Abort(context.Context, int, []int) error { return ErrNotPrimary }

func (b *Backup) AttachCells(context.Context, AttachRequest) error { return ErrNotPrimary }

// ImAlive pushes the takeover deadline out. A heartbeat arriving after the
// timer fired does not cancel the takeover.
func (b *Backup) ImAlive(context.Context) error {
	if b.hb.Reset() {
		b.s.metrics.Heartbeats.WithLabelValues("received", "ok").Inc()
	} else {
		b.s.metrics.Heartbeats.WithLabelValues("received", "late").Inc()
	}
	return nil
}

// Replicate replaces the local replica wholesale.
func (b *Backup) Replicate(_ context.Context, snap partition.Snapshot) error {
	b.s.store.Restore(snap)
	b.hb.Reset()
	b.s.updateGauges()
	b.s.log.Debug("replica updated",
		zap.Int("server_id", snap.ServerID),
		zap.Int("cells", len(snap.Cells)),
		zap.Int("bound", snap.Bound))
	return nil
}

func (b *Backup) stop() {
	b.hb.Stop()
}
