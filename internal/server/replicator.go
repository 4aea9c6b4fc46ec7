package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// markDirty schedules a snapshot push. Pending pushes coalesce.
func (p *Primary) markDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// replicate pushes a full snapshot to the backup after every batch of
// mutations, no faster than the limiter allows. A failed push leaves the
// replica stale until a heartbeat gets through again.
func (p *Primary) replicate(ctx context.Context) {
	defer p.wg.Done()
	log := p.s.log.With(zap.String("backup", p.backupAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.dirty:
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		snap := p.s.store.Snapshot()
		callCtx, cancel := context.WithTimeout(ctx, p.s.opts.RequestTimeout)
		err := p.backup.Replicate(callCtx, snap)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.stale.Store(true)
			p.s.metrics.Replications.WithLabelValues("error").Inc()
			log.Warn("replication failed", zap.Error(err))
			continue
		}
		p.stale.Store(false)
		p.s.metrics.Replications.WithLabelValues("ok").Inc()
		log.Debug("replica pushed", zap.Int("cells", len(snap.Cells)))
	}
}

// sendHeartbeats tells the backup this primary is alive every interval.
func (p *Primary) sendHeartbeats(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, p.s.opts.RequestTimeout)
		err := p.backup.ImAlive(callCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.s.metrics.Heartbeats.WithLabelValues("sent", "error").Inc()
			p.s.log.Debug("heartbeat not delivered", zap.String("backup", p.backupAddr), zap.Error(err))
			continue
		}
		p.s.metrics.Heartbeats.WithLabelValues("sent", "ok").Inc()
		if p.stale.Load() {
			p.markDirty()
		}
	}
}
