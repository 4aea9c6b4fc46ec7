package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/padint/internal/partition"
)

// A donation whose delivery ended without a definite answer is resent with
// the same migration ID, transferAttempts times per round, transferRetryDelay
// apart. Receivers apply each migration ID once.
var (
	transferAttempts   = 3
	transferRetryDelay = 200 * time.Millisecond
)

// migrate relieves an overflowing store. The sink (server 0) only doubles
// its bound. Any other server doubles its bound and donates the idle cells
// left of its chain position to server id-1 (see partition.Store.Donate).
// addrs is the address table to route by; nil means ask the master.
//
// Delivery does not depend on the caller's context. A definite rejection
// rolls the donation back. When the outcome stays unknown the cells remain
// in flight and a background goroutine keeps resending until the receiver
// answers, so a cell is never held by both servers.
func (s *Server) migrate(ctx context.Context, addrs map[int]string) error {
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()

	if !s.store.Overflowing() {
		return nil
	}

	id := s.store.ID()
	log := s.log.With(zap.Int("server_id", id))
	if id == 0 {
		bound := s.store.Grow()
		s.migrated(ctx, id, bound)
		log.Info("sink grew", zap.Int("bound", bound))
		return nil
	}
	if id < 0 {
		return errors.Errorf("cannot migrate without a server id")
	}

	if addrs == nil {
		servers, err := s.directory().ServersInfo(ctx, true)
		if err != nil {
			s.metrics.Migrations.WithLabelValues("error").Inc()
			return errors.Wrap(err, "fetch address table")
		}
		addrs = servers.Addresses
	}
	target, ok := addrs[id-1]
	if !ok {
		s.metrics.Migrations.WithLabelValues("error").Inc()
		return errors.Wrapf(ErrPeerUnreachable, "no address for server %d", id-1)
	}

	d := s.store.Donate()
	log = log.With(zap.String("migration_id", d.ID), zap.Int("to", id-1))
	if len(d.Cells) == 0 {
		s.store.Complete(d)
		s.migrated(ctx, id, d.Bound)
		log.Info("no idle cells to donate", zap.Int("bound", d.Bound))
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	req := AttachRequest{
		MigrationID: d.ID,
		From:        id,
		Addresses:   addrs,
		Cells:       d.Cells,
	}
	err := s.transfer(ctx, target, req, false)
	switch {
	case err == nil:
		s.donated(ctx, d, log)
		return nil
	case outcomeUnknown(err):
		s.metrics.Migrations.WithLabelValues("pending").Inc()
		log.Warn("donation outcome unknown, resending in background",
			zap.Int("cells", len(d.Cells)), zap.Error(err))
		s.settle(target, req, d, log)
		return errors.Wrapf(err, "donate %d cells to server %d", len(d.Cells), id-1)
	default:
		s.rollback(d)
		return errors.Wrapf(err, "donate %d cells to server %d", len(d.Cells), id-1)
	}
}

// transfer sends req to target, resending while the outcome is unknown.
// Each attempt gets its own RequestTimeout. Once an attempt may have been
// applied (or unsure is set) an unreachable receiver, or one that is no
// longer primary, is not a rejection: the donation may already live on
// whichever server took its place.
func (s *Server) transfer(ctx context.Context, target string, req AttachRequest, unsure bool) error {
	peer := s.opts.Resolver.Peer(target)
	var err error
	for attempt := 0; attempt < transferAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(transferRetryDelay):
			case <-s.ctx.Done():
				return errors.Wrap(ErrNoReply, "server closing")
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		err = peer.AttachCells(callCtx, req)
		cancel()
		switch {
		case outcomeUnknown(err):
			unsure = true
		case unsure && (errors.Is(err, ErrPeerUnreachable) || errors.Is(err, ErrNotPrimary)):
		default:
			return err
		}
	}
	if !outcomeUnknown(err) {
		err = errors.Wrapf(ErrNoReply, "after an unanswered attempt: %v", err)
	}
	return err
}

// settle resends a donation in the background until it is accepted or
// rejected. Each round looks up the receiver's address again, since its
// backup may have taken over. If the server closes first the cells stay in
// flight.
func (s *Server) settle(target string, req AttachRequest, d *partition.Donation, log *zap.Logger) {
	s.settling.Add(1)
	go func() {
		defer s.settling.Done()
		for {
			select {
			case <-time.After(transferRetryDelay):
			case <-s.ctx.Done():
				log.Warn("server closed with donation unsettled", zap.Int("cells", len(d.Cells)))
				return
			}

			if servers, err := s.directory().ServersInfo(s.ctx, true); err == nil {
				if addr, ok := servers.Addresses[req.From-1]; ok && addr != target {
					log.Info("receiver moved", zap.String("addr", addr))
					target = addr
				}
			}
			err := s.transfer(s.ctx, target, req, true)
			if outcomeUnknown(err) {
				continue
			}

			s.migrateMu.Lock()
			if err == nil {
				s.donated(s.ctx, d, log)
			} else {
				s.rollback(d)
				log.Warn("donation rejected", zap.Error(err))
			}
			s.migrateMu.Unlock()
			return
		}
	}()
}

// outcomeUnknown reports whether err leaves open that the receiver applied
// the request. Anything else is an answer from the receiver, or a failure to
// reach it at all. nil is not unknown.
func outcomeUnknown(err error) bool {
	return errors.Is(err, ErrNoReply) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (s *Server) donated(ctx context.Context, d *partition.Donation, log *zap.Logger) {
	s.store.Complete(d)
	s.metrics.MigratedCells.Add(float64(len(d.Cells)))
	s.migrated(ctx, s.store.ID(), d.Bound)
	log.Info("cells donated",
		zap.Int("cells", len(d.Cells)),
		zap.Int("first_uid", d.Cells[0].UID),
		zap.Int("last_uid", d.Cells[len(d.Cells)-1].UID),
		zap.Int("bound", d.Bound))
}

func (s *Server) rollback(d *partition.Donation) {
	s.store.Rollback(d)
	s.updateGauges()
	if p, ok := s.current().(*Primary); ok {
		p.markDirty()
	}
	s.metrics.Migrations.WithLabelValues("rolled_back").Inc()
}

// migrated records a completed migration: replica, gauges and the master's
// capacity table. Reporting to the master is best effort.
func (s *Server) migrated(ctx context.Context, id, bound int) {
	s.metrics.Migrations.WithLabelValues("ok").Inc()
	s.updateGauges()
	if p, ok := s.current().(*Primary); ok {
		p.markDirty()
	}
	if err := s.directory().SetCapacity(ctx, id, bound); err != nil {
		s.log.Warn("capacity report failed", zap.Int("server_id", id), zap.Error(err))
	}
}

// directory returns the master client, or one that fails every call when
// the server runs without a master.
func (s *Server) directory() Directory {
	if s.opts.Directory == nil {
		return noDirectory{}
	}
	return s.opts.Directory
}

type noDirectory struct{}

func (noDirectory) Register(context.Context, int, string) (Registration, error) {
	return Registration{}, errors.Wrap(ErrPeerUnreachable, "no master configured")
}

func (noDirectory) ServersInfo(context.Context, bool) (Servers, error) {
	return Servers{}, errors.Wrap(ErrPeerUnreachable, "no master configured")
}

func (noDirectory) SetCapacity(context.Context, int, int) error {
	return errors.Wrap(ErrPeerUnreachable, "no master configured")
}
