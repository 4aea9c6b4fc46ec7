package server

import (
	"context"
	"sync"

	"github.com/dreamware/padint/internal/partition"
)

// Frozen blocks every call until the server recovers, then hands the call
// to the role the freeze resolved to. A Frozen installed by a transition
// resolves to the transition's result; an operator freeze resolves to the
// role it replaced unless a takeover happened meanwhile.
type Frozen struct {
	successor Role
	// pending counts calls an operator freeze found running in the role
	// it replaced.
	pending  *inflight
	released chan struct{}
	once      sync.Once
	mu        sync.Mutex
}

func newFrozen(prior Role) *Frozen {
	return &Frozen{
		successor: prior,
		released:  make(chan struct{}),
	}
}

func (f *Frozen) Name() string { return RoleFrozen }

// resolved returns the role calls will be delegated to.
func (f *Frozen) resolved() Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successor
}

func (f *Frozen) setSuccessor(r Role) {
	f.mu.Lock()
	f.successor = r
	f.mu.Unlock()
}

// release unblocks all waiters. Only the first call has an effect.
func (f *Frozen) release(next Role) {
	f.once.Do(func() {
		if next != nil {
			f.setSuccessor(next)
		}
		close(f.released)
	})
}

func (f *Frozen) await(ctx context.Context) (Role, error) {
	select {
	case <-f.released:
		return f.resolved(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Frozen) CreatePadInt(ctx context.Context, uid int) error {
	r, err := f.await(ctx)
	if err != nil {
		return err
	}
	return r.CreatePadInt(ctx, uid)
}

func (f *Frozen) ConfirmPadInt(ctx context.Context, uid int) (bool, error) {
	r, err := f.await(ctx)
	if err != nil {
		return false, err
	}
	return r.ConfirmPadInt(ctx, uid)
}

func (f *Frozen) ReadPadInt(ctx context.Context, tid, uid int) (int, error) {
	r, err := f.await(ctx)
	if err != nil {
		return 0, err
	}
	return r.ReadPadInt(ctx, tid, uid)
}

func (f *Frozen) WritePadInt(ctx context.Context, tid, uid, value int) error {
	r, err := f.await(ctx)
	if err != nil {
		return err
	}
	return r.WritePadInt(ctx, tid, uid, value)
}

func (f *Frozen) Commit(ctx context.Context, tid int, uids []int) error {
	r, err := f.await(ctx)
	if err != nil {
		return err
	}
	return r.Commit(ctx, tid, uids)
}

func (f *Frozen) Abort(ctx context.Context, tid int, uids []int) error {
	r, err := f.await(ctx)
	if err != nil {
		return err
	}
	return r.Abort(ctx, tid, uids)
}

func (f *Frozen) ImAlive(ctx context.Context) error {
	r, err := f.await(ctx)
	if err != nil {
		return err
	}
	return r.ImAlive(ctx)
}

func (f *Frozen) Replicate(ctx context.Context, snap partition.Snapshot) error {
	r, err := f.await(ctx)
	if err != nil {
		return err
	}
	return r.Replicate(ctx, snap)
}

func (f *Frozen) AttachCells(ctx context.Context, req AttachRequest) error {
	r, err := f.await(ctx)
	if err != nil {
		return err
	}
	return r.AttachCells(ctx, req)
}

func (f *Frozen) stop() {}
