package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/dreamware/padint/internal/cell"
	"github.com/dreamware/padint/internal/partition"
)

func TestPrimaryTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("create and confirm", func(t *testing.T) {
		s := startPrimary(t, newNetwork(), nil, 0, 8)
		create(t, s, 1)

		ok, err := s.ConfirmPadInt(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ConfirmPadInt(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok)

		err = s.CreatePadInt(ctx, 1)
		assert.True(t, errors.Is(err, partition.ErrAlreadyExists))
	})

	t.Run("write commit read", func(t *testing.T) {
		s := startPrimary(t, newNetwork(), nil, 0, 8)
		create(t, s, 1, 2)

		require.NoError(t, s.WritePadInt(ctx, 10, 1, 5))
		v, err := s.ReadPadInt(ctx, 10, 1)
		require.NoError(t, err)
		assert.Equal(t, 5, v, "writer sees its working value")

		require.NoError(t, s.Commit(ctx, 10, []int{1}))
		v, err = s.ReadPadInt(ctx, 11, 1)
		require.NoError(t, err)
		assert.Equal(t, 5, v)
		require.NoError(t, s.Commit(ctx, 11, []int{1}))
	})

	t.Run("abort discards", func(t *testing.T) {
		s := startPrimary(t, newNetwork(), nil, 0, 8)
		create(t, s, 1)

		require.NoError(t, s.WritePadInt(ctx, 10, 1, 5))
		require.NoError(t, s.Abort(ctx, 10, []int{1}))
		assert.Equal(t, 0, committed(t, s, 1))
		assert.True(t, s.store.States()[0].Idle())
	})

	t.Run("unknown uid", func(t *testing.T) {
		s := startPrimary(t, newNetwork(), nil, 0, 8)
		_, err := s.ReadPadInt(ctx, 1, 42)
		assert.True(t, errors.Is(err, partition.ErrNotFound))
		err = s.WritePadInt(ctx, 1, 42, 0)
		assert.True(t, errors.Is(err, partition.ErrNotFound))
	})

	t.Run("commit fails whole call on missing uid", func(t *testing.T) {
		s := startPrimary(t, newNetwork(), nil, 0, 8)
		create(t, s, 1)
		require.NoError(t, s.WritePadInt(ctx, 10, 1, 5))

		err := s.Commit(ctx, 10, []int{1, 99})
		assert.True(t, errors.Is(err, partition.ErrNotFound))
		assert.Equal(t, 0, committed(t, s, 1))
		assert.True(t, s.store.States()[0].Writing, "lock untouched")
	})

	t.Run("per-cell failures are aggregated", func(t *testing.T) {
		s := startPrimary(t, newNetwork(), nil, 0, 8)
		create(t, s, 1, 2, 3)
		require.NoError(t, s.WritePadInt(ctx, 10, 2, 7))

		err := s.Commit(ctx, 10, []int{1, 2, 3, 2})
		require.Error(t, err)
		assert.True(t, errors.Is(err, cell.ErrInvalidCallerState))
		assert.Len(t, multierr.Errors(err), 2)
		assert.Equal(t, 7, committed(t, s, 2))
	})

	t.Run("double upgrade", func(t *testing.T) {
		s := startPrimary(t, newNetwork(), nil, 0, 8)
		create(t, s, 1)
		_, err := s.ReadPadInt(ctx, 1, 1)
		require.NoError(t, err)
		_, err = s.ReadPadInt(ctx, 2, 1)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- s.WritePadInt(ctx, 1, 1, 10) }()
		require.Eventually(t, func() bool { return s.store.States()[0].Promoting }, time.Second, time.Millisecond)

		err = s.WritePadInt(ctx, 2, 1, 20)
		assert.True(t, errors.Is(err, cell.ErrAbortRequired))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.AbortRequired))

		require.NoError(t, s.Abort(ctx, 2, []int{1}))
		require.NoError(t, <-done)
		require.NoError(t, s.Commit(ctx, 1, []int{1}))
		assert.Equal(t, 10, committed(t, s, 1))
	})
}

func TestRoleRejections(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	opts := testOptions(t, net, nil, "http://backup", true)
	opts.HeartbeatTimeout = time.Hour
	backup := NewBackup("http://nowhere", opts)
	t.Cleanup(backup.Close)

	assert.Equal(t, RoleBackup, backup.RoleName())
	assert.ErrorIs(t, backup.CreatePadInt(ctx, 1), ErrNotPrimary)
	_, err := backup.ConfirmPadInt(ctx, 1)
	assert.ErrorIs(t, err, ErrNotPrimary)
	_, err = backup.ReadPadInt(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrNotPrimary)
	assert.ErrorIs(t, backup.WritePadInt(ctx, 1, 1, 1), ErrNotPrimary)
	assert.ErrorIs(t, backup.Commit(ctx, 1, []int{1}), ErrNotPrimary)
	assert.ErrorIs(t, backup.Abort(ctx, 1, []int{1}), ErrNotPrimary)
	assert.ErrorIs(t, backup.AttachCells(ctx, AttachRequest{}), ErrNotPrimary)

	primary := startPrimary(t, net, nil, 0, 2)
	assert.ErrorIs(t, primary.Replicate(ctx, partition.Snapshot{}), ErrNotBackup)
	assert.NoError(t, primary.ImAlive(ctx))
	assert.ErrorIs(t, primary.Join(ctx), ErrNotBackup)
}

// joinedPair starts a primary with id 3 and a backup that joined it.
func joinedPair(t *testing.T, net *network, dir *fakeDirectory) (*Server, *Server) {
	t.Helper()
	primary := NewPrimary(3, 4, testOptions(t, net, dir, "http://primary", true))
	net.add(primary)
	t.Cleanup(primary.Close)
	_, _ = dir.Register(context.Background(), 3, primary.Addr())

	backup := NewBackup(primary.Addr(), testOptions(t, net, dir, "http://backup", true))
	net.add(backup)
	t.Cleanup(backup.Close)

	require.NoError(t, backup.Join(context.Background()))
	return primary, backup
}

func TestReplication(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	primary, backup := joinedPair(t, net, newFakeDirectory())

	create(t, primary, 1, 2)
	require.NoError(t, primary.WritePadInt(ctx, 1, 2, 9))
	require.NoError(t, primary.Commit(ctx, 1, []int{2}))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(primary.store.Snapshot(), backup.store.Snapshot())
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, backup.ID(), "backup adopts the primary's id")

	// heartbeats keep the backup passive
	assert.Never(t, func() bool { return backup.RoleName() != RoleBackup }, 400*time.Millisecond, 20*time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(backup.metrics.Heartbeats.WithLabelValues("received", "ok")), 0.0)
}

func TestTakeoverAfterPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	dir := newFakeDirectory()
	primary, backup := joinedPair(t, net, dir)

	create(t, primary, 1)
	require.NoError(t, primary.WritePadInt(ctx, 1, 1, 42))
	require.NoError(t, primary.Commit(ctx, 1, []int{1}))
	require.Eventually(t, func() bool { return backup.store.Contains(1) && committed(t, backup, 1) == 42 },
		2*time.Second, 5*time.Millisecond)

	primary.Close()
	net.setDown(primary.Addr(), true)

	require.Eventually(t, func() bool { return backup.RoleName() == RolePrimary }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(backup.metrics.Takeovers))
	assert.Equal(t, backup.Addr(), dir.address(3), "re-registered under the replicated id")

	v, err := backup.ReadPadInt(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestTakeoverHappensOnce(t *testing.T) {
	net := newNetwork()
	opts := testOptions(t, net, nil, "http://backup", true)
	opts.HeartbeatTimeout = time.Hour
	s := NewBackup("http://gone", opts)
	t.Cleanup(s.Close)
	b := s.current().(*Backup)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.takeover(b)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, RolePrimary, s.RoleName())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Takeovers))

	// a late firing of the replaced backup changes nothing
	p := s.current()
	s.takeover(b)
	assert.Same(t, p, s.current())
}

func TestTakeoverDemotesReachablePrimary(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	primary, backup := joinedPair(t, net, newFakeDirectory())
	create(t, primary, 1)
	require.Eventually(t, func() bool { return backup.store.Contains(1) }, 2*time.Second, 5*time.Millisecond)

	b := backup.current().(*Backup)
	backup.takeover(b)

	assert.Equal(t, RolePrimary, backup.RoleName())
	assert.Equal(t, RoleBackup, primary.RoleName())

	// roles swapped: the new primary replicates to the old one
	create(t, backup, 2)
	require.Eventually(t, func() bool { return primary.store.Contains(2) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, primary.ID())

	_, err := primary.ReadPadInt(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrNotPrimary)
}

func TestFrozenBarrier(t *testing.T) {
	ctx := context.Background()
	s := startPrimary(t, newNetwork(), nil, 0, 8)
	create(t, s, 1)

	s.Freeze()
	s.Freeze()
	assert.Equal(t, RoleFrozen, s.RoleName())

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadPadInt(ctx, 1, 1)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("read returned while frozen: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.CreatePadInt(short, 2), context.DeadlineExceeded)

	s.Recover()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after recover")
	}
	assert.Equal(t, RolePrimary, s.RoleName())

	s.Recover()
	assert.Equal(t, RolePrimary, s.RoleName())
}

func TestTakeoverWhileFrozen(t *testing.T) {
	net := newNetwork()
	opts := testOptions(t, net, nil, "http://backup", true)
	opts.HeartbeatTimeout = time.Hour
	s := NewBackup("http://gone", opts)
	t.Cleanup(s.Close)
	b := s.current().(*Backup)

	s.Freeze()
	s.takeover(b)
	assert.Equal(t, RoleFrozen, s.RoleName())

	done := make(chan error, 1)
	go func() { done <- s.CreatePadInt(context.Background(), 1) }()

	s.Recover()
	assert.Equal(t, RolePrimary, s.RoleName())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("create still blocked")
	}
}

func TestCreatePrimaryServerMergesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := startPrimary(t, newNetwork(), nil, 0, 8)
	create(t, s, 1)

	snap := &partition.Snapshot{Cells: []partition.CellState{{UID: 1, Value: 5}, {UID: 2, Value: 6}}}
	require.NoError(t, s.CreatePrimaryServer(ctx, "", snap))

	assert.Equal(t, RolePrimary, s.RoleName())
	assert.Equal(t, 0, committed(t, s, 1))
	assert.Equal(t, 6, committed(t, s, 2))
}

func TestStepDownDetachesWaiters(t *testing.T) {
	ctx := context.Background()
	s := startPrimary(t, newNetwork(), nil, 0, 8)
	create(t, s, 1)
	require.NoError(t, s.WritePadInt(ctx, 1, 1, 3))

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadPadInt(ctx, 2, 1)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(s.store.States()[0].PendingReaders) == 1 }, time.Second, time.Millisecond)

	// a reader parked in a lock queue does not hold the transition up
	start := time.Now()
	require.NoError(t, s.StepDown(ctx, "http://other", partition.Snapshot{ServerID: 0, Bound: 8}))
	assert.Less(t, time.Since(start), s.opts.RequestTimeout/2)
	assert.Equal(t, RoleBackup, s.RoleName())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, partition.ErrNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

// gatedCommit holds Commit calls until released.
type gatedCommit struct {
	*Primary
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCommit) Commit(ctx context.Context, tid int, uids []int) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Primary.Commit(ctx, tid, uids)
}

func TestTransitionWaitsForRunningCalls(t *testing.T) {
	ctx := context.Background()
	s := startPrimary(t, newNetwork(), nil, 0, 8)
	create(t, s, 1)
	require.NoError(t, s.WritePadInt(ctx, 1, 1, 7))

	g := &gatedCommit{
		Primary: s.current().(*Primary),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.setRole(g)

	commitErr := make(chan error, 1)
	go func() { commitErr <- s.Commit(ctx, 1, []int{1}) }()
	<-g.entered

	stepped := make(chan error, 1)
	go func() {
		stepped <- s.StepDown(ctx, "http://other", partition.Snapshot{ServerID: 0, Bound: 8})
	}()

	select {
	case err := <-stepped:
		t.Fatalf("step down finished while a commit was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, RoleFrozen, s.RoleName())

	close(g.release)
	select {
	case err := <-commitErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit not finished")
	}
	select {
	case err := <-stepped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("step down not finished")
	}
	assert.Equal(t, RoleBackup, s.RoleName())
}

func TestInfo(t *testing.T) {
	ctx := context.Background()
	s := startPrimary(t, newNetwork(), nil, 2, 8)
	create(t, s, 1, 2)
	require.NoError(t, s.WritePadInt(ctx, 1, 2, 3))

	info := s.Info()
	assert.Equal(t, RolePrimary, info.Role)
	assert.Equal(t, 2, info.ServerID)
	assert.Equal(t, 8, info.Bound)
	assert.Equal(t, 2, info.Cells)
	require.Len(t, info.Locks, 1)
	assert.Equal(t, 2, info.Locks[0].UID)
	assert.Equal(t, 1, info.Locks[0].Writer)
}

func TestClose(t *testing.T) {
	s := startPrimary(t, newNetwork(), nil, 0, 8)
	s.Freeze()
	s.Close()
	s.Close()
	assert.ErrorIs(t, s.CreatePrimaryServer(context.Background(), "", nil), ErrClosed)
}
