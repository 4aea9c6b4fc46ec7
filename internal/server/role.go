package server

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dreamware/padint/internal/partition"
)

var (
	// ErrNotPrimary is returned by a backup for client operations.
	ErrNotPrimary = errors.New("server is not the primary")

	// ErrNotBackup is returned by a primary asked to apply a replica snapshot.
	ErrNotBackup = errors.New("server is not a backup")

	// ErrPeerUnreachable wraps failures to reach another server or the master.
	// The request was not delivered.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrNoReply wraps transport failures after a request may have been
	// delivered. The peer may or may not have applied it.
	ErrNoReply = errors.New("no reply from peer")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("server closed")

	errStaleRole = errors.New("role no longer active")
)

// Role names, as reported by Info and the role gauge.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
	RoleFrozen  = "frozen"
)

// AttachRequest carries cells donated by the right neighbor.
type AttachRequest struct {
	MigrationID string                `json:"migration_id"`
	From        int                   `json:"from"`
	Addresses   map[int]string        `json:"addresses"`
	Cells       []partition.CellState `json:"cells"`
}

// Servers is the master's view of the cluster.
type Servers struct {
	Addresses  map[int]string `json:"addresses,omitempty"`
	Capacities map[int]int    `json:"capacities"`
	Status     map[int]string `json:"status,omitempty"`
}

// Registration is the master's answer to Register.
type Registration struct {
	ID       int `json:"id"`
	Capacity int `json:"capacity"`
}

// Peer is the control plane of another padint server.
type Peer interface {
	ImAlive(ctx context.Context) error
	Replicate(ctx context.Context, snap partition.Snapshot) error
	CreatePrimaryServer(ctx context.Context, backupAddr string, snap *partition.Snapshot) error
	StepDown(ctx context.Context, primaryAddr string, snap partition.Snapshot) error
	AttachCells(ctx context.Context, req AttachRequest) error
}

// Resolver turns a server address into a Peer.
type Resolver interface {
	Peer(addr string) Peer
}

// Directory is the master directory as seen by a server.
type Directory interface {
	Register(ctx context.Context, id int, addr string) (Registration, error)
	ServersInfo(ctx context.Context, wantAddresses bool) (Servers, error)
	SetCapacity(ctx context.Context, id, capacity int) error
}

// Role is the behavior a server currently exhibits. Exactly one role is
// active per server; the server forwards every call to it.
type Role interface {
	Name() string

	CreatePadInt(ctx context.Context, uid int) error
	ConfirmPadInt(ctx context.Context, uid int) (bool, error)
	ReadPadInt(ctx context.Context, tid, uid int) (int, error)
	WritePadInt(ctx context.Context, tid, uid, value int) error
	Commit(ctx context.Context, tid int, uids []int) error
	Abort(ctx context.Context, tid int, uids []int) error

	ImAlive(ctx context.Context) error
	Replicate(ctx context.Context, snap partition.Snapshot) error
	AttachCells(ctx context.Context, req AttachRequest) error

	// stop releases timers and goroutines once the role is replaced.
	stop()
}
