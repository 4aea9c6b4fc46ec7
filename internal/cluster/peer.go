package cluster

import (
	"context"
	"net/http"
	"strings"

	"github.com/dreamware/padint/internal/partition"
	"github.com/dreamware/padint/internal/server"
)

// Peer talks to one padint server over HTTP. It covers both the client API
// and the control plane, and satisfies server.Peer.
type Peer struct {
	client *http.Client
	addr   string
}

var _ server.Peer = (*Peer)(nil)

// NewPeer returns a Peer for the server at addr. A nil client uses the
// package default with a 5 second timeout.
func NewPeer(addr string, client *http.Client) *Peer {
	if client == nil {
		client = httpClient
	}
	return &Peer{addr: strings.TrimRight(addr, "/"), client: client}
}

// Addr returns the server address.
func (p *Peer) Addr() string { return p.addr }

func (p *Peer) post(ctx context.Context, path string, body, out any) error {
	return doJSON(ctx, p.client, http.MethodPost, p.addr+path, body, out)
}

// CreatePadInt posts to PathCreate. See server.Server.CreatePadInt.
func (p *Peer) CreatePadInt(ctx context.Context, uid int) error {
	return p.post(ctx, PathCreate, UIDRequest{UID: uid}, nil)
}

// ConfirmPadInt asks whether the server still holds uid.
func (p *Peer) ConfirmPadInt(ctx context.Context, uid int) (bool, error) {
	var resp ConfirmResponse
	err := p.post(ctx, PathConfirm, UIDRequest{UID: uid}, &resp)
	return resp.Exists, err
}

// ReadPadInt reads uid for tid.
//
// Parameters:
//   - ctx: also bounds the server-side lock wait, since the server sees the
//     request context end when the client gives up
//   - tid: transaction identifier
//   - uid: PadInt to read
//
// Returns:
//   - the value tid sees, or the remote error as its sentinel
//     (cell.ErrAbortRequired, partition.ErrNotFound, server.ErrNotPrimary)
func (p *Peer) ReadPadInt(ctx context.Context, tid, uid int) (int, error) {
	var resp ReadResponse
	err := p.post(ctx, PathRead, ReadRequest{TID: tid, UID: uid}, &resp)
	return resp.Value, err
}

// WritePadInt sets tid's working value of uid.
func (p *Peer) WritePadInt(ctx context.Context, tid, uid, value int) error {
	return p.post(ctx, PathWrite, WriteRequest{TID: tid, UID: uid, Value: value}, nil)
}

// Commit publishes tid's writes on uids held by this server.
func (p *Peer) Commit(ctx context.Context, tid int, uids []int) error {
	return p.post(ctx, PathCommit, TxnRequest{TID: tid, UIDs: uids}, nil)
}

// Abort discards tid's writes on uids held by this server.
func (p *Peer) Abort(ctx context.Context, tid int, uids []int) error {
	return p.post(ctx, PathAbort, TxnRequest{TID: tid, UIDs: uids}, nil)
}

// ImAlive sends one heartbeat.
func (p *Peer) ImAlive(ctx context.Context) error {
	return p.post(ctx, PathAlive, struct{}{}, nil)
}

// Replicate ships a full snapshot to a backup.
func (p *Peer) Replicate(ctx context.Context, snap partition.Snapshot) error {
	return p.post(ctx, PathReplicate, snap, nil)
}

// CreatePrimaryServer asks the server to act as primary with backupAddr as
// its backup. snap, when set, is merged into the server's cells.
func (p *Peer) CreatePrimaryServer(ctx context.Context, backupAddr string, snap *partition.Snapshot) error {
	return p.post(ctx, PathPrimary, PrimaryRequest{BackupAddr: backupAddr, Snapshot: snap}, nil)
}

// StepDown tells a former primary to become the backup of primaryAddr and
// replace its cells with snap.
func (p *Peer) StepDown(ctx context.Context, primaryAddr string, snap partition.Snapshot) error {
	return p.post(ctx, PathStepDown, StepDownRequest{PrimaryAddr: primaryAddr, Snapshot: snap}, nil)
}

// AttachCells delivers a donation. An error wrapping server.ErrNoReply or a
// context error leaves open whether the server applied it; resending the
// same request is safe.
func (p *Peer) AttachCells(ctx context.Context, req server.AttachRequest) error {
	return p.post(ctx, PathAttach, req, nil)
}

// Freeze suspends the server until Recover.
func (p *Peer) Freeze(ctx context.Context) error {
	return p.post(ctx, PathFreeze, struct{}{}, nil)
}

// Recover releases a frozen server.
func (p *Peer) Recover(ctx context.Context) error {
	return p.post(ctx, PathRecover, struct{}{}, nil)
}

// Info fetches the server's /info document.
func (p *Peer) Info(ctx context.Context) (server.Info, error) {
	var info server.Info
	err := doJSON(ctx, p.client, http.MethodGet, p.addr+PathInfo, nil, &info)
	return info, err
}

// Resolver hands out HTTP peers sharing one client.
type Resolver struct {
	client *http.Client
}

// NewResolver returns a Resolver. A nil client uses the package default.
func NewResolver(client *http.Client) *Resolver {
	return &Resolver{client: client}
}

// Peer returns an HTTP peer for addr.
func (r *Resolver) Peer(addr string) server.Peer {
	return NewPeer(addr, r.client)
}
