package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/padint/internal/metrics"
	"github.com/dreamware/padint/internal/partition"
)

// network routes peer calls to in-process servers. Addresses marked down,
// or never added, answer with ErrPeerUnreachable.
type network struct {
	servers map[string]*Server
	down    map[string]bool
	mu      sync.Mutex
}

func newNetwork() *network {
	return &network{
		servers: make(map[string]*Server),
		down:    make(map[string]bool),
	}
}

func (n *network) add(s *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[s.Addr()] = s
}

func (n *network) setDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

func (n *network) Peer(addr string) Peer {
	return &netPeer{n: n, addr: addr}
}

type netPeer struct {
	n    *network
	addr string
}

func (p *netPeer) target() (*Server, error) {
	p.n.mu.Lock()
	defer p.n.mu.Unlock()
	s, ok := p.n.servers[p.addr]
	if !ok || p.n.down[p.addr] {
		return nil, errors.Wrapf(ErrPeerUnreachable, "dial %s", p.addr)
	}
	return s, nil
}

func (p *netPeer) ImAlive(ctx context.Context) error {
	s, err := p.target()
	if err != nil {
		return err
	}
	return s.ImAlive(ctx)
}

func (p *netPeer) Replicate(ctx context.Context, snap partition.Snapshot) error {
	s, err := p.target()
	if err != nil {
		return err
	}
	return s.Replicate(ctx, snap)
}

func (p *netPeer) CreatePrimaryServer(ctx context.Context, backupAddr string, snap *partition.Snapshot) error {
	s, err := p.target()
	if err != nil {
		return err
	}
	return s.CreatePrimaryServer(ctx, backupAddr, snap)
}

func (p *netPeer) StepDown(ctx context.Context, primaryAddr string, snap partition.Snapshot) error {
	s, err := p.target()
	if err != nil {
		return err
	}
	return s.StepDown(ctx, primaryAddr, snap)
}

func (p *netPeer) AttachCells(ctx context.Context, req AttachRequest) error {
	s, err := p.target()
	if err != nil {
		return err
	}
	return s.AttachCells(ctx, req)
}

// fakeDirectory is an in-memory master.
type fakeDirectory struct {
	addrs map[int]string
	caps  map[int]int
	mu    sync.Mutex
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{addrs: make(map[int]string), caps: make(map[int]int)}
}

func (d *fakeDirectory) Register(_ context.Context, id int, addr string) (Registration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[id] = addr
	return Registration{ID: id, Capacity: d.caps[id]}, nil
}

func (d *fakeDirectory) ServersInfo(_ context.Context, wantAddresses bool) (Servers, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := Servers{Capacities: make(map[int]int)}
	for id, c := range d.caps {
		out.Capacities[id] = c
	}
	if wantAddresses {
		out.Addresses = make(map[int]string)
		for id, a := range d.addrs {
			out.Addresses[id] = a
		}
	}
	return out, nil
}

func (d *fakeDirectory) SetCapacity(_ context.Context, id, capacity int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps[id] = capacity
	return nil
}

func (d *fakeDirectory) capacity(id int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps[id]
}

func (d *fakeDirectory) address(id int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addrs[id]
}

// testOptions uses short timings. Servers with background goroutines get a
// no-op logger so nothing logs after the test returns.
func testOptions(t *testing.T, net *network, dir Directory, addr string, quiet bool) Options {
	log := zap.NewNop()
	if !quiet {
		log = zaptest.NewLogger(t)
	}
	opts := Options{
		Resolver:          net,
		Logger:            log,
		Metrics:           metrics.NewServer(),
		Addr:              addr,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
		ReplicationRate:   1000,
		ReplicationBurst:  10,
		RequestTimeout:    time.Second,
	}
	if dir != nil {
		opts.Directory = dir
	}
	return opts
}

func startPrimary(t *testing.T, net *network, dir *fakeDirectory, id, bound int) *Server {
	t.Helper()
	addr := "http://server-" + string(rune('a'+id))
	var d Directory
	if dir != nil {
		d = dir
		_, _ = dir.Register(context.Background(), id, addr)
		_ = dir.SetCapacity(context.Background(), id, bound)
	}
	s := NewPrimary(id, bound, testOptions(t, net, d, addr, false))
	net.add(s)
	t.Cleanup(s.Close)
	return s
}

func create(t *testing.T, s *Server, uids ...int) {
	t.Helper()
	for _, uid := range uids {
		if err := s.CreatePadInt(context.Background(), uid); err != nil {
			t.Fatalf("create %d: %v", uid, err)
		}
	}
}

func committed(t *testing.T, s *Server, uid int) int {
	t.Helper()
	c, err := s.store.Get(uid)
	if err != nil {
		t.Fatalf("get %d: %v", uid, err)
	}
	return c.Committed()
}

// fastTransfers shortens donation resends for one test. Call it before
// starting servers so it is undone after they close.
func fastTransfers(t *testing.T) {
	attempts, delay := transferAttempts, transferRetryDelay
	transferRetryDelay = time.Millisecond
	t.Cleanup(func() { transferAttempts, transferRetryDelay = attempts, delay })
}
