// Package cluster is the HTTP/JSON transport of padint: route names, wire
// types, the error-code table and the client side of every call.
//
// # Overview
//
// Three kinds of traffic cross the network, all over the same transport:
//
//	┌────────┐   client API    ┌──────────────┐  control plane  ┌──────────────┐
//	│ client │ ──────────────▶ │ server (pri) │ ──────────────▶ │ server (bak) │
//	└────────┘                 └──────────────┘                 └──────────────┘
//	     │                            │   AttachCells                 ▲
//	     │  ServersInfo               ▼                               │
//	     │                     ┌──────────────┐                       │
//	     └───────────────────▶ │    master    │ ◀── Register ─────────┘
//	                           └──────────────┘     (after takeover)
//
// Client API routes:
//
//	POST /padint/create    UIDRequest                   → 201
//	POST /padint/confirm   UIDRequest                   → ConfirmResponse
//	POST /padint/read      ReadRequest                  → ReadResponse
//	POST /padint/write     WriteRequest                 → 204
//	POST /txn/commit       TxnRequest                   → 204
//	POST /txn/abort        TxnRequest                   → 204
//
// Control plane routes:
//
//	POST /control/primary    PrimaryRequest             → 204
//	POST /control/alive      {}                         → 204
//	POST /control/replicate  partition.Snapshot         → 204
//	POST /control/stepdown   StepDownRequest            → 204
//	POST /control/attach     server.AttachRequest       → 204
//	POST /control/freeze     {}                         → 204
//	POST /control/recover    {}                         → 204
//
// Master routes:
//
//	POST /register   RegisterRequest                    → RegisterResponse
//	GET  /servers    ?addresses=true                    → ServersResponse
//	POST /capacity   CapacityRequest                    → 204
//
// # Wire Format
//
// Every call is a JSON POST (GET for /info, /servers and /health). Success
// replies carry a JSON body or nothing. Failures carry
//
//	{"code": "abort_required", "message": "uid 7: promotion slot occupied, transaction must abort"}
//
// with an HTTP status from the same table. On the way back the code is turned
// into the package sentinel it came from, so callers keep matching with
// errors.Is across the network:
//
//	code                  status  sentinel
//	not_found             404     partition.ErrNotFound (also cell.ErrDetached)
//	already_exists        409     partition.ErrAlreadyExists
//	abort_required        409     cell.ErrAbortRequired
//	invalid_caller_state  400     cell.ErrInvalidCallerState
//	not_primary           503     server.ErrNotPrimary
//	not_backup            409     server.ErrNotBackup
//	peer_unreachable      502     server.ErrPeerUnreachable
//	no_reply              502     server.ErrNoReply
//
// A request that never reaches the other side (refused connection, unknown
// host) is reported as server.ErrPeerUnreachable. A request that may have
// been delivered but got no reply (reset connection, client timeout) is
// reported as server.ErrNoReply; only idempotent calls such as AttachCells
// are resent after it. The caller's own context error wins over both.
//
// # Peers
//
// Peer implements server.Peer for the control plane and also exposes the
// client operations. Resolver builds peers from addresses and is what a
// server is configured with:
//
//	srv := server.NewPrimary(reg.ID, reg.Capacity, server.Options{
//		Resolver:  cluster.NewResolver(nil),
//		Directory: directory.NewClient(masterAddr),
//	})
//
// A client reaches a cell by asking the master for the address table and
// calling the owning server directly:
//
//	p := cluster.NewPeer(addrs[id], nil)
//	v, err := p.ReadPadInt(ctx, tid, uid)
//	if errors.Is(err, cell.ErrAbortRequired) {
//		// abort tid everywhere and retry
//	}
//
// # Timeouts
//
// The shared client gives up after 5 seconds. Callers that need less pass a
// context deadline; lock waits on the server end when the client's request
// context does, so a cancelled read leaves no queued request behind.
package cluster
