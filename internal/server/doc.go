// Package server implements a padint server: a partition store fronted by a
// role state machine that decides how each call is handled.
//
// # Roles
//
// Exactly one role is active at a time:
//
//	┌──────────┐  heartbeat timeout   ┌──────────┐
//	│  Backup  │ ───────────────────▶ │ Primary  │
//	└──────────┘ ◀─────────────────── └──────────┘
//	      ▲           StepDown              ▲
//	      │                                 │
//	      └──────────── Frozen ─────────────┘
//	         (every transition passes here)
//
// A Primary serves client transactions. After each committed mutation it
// marks its replica dirty; a replicator goroutine pushes a full snapshot of
// committed values to the backup, paced by a rate limiter, and a ticker sends
// ImAlive every heartbeat interval.
//
// A Backup rejects client calls with ErrNotPrimary, replaces its cells with
// every snapshot it receives and resets its heartbeat timer on ImAlive. When
// the timer fires it takes over: it asks the former primary to step down and
// become its backup (failure is only logged), promotes itself with the
// replicated server ID and re-registers its address with the master.
//
// Frozen is the barrier role. It is installed for the duration of every
// transition, and by the operator Freeze call. Calls that reach it block until
// the barrier is released and are then handed to the role the freeze resolved
// to. A takeover that happens while the operator froze the server becomes the
// freeze's successor, so Recover releases callers into the new Primary.
//
// # Transitions
//
// Transitions are serialized by a dedicated mutex. The takeover path names
// the Backup it expects to replace; if that backup is no longer the active
// role the takeover is dropped. Together with the heartbeat timer firing at
// most once per backup this makes a backup promote at most once, however many
// firings race.
//
// # Migration
//
// Creating a cell may leave the store holding 2*bound cells. The server then
// migrates: server 0 doubles its bound, any other server doubles its bound and
// donates the idle cells left of its chain position to server id-1 via
// AttachCells. A receiver that overflows in turn continues the chain with the
// sender's address table. One migration runs per server at a time. New
// capacities are reported to the master on a best-effort basis.
//
// Delivery runs on a context detached from the client request. Its outcome
// is one of:
//
//	accepted        Complete; cells now live on the receiver only
//	refused         Rollback; the receiver answered with an error, or the
//	                request never left (ErrPeerUnreachable)
//	unknown         ErrNoReply or a timeout; resend with the same migration
//	                ID, first inline and then from a background goroutine
//	                that looks the receiver up at the master each round,
//	                until it answers
//
// While the outcome is unknown the cells are in flight on the donor, so they
// are never served by two servers. Receivers apply a migration ID once.
//
// # Draining
//
// Each call is counted against the role it was dispatched to. A transition
// installs its Frozen barrier and then waits, up to RequestTimeout, for the
// calls still running in the old role before it builds the new one. A commit
// racing StepDown therefore finishes against the old cells instead of finding
// them replaced. Calls parked in a cell lock queue are not waited for: they
// could be waiting on a transaction whose commit is held at the barrier. The
// rebuild detaches their cells and they fail with not found.
//
// # Known gaps
//
// Loss of the backup is not detected: the primary keeps retrying replication
// and heartbeats but never looks for a new backup. Lock state is not
// replicated, so transactions in flight at a takeover must be retried.
package server
