// Package cell implements the lock-managed data unit of the padint service:
// a single integer cell ("PadInt") together with the read/write lock manager
// that arbitrates concurrent transactions touching it.
//
// # Overview
//
// A Cell holds two values. The committed value is what new readers observe.
// The working value belongs to the current writer: it is seeded from the
// committed value when the write lock is granted, copied back on commit and
// discarded on abort.
//
// Lock state lives next to the values and is protected by one mutex per cell:
//
//	┌──────────────────────────────────────────┐
//	│                 Cell                     │
//	├──────────────────────────────────────────┤
//	│  committed / working value               │
//	│  readers         ordered set of tids     │
//	│  writer          at most one tid         │
//	│  promotion       single upgrade slot     │
//	│  pendingReaders  FIFO                    │
//	│  pendingWriters  FIFO                    │
//	└──────────────────────────────────────────┘
//
// # Locking Rules
//
// AcquireRead grants immediately when no writer holds the cell and queues the
// caller otherwise. AcquireWrite grants immediately on a free cell, upgrades
// a lone reader in place, and otherwise either claims the promotion slot (when
// the caller is one of several readers) or queues behind the current holders.
//
// Only one promotion may be pending per cell. A second reader asking to
// upgrade while the slot is taken fails with ErrAbortRequired; it has to abort
// and retry. Two readers upgrading at once would otherwise wait for each other
// forever.
//
// # Queue Service
//
// Every release runs the same step, in priority order:
//
//  1. complete a pending promotion once the promoter is the only reader left
//  2. grant the head of pendingWriters when the cell is completely free
//  3. grant every pending reader, in arrival order, when no writer is present
//
// # Blocking
//
// Waiting callers park on a sync.Cond tied to the cell mutex. A waiter leaves
// the wait loop when its request is granted, when the request is withdrawn
// (Abort or Commit of the same transaction from another goroutine), when the
// cell is detached by a migration, or when its context ends. Withdrawal
// removes the request from its queue without touching other waiters.
package cell
