// Package partition implements the per-server cell store of the padint
// service: the uid→Cell index, the capacity bound, and the bookkeeping for
// donating cells to the next server down the migration chain.
//
// # Overview
//
// Every padint server owns one Store. Servers are totally ordered by their
// server ID and form a chain that drains toward server 0:
//
//	server 3 ──donate──▶ server 2 ──donate──▶ server 1 ──donate──▶ server 0 (sink)
//
// A store overflows once it holds 2*bound cells. The overflowing server
// doubles its bound and hands its left neighbor every idle cell whose uid is
// below bound*id, the share of the uid space that belongs left of its
// position. If that frees fewer than half the previous bound the bound doubles
// again, so an overflow always moves something unless every cell is locked.
// A neighbor that overflows while absorbing the donation passes the pressure
// on, until server 0 takes the rest. Server 0 never donates; it only grows.
//
// For server 1 with bound 2 holding uids 1..4:
//
//	before   bound 2   cells 1 2 3 4    (overflow: 4 >= 2*2)
//	Donate   bound 4   cells 4          donated 1 2 3   (uid < 4*1)
//
// # Ordered Index
//
// Cells are kept in a github.com/google/btree ordered by uid. Donation
// candidates are found by ascending the index, and snapshots and donations
// come out sorted, which keeps replication and migration payloads
// deterministic.
//
// # Donation Protocol
//
// A donation has three steps, driven by the server:
//
//  1. Donate: doubles the bound, detaches the chosen idle cells, removes them
//     from the index and records their uids as in flight
//  2. the server ships the cells to the neighbor (outside any store lock)
//  3. Complete clears the in-flight record, or Rollback reinstates the cells
//     and the previous bound when the receiver refused them
//
// The receiving store runs Attach. It is all or nothing: one clashing uid
// refuses the whole donation, so the donor can roll back without leaving a
// copy behind. Attach also remembers the last migration IDs it applied and
// treats a repeat as done, which makes resending a donation after a lost
// reply safe.
//
// Cells with any lock state are never donated: Detach refuses them and they
// stay on the current server. While a uid is in flight, Create for that uid
// fails with ErrAlreadyExists so the uid never exists twice.
//
// # Concurrency Model
//
// The index is protected by an RWMutex. Lookups take the read lock only long
// enough to find the cell; lock acquisition on the cell itself happens after
// the store lock is released, so a transaction blocked on a cell never blocks
// the store.
package partition
