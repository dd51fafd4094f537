/*
Package storage provides BoltDB-backed persistence for the desired-state
projection: nodes, endpoints, users, grants, per-(user,node) quotas, reality
domains, and the materialized membership index derived from them.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│  BoltStore                                                │
	│  - File: <dataDir>/state.db                               │
	│  - One bucket per entity kind, JSON-encoded values         │
	│  - Transactions: ACID with fsync                           │
	└────────────────────────────────────────────────────────────┘

This store is never written to directly by request handlers: every mutation
flows through a committed Command applied by the Raft FSM in pkg/consensus,
which keeps every replica's BoltStore byte-identical after replaying the
same log prefix. Reads (ListNodes, GetGrant, ...) are served straight from
this projection without going through consensus.

Export/Import round-trip the whole projection to a single Snapshot
document, which is what the FSM persists to and restores from the Raft
snapshot store. Import refuses a SchemaVersion it does not recognize rather
than attempt a migration.
*/
package storage
