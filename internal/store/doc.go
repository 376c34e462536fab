// Package store provides SQLite-backed durable storage for the Cutter Ledger
// and the State Ledger.
//
// The store holds four append-only relations:
//   - cutter__events: operational events with an opaque subject_ref and a hash chain
//   - state__entities: things that can carry declared state
//   - state__recognition_owners: ownership rows, closed at most once
//   - state__declarations: explicit state assertions, never edited
//
// # Append-only enforcement
//
// Every write goes through execGuarded, which rejects UPDATE, DELETE, REPLACE,
// DROP and ALTER against committed history before SQLite sees the statement.
// BEFORE UPDATE/DELETE triggers enforce the same rules for raw SQL through DB(),
// and BEFORE INSERT triggers refuse an INSERT OR REPLACE that would displace
// a committed row.
// Either layer reports ErrAppendOnlyViolation.
//
// # Time
//
// Timestamps are assigned by the store clock (WithClock), stored as INTEGER
// unix milliseconds UTC. Ordering within a relation uses the integer id,
// never the timestamp.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Event content hashes are computed in internal/record using canonical JSON
// and SHA-256 with domain separation.
package store
