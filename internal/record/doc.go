// Package record defines the rows of the Cutter Ledger and State Ledger.
//
// This package contains value types plus the canonical encoding and hashing
// used on the write path. It imports nothing internal, so every other package
// may depend on it.
//
// Conventions:
//   - Timestamps are UTC and stored with millisecond precision
//   - Subject references are opaque "kind:id" strings, never foreign keys
//   - Declaration kinds are always explicit; nothing here compares state text
package record
