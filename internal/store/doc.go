// Package store is the default, SQLite-backed ledger backend.
//
// It keeps two append-only tables:
//   - ledger_entries: hash-linked records keyed by (subject_id, category, seq)
//     with a global unique index on hash_value
//   - audit_entries: one row per read attempt on protected data
//
// # Lane appends
//
// AppendEntry reads the lane tail and inserts the next entry inside one
// immediate transaction. The pool holds a single connection, so appends in
// this process are serialised; the primary key rejects a second writer
// that raced from another process.
//
// # Ordering
//
// Lane queries return entries ORDER BY seq ASC, then ir.SortEntries puts
// them in walk order (timestamp, seq). Audit queries are ORDER BY seq ASC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Timestamps are stored as the exact RFC 3339 text that was hashed.
package store
