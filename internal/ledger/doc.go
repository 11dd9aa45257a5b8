// Package ledger is the durable, capped message store.
//
// It currently supports:
//   - "file": dependency-free JSON document collection (one self-describing
//     document holding the whole capped collection)
//   - "sqlite": SQLite database file
//
// Both drivers enforce the same cap and FIFO eviction policy.
package ledger
