// Package store implements durable storage for the Secure Element.
//
// The store is an append-only log of DER-encoded log messages keyed by
// signature counter, plus the state the rest of the system derives from it:
//
//   - chain_head: last committed signature counter and transaction number
//   - transactions: open and closed transactions with their counter brackets
//   - users: PIN/PUK hashes, retry counters, blocked flags
//   - certificates: signing certificates, one active per key purpose
//   - device: lifecycle state and description
//   - restored_files: log files imported from backups
//
// # Atomic Appends
//
// Append writes a message, advances chain_head and applies any Effects in a
// single SQL transaction. A crash at any point leaves either the complete
// record or nothing, so the next counter is always chain_head + 1:
//
//	err := st.Append(ctx, rec,
//	    store.TransactionStarted{Number: 4, ClientID: "pos1"},
//	)
//
// Appends that do not continue the chain fail with ErrNonContiguous.
//
// # Snapshots
//
// View runs a function against one SQL transaction, so exports see a
// consistent set of messages and can mark what they exported atomically.
//
// # Drivers
//
// Both github.com/mattn/go-sqlite3 ("sqlite3", cgo) and modernc.org/sqlite
// ("sqlite", pure Go) are registered; select one with WithDriver.
package store
