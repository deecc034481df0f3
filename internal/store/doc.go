// Package store provides durable persistence for conversations, messages and
// read watermarks.
//
// # Architecture
//
// The Store interface is implemented by four backends:
//
//   - SQLiteStore: modernc.org/sqlite, the default single-node backend
//   - PostgresStore: pgx pool, schema managed by golang-migrate
//   - MongoStore: official v1 driver, requires a replica set for transactions
//   - MockStore: in-memory, for tests and development
//
// All writes that touch a conversation go through Transact, which hands the
// callback a Tx bound to one conversation row. The backend retries the
// callback when a concurrent writer conflicts with it, so callbacks must only
// mutate state through the Tx.
//
// # Ordering
//
// Tx.InsertMessage assigns each message a Seq one greater than the
// conversation's MessageSeq and a CreatedAt taken from the store clock,
// clamped so it is never older than the previous message. Messages are
// returned in ascending (CreatedAt, Seq) order.
//
// # Data Models
//
//   - Conversation: the thread between two participants, optionally scoped
//     to a property reference, carrying LastMessage and UnreadCounts
//   - Message: immutable log entry with optional Attachment
//   - ReadWatermark: the newest message a participant has acknowledged
//   - Participant: cached display metadata from the identity provider
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool is limited to one connection so writers are serialised and
// :memory: databases are shared across calls.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrUnavailable: transient backend failure, safe to retry
//   - ErrConflict: the conflict retry budget ran out
//
// # Testing
//
//	s := store.NewMockStore()
//	s.SetFailure(func(op string) error { return store.ErrUnavailable })
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
