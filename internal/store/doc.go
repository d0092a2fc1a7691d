// Package store persists chat messages and stream session logs.
//
// # Interfaces
//
// MessageStore records the user and assistant messages of each chat.
// Assistant messages carry their segmented parts alongside plain text.
//
// LogStore records stream sessions and their ordered event logs so a client
// on another connection (or another relay process sharing the store) can
// replay and follow a generation.
//
// # Backends
//
//   - SQLiteStore (modernc.org/sqlite) implements both interfaces and may
//     serve both roles from one database.
//   - BadgerStore (dgraph-io/badger) implements LogStore with msgpack
//     encoded records.
//   - MemoryStore implements both for the memory backend and for tests, and
//     can be told to fail every call.
//
// # Errors
//
// ErrNotFound, ErrDuplicateStream, and ErrStreamClosed are returned by
// every backend and are matched with errors.Is.
package store
