// Package sqlite provides the outbox store on an embedded SQLite file.
//
// The file is opened in WAL mode with a busy timeout and a single connection.
// The schema is versioned with golang-migrate using the SQL files embedded
// under migrations/.
//
// Fetch claims a batch without holding a transaction, so HTTP delivery never
// blocks enqueuing. Only one batch may be claimed at a time; a second Fetch
// waits until the first batch is committed or rolled back. Ack, Fail and Dead
// are buffered and applied in one write transaction by Commit.
package sqlite
