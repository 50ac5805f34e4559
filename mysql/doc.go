// Package mysql provides the outbox store on a shared MySQL 8.0.19+ server.
//
// It suits gateways that queue submissions on behalf of many clients and run
// several replay workers. The consumer uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY created_at, id (UUID v7 breaks ties in creation order)
//   - LIMIT for batching
//
// The DSN must enable parseTime. See Schema/SchemaBinary for DDL and
// PurgeMaintainer for periodic removal of dead submissions.
package mysql
