// Package outbox provides an offline-capable submission outbox.
//
// Typical flow:
//  1. A Coordinator attempts to deliver a JSON body directly while the Monitor reports online.
//  2. When offline, or when the request cannot complete, the body is persisted as a Submission
//     in a durable Store and a replay is requested from a ReplayScheduler.
//  3. A Replayer drains pending submissions once connectivity returns. Delivered records
//     are deleted and definitive rejections dead-lettered; transient failures wait for the next pass.
//  4. The Coordinator reconciles its pending count on reconnection and on every replay report.
//
// Storage backends live in the sqlite (embedded, default) and mysql (shared server) packages.
package outbox
