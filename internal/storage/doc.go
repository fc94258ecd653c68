// Package storage is the relational persistence layer of the bot.
//
// It holds the admissions catalog (programs, timeline types and their dated
// events), the users' notification subscriptions, the scheduled notification
// rows that mirror queued delivery jobs, and the operator audit log.
//
// Two drivers are supported through sqlx:
//   - "sqlite" (alias "sqlite3"): pure-Go modernc.org/sqlite, one writer
//   - "postgres": github.com/lib/pq
//
// Schema migrations are embedded per dialect and applied on Open.
package storage
