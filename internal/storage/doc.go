// Package storage persists schedules, delivery logs and the channel
// directory in SQLite.
//
// Repositories are obtained from a Store (autocommit) or from a Tx inside
// WithinTx (one unit of work). The database runs with a single open
// connection, so code holding a Tx must only use the Tx's repositories.
package storage
