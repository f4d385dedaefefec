// Package journal persists applied trade transitions to PostgreSQL.
//
// The Writer is a TransitionSink: the tracker hands it every transition it
// applies, the Writer queues it without blocking, and a consumer goroutine
// batches rows into INSERT ... ON CONFLICT DO NOTHING statements sent with
// pgx.Batch. Rows are append-only and keyed by a time-ordered UUID.
package journal
