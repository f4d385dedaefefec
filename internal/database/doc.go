// Package database provides the PostgreSQL connection pool behind the trade
// transition journal.
//
// The pool is optional: the matching client runs without it and the journal
// is only started when journal.enabled is set.
package database
