// Package persistence keeps the latest known status of every job between runs.
// It is a single SQLite file with one row per job name, written with
// last-write-wins semantics and never pruned.
//
// The store has no locking protocol for overlapping runs. Two publishers
// started at the same time against the same file may interleave their
// read-modify-write sequences; the intended usage is one run at a time
// from a periodic scheduler.
package persistence
