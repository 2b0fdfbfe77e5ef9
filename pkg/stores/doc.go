// Package stores records run history in SQLite: every apply run, the outcome
// of each of its units and the version facts resolved during it. The schema is
// managed with embedded golang-migrate migrations and the database runs in
// WAL mode.
//
// History is written for audit and for the history command only. Nothing in
// the reconciler reads it back, so every run still observes the host fresh.
package stores
