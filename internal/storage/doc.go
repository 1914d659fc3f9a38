// Package storage implements the transactional key/value store behind
// durable object instances.
//
// Three engines share one contract: Memory (a sorted in-process map),
// Bolt (a persistent bbolt file) and SQLite (an embedded SQL database with
// real savepoint transactions). Keys order byte-wise. Values are restricted
// to the JSON value model so they survive every boundary they cross.
//
// Every engine carries one alarm, driven by a shared Scheduler.
package storage
