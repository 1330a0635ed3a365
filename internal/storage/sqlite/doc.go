// Package sqlite implements crawler.Store on a single SQLite file using the
// pure-Go modernc.org/sqlite driver. Queries are built with squirrel.
//
// The schema lives in versioned migrations under migrations/. Writes are
// serialized through one connection; dedup relies on the records primary key
// with ON CONFLICT DO NOTHING.
package sqlite
