// Package progress fans session run-log entries out to pluggable sinks. The
// hub batches entries on a background goroutine, keeps emission order, and can
// be flushed before a session is closed so every entry is persisted first.
package progress
