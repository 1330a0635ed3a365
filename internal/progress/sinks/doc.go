// Package sinks implements run-log consumers: session storage, structured
// logging and Prometheus counters. Each satisfies progress.Sink.
package sinks
