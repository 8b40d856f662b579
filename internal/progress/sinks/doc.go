// Package sinks implements concrete progress consumers: structured logging and
// job-store counters. Each sink satisfies the progress.Sink interface.
package sinks
