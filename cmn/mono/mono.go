//go:build !mono

// Package mono provides a process-local monotonic clock. Building with the
// "mono" tag swaps in the runtime.nanotime variant in fast_nanotime.go.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start. It never goes
// backwards, unlike wall-clock time, and is cheap enough to call per frame.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }
