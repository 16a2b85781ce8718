//go:build deadlock

// Package syncutil provides the mutex types used across go-pandacan.
// This file is compiled when building with -tags=deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Mutex wraps deadlock.Mutex for deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex for deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}

func init() {
	// Transfers complete in milliseconds; anything holding a lock this long
	// is stuck behind a completion that will never come.
	deadlock.Opts.DeadlockTimeout = 5 * time.Second
}
