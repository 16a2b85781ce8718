//go:build !deadlock

// Package syncutil provides the mutex types used across go-pandacan.
// Plain sync mutexes are used by default; build with -tags=deadlock to swap in
// github.com/sasha-s/go-deadlock when chasing lock-order problems between the
// transmit path and the completion goroutine.
package syncutil

import "sync"

// Mutex wraps sync.Mutex. Build with -tags=deadlock for deadlock detection.
//
//nolint:gocritic // Intentionally embedding sync.Mutex to expose its interface
type Mutex struct {
	sync.Mutex
}

// RWMutex wraps sync.RWMutex. Build with -tags=deadlock for deadlock detection.
//
//nolint:gocritic // Intentionally embedding sync.RWMutex to expose its interface
type RWMutex struct {
	sync.RWMutex
}
