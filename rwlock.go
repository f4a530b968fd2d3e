// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package kadcast

import (
	"sync"
	"time"
)

// lockWarnAfter is the acquisition wait past which the diagnostic lock
// complains. Contention on the routing table should be invisible; waits in
// this range mean a critical section is doing too much.
const lockWarnAfter = time.Second

// rwLock wraps sync.RWMutex with optional acquisition diagnostics. The
// measurement only runs when diagnostics are requested, so the default
// path stays a plain mutex.
type rwLock struct {
	mu       sync.RWMutex
	diag     bool
	diagName string
}

func newRWLock(diagName string) *rwLock {
	return &rwLock{diagName: diagName}
}

// enableDiagnostics turns on slow-acquisition logging. Meant for
// troubleshooting builds; not safe to flip while the lock is in use.
func (l *rwLock) enableDiagnostics() {
	l.diag = true
}

func (l *rwLock) Lock() {
	if !l.diag {
		l.mu.Lock()
		return
	}

	start := time.Now()
	l.mu.Lock()

	if wait := time.Since(start); wait > lockWarnAfter {
		log.WithField("lock", l.diagName).
			WithField("wait", wait.String()).
			Warn("slow write acquisition")
	}
}

func (l *rwLock) Unlock() {
	l.mu.Unlock()
}

func (l *rwLock) RLock() {
	if !l.diag {
		l.mu.RLock()
		return
	}

	start := time.Now()
	l.mu.RLock()

	if wait := time.Since(start); wait > lockWarnAfter {
		log.WithField("lock", l.diagName).
			WithField("wait", wait.String()).
			Warn("slow read acquisition")
	}
}

func (l *rwLock) RUnlock() {
	l.mu.RUnlock()
}
