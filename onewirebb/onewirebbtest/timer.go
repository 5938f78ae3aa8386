// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebbtest

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Timer is a fake onewirebb.Timer. Ticks are delivered by Tick and Run, or
// continuously from a goroutine while running when Free is set.
type Timer struct {
	// Line, when set, has its clock advanced before every tick.
	Line *Line
	// Free delivers ticks from a goroutine, as fast as possible, while the
	// timer is running. Set it before the first Start.
	Free bool

	mu      sync.Mutex
	handler func()
	running atomic.Bool
	starts  atomic.Int32
	stops   atomic.Int32
	ticks   atomic.Int64
	tickMu  sync.Mutex
}

// Init implements onewirebb.Timer.
func (t *Timer) Init(handler func()) error {
	if handler == nil {
		return errors.New("onewirebbtest: nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

// Start implements onewirebb.Timer.
func (t *Timer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return errors.New("onewirebbtest: Start before Init")
	}
	t.starts.Add(1)
	if t.running.Swap(true) {
		return nil
	}
	if t.Free {
		go func() {
			for t.Tick() {
			}
		}()
	}
	return nil
}

// Stop implements onewirebb.Timer.
func (t *Timer) Stop() error {
	t.stops.Add(1)
	t.running.Store(false)
	return nil
}

// Running reports whether the timer is started.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Starts returns the number of calls to Start.
func (t *Timer) Starts() int {
	return int(t.starts.Load())
}

// Stops returns the number of calls to Stop.
func (t *Timer) Stops() int {
	return int(t.stops.Load())
}

// Ticks returns the number of ticks delivered.
func (t *Timer) Ticks() int {
	return int(t.ticks.Load())
}

// Tick delivers one tick if the timer is running and reports whether it did.
func (t *Timer) Tick() bool {
	t.tickMu.Lock()
	defer t.tickMu.Unlock()
	if !t.running.Load() {
		return false
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if t.Line != nil {
		t.Line.Advance()
	}
	t.ticks.Add(1)
	h()
	return true
}

// Run delivers up to n ticks, stopping early when the timer is stopped, and
// returns the number delivered.
func (t *Timer) Run(n int) int {
	i := 0
	for ; i < n; i++ {
		if !t.Tick() {
			break
		}
	}
	return i
}
