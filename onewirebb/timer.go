// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"runtime"
	"sync"
	"time"
)

// Timer is a periodic interrupt source.
//
// Init registers the handler called on every period. Start and Stop control
// delivery; Stop must be callable from the handler itself. Handler calls are
// never concurrent.
type Timer interface {
	Init(handler func()) error
	Start() error
	Stop() error
}

// Ticker is a Timer running the handler from a goroutine locked to its OS
// thread.
//
// It is meant for hosts without a hardware timer interrupt: the Go runtime
// does not guarantee a 10µs period, so slots are stretched whenever the
// goroutine is late. Devices tolerate long recovery times between slots but
// a late tick during a "1" write slot or a read slot can corrupt a bit; the
// CRC catches it.
type Ticker struct {
	period time.Duration

	mu      sync.Mutex
	handler func()
	stop    chan struct{}

	tickMu sync.Mutex // serialises handler calls across Stop/Start
}

// NewTicker returns a stopped Ticker with the given period.
func NewTicker(period time.Duration) *Ticker {
	return &Ticker{period: period}
}

func (t *Ticker) String() string {
	return "Ticker(" + t.period.String() + ")"
}

// Init implements Timer.
func (t *Ticker) Init(handler func()) error {
	if handler == nil {
		return errors.New("onewirebb: nil timer handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return errors.New("onewirebb: can't change the handler of a running timer")
	}
	t.handler = handler
	return nil
}

// Start implements Timer. Starting a running Ticker is a no-op.
func (t *Ticker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return errors.New("onewirebb: timer started before Init")
	}
	if t.period <= 0 {
		return errors.New("onewirebb: invalid timer period")
	}
	if t.stop != nil {
		return nil
	}
	t.stop = make(chan struct{})
	go t.run(t.stop, t.handler)
	return nil
}

// Stop implements Timer. A handler call already in progress completes.
func (t *Ticker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	return nil
}

func (t *Ticker) run(stop <-chan struct{}, handler func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
		}
		t.tickMu.Lock()
		select {
		case <-stop:
			t.tickMu.Unlock()
			return
		default:
		}
		handler()
		t.tickMu.Unlock()
	}
}

var _ Timer = &Ticker{}
