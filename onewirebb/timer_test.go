// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for end := time.Now().Add(time.Second); time.Now().Before(end); time.Sleep(time.Millisecond) {
		if cond() {
			return
		}
	}
	t.Fatal("timed out")
}

func TestTicker(t *testing.T) {
	tk := NewTicker(100 * time.Microsecond)
	if s := tk.String(); s != "Ticker(100µs)" {
		t.Fatal(s)
	}
	if err := tk.Start(); err == nil {
		t.Fatal("Start before Init should fail")
	}
	if err := tk.Init(nil); err == nil {
		t.Fatal("nil handler should fail")
	}
	var n atomic.Int32
	if err := tk.Init(func() { n.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(); err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(); err != nil {
		t.Fatal(err)
	}
	if err := tk.Init(func() {}); err == nil {
		t.Fatal("Init while running should fail")
	}
	waitFor(t, func() bool { return n.Load() >= 5 })
	if err := tk.Stop(); err != nil {
		t.Fatal(err)
	}
	// Let a call in progress finish.
	time.Sleep(10 * time.Millisecond)
	got := n.Load()
	time.Sleep(10 * time.Millisecond)
	if n.Load() != got {
		t.Fatalf("handler called after Stop: %d -> %d", got, n.Load())
	}
	if err := tk.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestTicker_stopFromHandler(t *testing.T) {
	tk := NewTicker(100 * time.Microsecond)
	var n atomic.Int32
	if err := tk.Init(func() {
		if n.Add(1) == 3 {
			_ = tk.Stop()
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return n.Load() >= 3 })
	time.Sleep(10 * time.Millisecond)
	if got := n.Load(); got != 3 {
		t.Fatalf("handler called %d times", got)
	}
	// It can be restarted.
	if err := tk.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return n.Load() >= 4 })
	if err := tk.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestTicker_badPeriod(t *testing.T) {
	tk := NewTicker(0)
	if err := tk.Init(func() {}); err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(); err == nil {
		t.Fatal("expected error")
	}
}
