// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebbtest is meant to be used to test code using onewirebb.
//
// Line simulates an open-drain 1-wire bus with a pull-up and one device on
// it, in units of ticks. Timer delivers ticks on demand and advances the
// Line's clock before each one.
package onewirebbtest

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Slot classification, in ticks of the master holding the line low.
const (
	readSlotMax  = 0  // a read slot is opened and released within one tick
	write1Max    = 2  // a "1" write slot is released after ~10µs
	resetMin     = 40 // a reset pulse is >=480µs
	presenceLen  = 12 // presence pulse 60-240µs
	readBitTicks = 2  // a "0" read bit is held until the master sampled it
)

// Device is a simulated 1-wire slave.
type Device interface {
	// Reset is called at the end of a reset pulse and returns whether the
	// device answers with a presence pulse.
	Reset() bool
	// Write is called for each write slot the master completes.
	Write(bit bool)
	// Read is called when the master opens a read slot and returns the bit
	// the device sends.
	Read() bool
}

// Line is a gpio.PinIO simulating a 1-wire bus.
//
// Out(gpio.Low) pulls the bus low; Out(gpio.High) and In(gpio.PullUp, ...)
// let it go. The time the master held the bus low, in ticks, tells apart
// read slots, "1" and "0" write slots and reset pulses.
type Line struct {
	gpiotest.Pin

	// Device answers on the bus. nil means an empty bus.
	Device Device
	// PresenceAfter is the number of ticks after the end of the reset pulse
	// at which the presence pulse starts. 0 means 2.
	PresenceAfter int

	mu            sync.Mutex
	now           int
	masterLow     bool
	lowSince      int
	presenceFrom  int
	presenceTo    int
	deviceLowTill int
	resets        int
	slots         []Slot
}

// Slot is a completed write slot or reset pulse, as seen by the device.
type Slot struct {
	Tick  int  // tick the master released the line
	Low   int  // ticks the master held the line low
	Reset bool // reset pulse
	Bit   bool // written bit, for write slots
}

// Advance moves the clock by one tick.
func (l *Line) Advance() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now++
}

// Now returns the current tick.
func (l *Line) Now() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Resets returns the number of reset pulses seen.
func (l *Line) Resets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets
}

// Slots returns the write slots and reset pulses seen, in order.
func (l *Line) Slots() []Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Slot(nil), l.slots...)
}

// WrittenBytes returns the bytes written since the last reset pulse,
// assembled LSB first. A trailing partial byte is dropped.
func (l *Line) WrittenBytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []byte
	var b byte
	n := 0
	for _, s := range l.slots {
		if s.Reset {
			out, b, n = nil, 0, 0
			continue
		}
		if s.Bit {
			b |= 1 << n
		}
		if n++; n == 8 {
			out = append(out, b)
			b, n = 0, 0
		}
	}
	return out
}

// Out implements gpio.PinOut.
func (l *Line) Out(level gpio.Level) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level == gpio.Low {
		if !l.masterLow {
			l.masterLow = true
			l.lowSince = l.now
		}
	} else {
		l.releaseLocked()
	}
	l.Pin.L = l.levelLocked()
	return nil
}

// In implements gpio.PinIn. Any pull lets the bus go; the bus pull-up is
// external.
func (l *Line) In(pull gpio.Pull, edge gpio.Edge) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
	l.Pin.P = pull
	l.Pin.L = l.levelLocked()
	return nil
}

// Read implements gpio.PinIn.
func (l *Line) Read() gpio.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levelLocked()
}

func (l *Line) levelLocked() gpio.Level {
	switch {
	case l.masterLow:
		return gpio.Low
	case l.now >= l.presenceFrom && l.now < l.presenceTo:
		return gpio.Low
	case l.now < l.deviceLowTill:
		return gpio.Low
	default:
		return gpio.High
	}
}

func (l *Line) releaseLocked() {
	if !l.masterLow {
		return
	}
	l.masterLow = false
	low := l.now - l.lowSince
	switch {
	case low <= readSlotMax:
		if l.Device != nil && !l.Device.Read() {
			l.deviceLowTill = l.now + readBitTicks
		}
	case low >= resetMin:
		l.resets++
		l.slots = append(l.slots, Slot{Tick: l.now, Low: low, Reset: true})
		l.presenceFrom, l.presenceTo = 0, 0
		if l.Device != nil && l.Device.Reset() {
			after := l.PresenceAfter
			if after == 0 {
				after = 2
			}
			l.presenceFrom = l.now + after
			l.presenceTo = l.presenceFrom + presenceLen
		}
	default:
		bit := low <= write1Max
		l.slots = append(l.slots, Slot{Tick: l.now, Low: low, Bit: bit})
		if l.Device != nil {
			l.Device.Write(bit)
		}
	}
}

var _ gpio.PinIO = &Line{}
