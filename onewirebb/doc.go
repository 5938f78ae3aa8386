// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebb implements a non-blocking 1-wire bus master that
// bit-bangs a single open-drain GPIO from a periodic timer.
//
// The 1-wire protocol needs reset pulses of 480µs and read/write time slots
// of a few tens of µs. Instead of busy-waiting for these, the protocol is cut
// into steps and every call to Master.Tick, normally once per TickPeriod from
// a hardware timer interrupt, advances it by one bounded step. Only the
// ~2µs low pulse that opens a read slot is shorter than a tick; it is done
// with a busy delay inside the step.
//
// A transaction is described as a Sequence: an ordered list of primitive
// operations (reset, read, write, end) with one argument each. The master
// runs the primitives one after the other and calls the completion function
// given to Arm exactly once when the sequence is done, either because it ran
// to its End or because the bus did not answer a reset.
//
// Open drain is emulated the same way as in the periph bit-bang I²C driver:
// the line is driven low with Out(gpio.Low) and released with
// In(gpio.PullUp, gpio.NoEdge), letting the pull-up bring it high.
//
// Known limitation: timing is only as good as the timer. A higher priority
// interrupt (or, on a host, the Go scheduler) delaying a tick stretches the
// current slot.
//
// Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS18B20.pdf
package onewirebb
