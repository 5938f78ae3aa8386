// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// ResetStep is a step of the reset primitive.
type ResetStep uint8

// Reset steps, datasheet p.15.
const (
	ResetInvalid           ResetStep = iota
	ResetInit                        // drive low
	ResetWaitLowHold                 // hold low 480µs, then release
	ResetWaitPresence                // sample for the presence pulse
	ResetWaitAfterPresence           // finish the 480µs window
	ResetDone
)

func (s ResetStep) String() string {
	switch s {
	case ResetInit:
		return "Init"
	case ResetWaitLowHold:
		return "WaitLowHold"
	case ResetWaitPresence:
		return "WaitPresenceResponse"
	case ResetWaitAfterPresence:
		return "WaitAfterPresence"
	case ResetDone:
		return "Done"
	default:
		return fmt.Sprintf("ResetStep(%d)", uint8(s))
	}
}

func (m *Master) doReset() {
	switch m.reset {
	case ResetInit:
		m.countdown = resetLowTicks
		m.reset = ResetWaitLowHold
		m.low()

	case ResetWaitLowHold:
		if m.elapsed() {
			m.release()
			m.reset = ResetWaitPresence
			m.countdown = presenceTicks
		}

	case ResetWaitPresence:
		m.elapsed()
		if m.p.Read() == gpio.Low {
			m.countdown = resetRecoveryTicks
			m.reset = ResetWaitAfterPresence
			return
		}
		if m.countdown == 0 {
			// Nobody home. Fatal for this sequence, the caller retries.
			m.release()
			m.fail(ErrResetTimeout)
		}

	case ResetWaitAfterPresence:
		if m.elapsed() {
			m.reset = ResetDone
		}

	case ResetDone:
		m.advance()

	default:
		m.fail(ErrInvalidOperation)
	}
}

// ReadStep is a step of the read primitive.
type ReadStep uint8

// Read steps, datasheet p.16.
const (
	ReadInvalid ReadStep = iota
	ReadInit
	ReadLineLow // open the slot
	ReadSample  // sample the bit
	ReadWait    // wait for the end of the slot
	ReadDone
)

func (s ReadStep) String() string {
	switch s {
	case ReadInit:
		return "Init"
	case ReadLineLow:
		return "LineLow"
	case ReadSample:
		return "Sample"
	case ReadWait:
		return "Wait"
	case ReadDone:
		return "Done"
	default:
		return fmt.Sprintf("ReadStep(%d)", uint8(s))
	}
}

type readState struct {
	step  ReadStep
	mask  byte // bit being read, 0 once the byte is complete
	data  byte // byte being assembled
	left  byte // bytes still to read
	count int  // bytes stored in the scratchpad
}

func (m *Master) doRead() {
	for m.readStep() {
	}
	if m.read.step == ReadDone {
		m.advance()
	}
}

// readStep runs one step and reports whether the next one runs in the same
// tick. That only happens when entering LineLow, so a tick runs at most two
// steps.
func (m *Master) readStep() bool {
	r := &m.read
	switch r.step {
	case ReadInit:
		r.mask = 0x01
		r.data = 0
		r.count = 0
		r.left = m.seq.Args[m.pos]
		r.step = ReadLineLow
		return true

	case ReadLineLow:
		m.low()
		m.delay(m.readPulse)
		m.release()
		r.step = ReadSample

	case ReadSample:
		if m.p.Read() == gpio.High {
			r.data |= r.mask
		}
		r.mask <<= 1
		m.countdown = readWaitTicks
		r.step = ReadWait

	case ReadWait:
		if !m.elapsed() {
			return false
		}
		if r.mask == 0 {
			if r.count >= len(m.spad) {
				m.fail(ErrInvalidOperation)
				return false
			}
			m.spad[r.count] = r.data
			r.count++
			r.data = 0
			r.mask = 0x01
			if r.left--; r.left == 0 {
				r.step = ReadDone
				return false
			}
		}
		r.step = ReadLineLow
		return true

	default:
		m.fail(ErrInvalidOperation)
	}
	return false
}

// WriteStep is a step of the write primitive.
type WriteStep uint8

// Write steps, datasheet p.16.
const (
	WriteInvalid WriteStep = iota
	WriteInit
	WriteLineLow // open the slot
	WriteFirst   // "1": release right away, then wait out the slot
	WaitFirst    // "0": hold low for the slot, then release
	WriteFinally // next bit
	WriteDone
)

func (s WriteStep) String() string {
	switch s {
	case WriteInit:
		return "Init"
	case WriteLineLow:
		return "LineLow"
	case WriteFirst:
		return "WriteFirst"
	case WaitFirst:
		return "WaitFirst"
	case WriteFinally:
		return "Finally"
	case WriteDone:
		return "Done"
	default:
		return fmt.Sprintf("WriteStep(%d)", uint8(s))
	}
}

type writeState struct {
	step WriteStep
	mask byte // bit being written, 0 once the byte is sent
	data byte
}

func (m *Master) doWrite() {
	for m.writeStep() {
	}
	if m.write.step == WriteDone {
		m.advance()
	}
}

// writeStep runs one step and reports whether the next one runs in the same
// tick, which only happens from Finally to LineLow.
func (m *Master) writeStep() bool {
	w := &m.write
	switch w.step {
	case WriteInit:
		w.data = m.seq.Args[m.pos]
		w.mask = 0x01
		w.step = WriteLineLow

	case WriteLineLow:
		if w.data&w.mask != 0 {
			w.step = WriteFirst
		} else {
			w.step = WaitFirst
		}
		m.countdown = writeSlotTicks
		m.low()

	case WriteFirst:
		if m.countdown == writeSlotTicks {
			m.release()
		}
		if m.elapsed() {
			w.step = WriteFinally
		}

	case WaitFirst:
		if m.elapsed() {
			m.release()
			w.step = WriteFinally
		}

	case WriteFinally:
		w.mask <<= 1
		if w.mask != 0 {
			w.step = WriteLineLow
			return true
		}
		if m.parasite || m.seq.StrongPullup {
			m.high()
		}
		w.step = WriteDone

	default:
		m.fail(ErrInvalidOperation)
	}
	return false
}
