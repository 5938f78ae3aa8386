// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/cpu"
)

// TickPeriod is the timer period the tick counts of the primitives are
// computed for.
const TickPeriod = 10 * time.Microsecond

// ScratchpadSize is the size of the buffer Read operations fill: the 8
// scratchpad bytes of a DS18B20 plus their CRC.
const ScratchpadSize = 9

// Tick counts, one tick per TickPeriod.
const (
	resetLowTicks      = 48 // reset pulse, >=480µs low
	presenceTicks      = 6  // presence detect window after release
	resetRecoveryTicks = 47 // rest of the 480µs reset window
	readWaitTicks      = 4  // end of a read slot after sampling
	writeSlotTicks     = 6  // write slot
)

// Op is a primitive bus operation of a Sequence.
type Op uint8

// Primitive operations.
const (
	OpInvalid Op = iota
	OpReset      // reset pulse and presence detect
	OpRead       // read Args[i] bytes into the scratchpad, LSB first
	OpWrite      // write the byte Args[i], LSB first
	OpEnd        // end of the sequence
)

func (o Op) String() string {
	switch o {
	case OpReset:
		return "Reset"
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpEnd:
		return "End"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Sequence is one complete device transaction.
//
// Ops and Args are parallel: the argument of a Read is the number of bytes to
// read (1..ScratchpadSize), of a Write the byte to send. Reset and End ignore
// their argument. The last operation must be OpEnd; anything after an
// earlier OpEnd is never run.
//
// Every Read stores from the start of the scratchpad.
type Sequence struct {
	Ops  []Op
	Args []byte
	// StrongPullup drives the line high after the last bit of every write
	// instead of leaving it to the pull-up resistor. The line stays driven
	// until the next slot or reset.
	StrongPullup bool
}

// Validate returns ErrInvalidSequence (possibly wrapped) if s can't be armed.
func (s Sequence) Validate() error {
	if len(s.Ops) == 0 || len(s.Ops) != len(s.Args) {
		return ErrInvalidSequence
	}
	if s.Ops[len(s.Ops)-1] != OpEnd {
		return fmt.Errorf("%w: missing End", ErrInvalidSequence)
	}
	for i, op := range s.Ops {
		switch op {
		case OpReset, OpWrite, OpEnd:
		case OpRead:
			if s.Args[i] == 0 || s.Args[i] > ScratchpadSize {
				return fmt.Errorf("%w: read of %d bytes at %d", ErrInvalidSequence, s.Args[i], i)
			}
		default:
			return fmt.Errorf("%w: %s at %d", ErrInvalidSequence, op, i)
		}
	}
	return nil
}

// SeqState is the state of the sequence engine.
type SeqState int32

// Sequence engine states.
const (
	SeqUninitialized SeqState = iota
	SeqInit                   // armed, first tick not yet delivered
	SeqStarted                // a primitive is running
	SeqTransitioning          // a primitive finished, next one not loaded yet
	SeqDone                   // completion function called
)

func (s SeqState) String() string {
	switch s {
	case SeqUninitialized:
		return "Uninitialized"
	case SeqInit:
		return "Init"
	case SeqStarted:
		return "Started"
	case SeqTransitioning:
		return "Transitioning"
	case SeqDone:
		return "Done"
	default:
		return fmt.Sprintf("SeqState(%d)", int32(s))
	}
}

var (
	// ErrInvalidSequence is returned by Arm for a malformed sequence and
	// recorded when the engine runs past the end of a sequence.
	ErrInvalidSequence = errors.New("onewirebb: invalid sequence")
	// ErrInvalidOperation is recorded when the engine meets an unknown
	// operation or primitive step.
	ErrInvalidOperation = errors.New("onewirebb: invalid operation")
	// ErrBusy is returned by Arm while a sequence is in flight.
	ErrBusy = errors.New("onewirebb: sequence in progress")
	// ErrResetTimeout is recorded when no device answered a reset pulse. It
	// implements onewire.BusError.
	ErrResetTimeout error = busError("onewirebb: no presence pulse after reset")
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// ParasitePower sets Sequence.StrongPullup for every sequence. Write
	// slots always release the line; only the end of a written byte is
	// driven high.
	ParasitePower bool
	// ReadPulse is how long the line is held low to open a read slot. It is
	// shorter than a tick and done with Delay.
	ReadPulse time.Duration
	// Delay busy-waits. Only used for ReadPulse.
	Delay func(time.Duration)
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ParasitePower: false,
	ReadPulse:     2 * time.Microsecond,
	Delay:         cpu.Nanospin,
}

// Master is a 1-wire bus master driven by Tick.
//
// The sequence fields are written by Arm while no sequence is in flight and
// by Tick while one is. The hand-off is the atomic state: Arm only succeeds
// when the state is Uninitialized or Done, and Tick does nothing in those
// states.
type Master struct {
	p         gpio.PinIO
	timer     Timer
	parasite  bool
	readPulse time.Duration
	delay     func(time.Duration)

	armMu  sync.Mutex
	stepMu sync.Mutex   // held by Tick, only contended by abandon
	state  atomic.Int32 // SeqState

	seq       Sequence
	done      func()
	pos       int
	op        Op
	countdown uint8
	reset     ResetStep
	read      readState
	write     writeState
	spad      [ScratchpadSize]byte
	err       error
}

// New returns a Master bit-banging the 1-wire bus on p, advanced by t.
//
// The line is released with its pull-up enabled and Tick is registered as
// the handler of t. The timer is not started.
func New(p gpio.PinIO, t Timer, opts *Opts) (*Master, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	m := &Master{
		p:         p,
		timer:     t,
		parasite:  opts.ParasitePower,
		readPulse: opts.ReadPulse,
		delay:     opts.Delay,
	}
	if m.readPulse == 0 {
		m.readPulse = DefaultOpts.ReadPulse
	}
	if m.delay == nil {
		m.delay = cpu.Nanospin
	}
	if err := m.Configure(); err != nil {
		return nil, err
	}
	if err := t.Init(m.Tick); err != nil {
		return nil, err
	}
	return m, nil
}

// Configure releases the line and enables its pull-up.
func (m *Master) Configure() error {
	return m.p.In(gpio.PullUp, gpio.NoEdge)
}

// Arm loads seq. done is called from Tick, exactly once, when the sequence
// is done; Err then tells whether it ran to its End.
//
// Arm does not start the timer.
func (m *Master) Arm(seq Sequence, done func()) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	m.armMu.Lock()
	defer m.armMu.Unlock()
	switch m.State() {
	case SeqInit, SeqStarted, SeqTransitioning:
		return ErrBusy
	}
	m.seq = seq
	m.done = done
	m.err = nil
	m.setState(SeqInit)
	return nil
}

// Start starts the timer delivering ticks.
func (m *Master) Start() error {
	return m.timer.Start()
}

// Stop stops the timer. It can be called from a completion function.
func (m *Master) Stop() error {
	return m.timer.Stop()
}

// State returns the sequence engine state.
func (m *Master) State() SeqState {
	return SeqState(m.state.Load())
}

// Position returns the index of the current operation.
func (m *Master) Position() int {
	return m.pos
}

// Op returns the current operation.
func (m *Master) Op() Op {
	return m.op
}

// Err returns the error of the last sequence, nil if it ran to its End.
func (m *Master) Err() error {
	return m.err
}

// ClearErr clears the error of the last sequence.
func (m *Master) ClearErr() {
	m.err = nil
}

// Scratchpad returns the bytes collected by Read operations.
func (m *Master) Scratchpad() [ScratchpadSize]byte {
	return m.spad
}

// ClearScratchpad zeroes the scratchpad. Only call it while no sequence is
// in flight.
func (m *Master) ClearScratchpad() {
	m.spad = [ScratchpadSize]byte{}
}

// Tick advances the current sequence by one step. It is the timer handler
// and never blocks; the longest step is the read slot low pulse.
func (m *Master) Tick() {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()
	switch m.State() {
	case SeqUninitialized, SeqDone:
		return
	case SeqInit:
		m.pos = 0
		m.op = m.seq.Ops[0]
		m.countdown = 0
		m.setState(SeqTransitioning)
	}

	switch m.op {
	case OpReset:
		if m.State() == SeqTransitioning {
			m.setState(SeqStarted)
			m.reset = ResetInit
		}
		m.doReset()
	case OpRead:
		if m.State() == SeqTransitioning {
			m.setState(SeqStarted)
			m.read.step = ReadInit
		}
		m.doRead()
	case OpWrite:
		if m.State() == SeqTransitioning {
			m.setState(SeqStarted)
			m.write.step = WriteInit
		}
		m.doWrite()
	case OpEnd:
		m.pos++
		m.setState(SeqDone)
	default:
		m.fail(ErrInvalidOperation)
	}
	if m.err != nil {
		m.setState(SeqDone)
	}

	if m.State() == SeqTransitioning {
		if m.pos >= len(m.seq.Ops) {
			// Ran past the end without meeting End.
			m.op = OpEnd
			m.fail(ErrInvalidSequence)
		} else {
			m.op = m.seq.Ops[m.pos]
		}
	}
	if m.State() == SeqDone && m.done != nil {
		m.done()
	}
}

func (m *Master) setState(s SeqState) {
	m.state.Store(int32(s))
}

// advance moves to the next operation once a primitive is done.
func (m *Master) advance() {
	m.pos++
	m.setState(SeqTransitioning)
}

// fail records err, keeping the first one, and terminates the sequence.
func (m *Master) fail(err error) {
	if m.err == nil {
		m.err = err
	}
	m.setState(SeqDone)
}

// elapsed decrements the tick countdown, never below zero, and reports
// whether it reached zero.
func (m *Master) elapsed() bool {
	if m.countdown > 0 {
		m.countdown--
	}
	return m.countdown == 0
}

func (m *Master) low() {
	if err := m.p.Out(gpio.Low); err != nil {
		m.fail(fmt.Errorf("onewirebb: %w", err))
	}
}

// high actively drives the line, only for the strong pull-up.
func (m *Master) high() {
	if err := m.p.Out(gpio.High); err != nil {
		m.fail(fmt.Errorf("onewirebb: %w", err))
	}
}

func (m *Master) release() {
	if err := m.p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		m.fail(fmt.Errorf("onewirebb: %w", err))
	}
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }
