// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/owtemp/onewirebb"
)

// Commands, datasheet p.10-12.
const (
	cmdReadROM        = 0x33
	cmdSkipROM        = 0xcc
	cmdConvert        = 0x44
	cmdReadScratchpad = 0xbe
)

// seqKind is the device transaction a sequence implements.
type seqKind uint8

const (
	queryUUID seqKind = iota
	startConversion
	readScratchpad
)

func (k seqKind) String() string {
	switch k {
	case queryUUID:
		return "QueryUUID"
	case startConversion:
		return "StartConversion"
	case readScratchpad:
		return "ReadScratchpad"
	default:
		return fmt.Sprintf("seqKind(%d)", uint8(k))
	}
}

// sequence returns the bus operations of k.
//
// Read ROM makes the device send its 64 bit ROM code. The 0xBE write that
// follows is clocked while the device sends: its "1" slots read and its "0"
// slots are overwritten, so it consumes the family code and the 9 byte read
// gets the 6 serial bytes, the ROM CRC and two idle bytes.
func (k seqKind) sequence() onewirebb.Sequence {
	switch k {
	case queryUUID:
		return onewirebb.Sequence{
			Ops:  []onewirebb.Op{onewirebb.OpReset, onewirebb.OpWrite, onewirebb.OpWrite, onewirebb.OpRead, onewirebb.OpEnd},
			Args: []byte{0, cmdReadROM, cmdReadScratchpad, onewirebb.ScratchpadSize, 0},
		}
	case startConversion:
		return onewirebb.Sequence{
			Ops:  []onewirebb.Op{onewirebb.OpReset, onewirebb.OpWrite, onewirebb.OpWrite, onewirebb.OpEnd},
			Args: []byte{0, cmdSkipROM, cmdConvert, 0},
		}
	case readScratchpad:
		return onewirebb.Sequence{
			Ops:  []onewirebb.Op{onewirebb.OpReset, onewirebb.OpWrite, onewirebb.OpWrite, onewirebb.OpRead, onewirebb.OpEnd},
			Args: []byte{0, cmdSkipROM, cmdReadScratchpad, onewirebb.ScratchpadSize, 0},
		}
	default:
		return onewirebb.Sequence{}
	}
}

// BusState tells whether the device accepts a new request.
type BusState int32

const (
	Uninitialized BusState = iota
	Disabled
	Busy
	Ready
)

func (s BusState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Disabled:
		return "Disabled"
	case Busy:
		return "Busy"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("BusState(%d)", int32(s))
	}
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// Family is the family code stored as the first byte of the UUID.
	Family Family
	// UUIDSettle is the wait between reading the UUID and the first
	// conversion.
	UUIDSettle time.Duration
	// Conversion is the wait between starting a conversion and reading it.
	// 750ms covers the 12 bits resolution.
	Conversion time.Duration
	// Interval is the wait between a reading and the next conversion, and
	// before retrying after a bus error.
	Interval time.Duration
	// Logger receives protocol errors and discarded readings. nil means
	// log.Default().
	Logger *log.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Family:     DS18B20,
	UUIDSettle: 15 * time.Millisecond,
	Conversion: 750 * time.Millisecond,
	Interval:   2431 * time.Millisecond,
}

// stage is the next step of the read cycle, run by the polling goroutine.
type stage struct {
	wait  time.Duration
	kind  seqKind
	retry bool // RequestNewTemperature instead of arming kind
}

// Dev is a DS18B20 alone on a bit-banged 1-wire bus, read in a perpetual
// cycle.
//
// Sequences run from the timer handler of the Master. Their completion
// function hands the next stage of the cycle to a goroutine that does the
// long waits and arms the next sequence.
type Dev struct {
	m          *onewirebb.Master
	out        chan<- string
	family     Family
	uuidSettle time.Duration
	conversion time.Duration
	interval   time.Duration
	logger     *log.Logger

	state  atomic.Int32 // BusState
	next   chan stage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex // also orders wg.Add against Halt
	uuid      [8]byte
	hasUUID   bool
	latest    Temperature
	published Temperature
}

// New returns a Dev reading the device on m and publishing readings to out.
//
// It releases the line and starts the polling goroutine, which runs until
// ctx is canceled or Halt is called. The cycle starts with the first
// RequestNewTemperature.
//
// out should be buffered; readings that don't fit are dropped. It may be nil.
func New(ctx context.Context, m *onewirebb.Master, out chan<- string, opts *Opts) (*Dev, error) {
	if m == nil {
		return nil, errors.New("ds18b20: nil bus master")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{
		m:          m,
		out:        out,
		family:     opts.Family,
		uuidSettle: opts.UUIDSettle,
		conversion: opts.Conversion,
		interval:   opts.Interval,
		logger:     opts.Logger,
		next:       make(chan stage, 1),
	}
	if d.family == 0 {
		d.family = DefaultOpts.Family
	}
	if d.uuidSettle == 0 {
		d.uuidSettle = DefaultOpts.UUIDSettle
	}
	if d.conversion == 0 {
		d.conversion = DefaultOpts.Conversion
	}
	if d.interval == 0 {
		d.interval = DefaultOpts.Interval
	}
	if d.logger == nil {
		d.logger = log.Default()
	}
	if err := m.Configure(); err != nil {
		return nil, err
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.setState(Ready)
	d.wg.Add(1)
	go d.poll(d.ctx)
	return d, nil
}

func (d *Dev) String() string {
	return d.family.String() + "{" + d.m.String() + "}"
}

// RequestNewTemperature starts a read cycle: a conversion if the UUID is
// known, a UUID query otherwise.
//
// It returns false without doing anything if a cycle is already running or
// the Dev is not usable. It never blocks.
func (d *Dev) RequestNewTemperature() bool {
	if !d.state.CompareAndSwap(int32(Ready), int32(Busy)) {
		switch s := d.State(); s {
		case Busy:
			d.logf("request rejected: transaction in progress")
		case Uninitialized:
			d.logf("request rejected: not initialized")
		default:
			d.logf("request rejected: %s", s)
		}
		return false
	}
	d.m.ClearScratchpad()
	if err := d.m.Configure(); err != nil {
		d.logf("request failed: %v", err)
		d.setState(Ready)
		return false
	}
	kind := queryUUID
	if _, ok := d.UUID(); ok {
		kind = startConversion
	}
	if err := d.arm(kind); err != nil {
		d.logf("request failed: %s: %v", kind, err)
		d.setState(Ready)
		return false
	}
	return true
}

// State returns whether the Dev accepts a request.
func (d *Dev) State() BusState {
	return BusState(d.state.Load())
}

// UUID returns the 64 bit identifier of the device, once read.
func (d *Dev) UUID() (onewire.Address, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var a onewire.Address
	for i, b := range d.uuid {
		a |= onewire.Address(b) << (8 * i)
	}
	return a, d.hasUUID
}

// Latest returns the last valid reading. Available is false until there is
// one.
func (d *Dev) Latest() Temperature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// Sense implements physic.SenseEnv.
//
// It returns the last reading of the cycle and doesn't touch the bus.
func (d *Dev) Sense(e *physic.Env) error {
	t := d.Latest()
	if !t.Available {
		return errors.New("ds18b20: no reading yet")
	}
	e.Temperature = t.Physic()
	return nil
}

// SenseContinuous implements physic.SenseEnv.
//
// It samples the last reading every interval; readings are only refreshed
// by the cycle, every Opts.Interval. The channel is closed by Halt.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval <= 0 {
		return nil, errors.New("ds18b20: invalid interval")
	}
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, errors.New("ds18b20: halted")
	}
	d.wg.Add(1)
	d.mu.Unlock()
	c := make(chan physic.Env)
	go func() {
		defer d.wg.Done()
		defer close(c)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-t.C:
			}
			var e physic.Env
			if d.Sense(&e) != nil {
				continue
			}
			select {
			case c <- e:
			case <-d.ctx.Done():
				return
			}
		}
	}()
	return c, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

// Halt implements conn.Resource.
//
// It stops the polling goroutine and the timer. The Dev can't be used
// afterwards.
func (d *Dev) Halt() error {
	d.mu.Lock()
	d.setState(Disabled)
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	return d.m.Halt()
}

func (d *Dev) setState(s BusState) {
	d.state.Store(int32(s))
}

func (d *Dev) logf(format string, v ...any) {
	l := d.logger
	if l == nil {
		l = log.Default()
	}
	l.Printf("ds18b20: "+format, v...)
}

func (d *Dev) arm(kind seqKind) error {
	if err := d.m.Arm(kind.sequence(), func() { d.complete(kind) }); err != nil {
		return err
	}
	return d.m.Start()
}

// complete runs from the timer handler when a sequence is done. It must not
// block.
func (d *Dev) complete(kind seqKind) {
	if err := d.m.Stop(); err != nil {
		d.logf("%s: stopping the timer: %v", kind, err)
	}
	if err := d.m.Err(); err != nil {
		d.logf("%s failed: %v", kind, err)
		d.m.ClearErr()
		if d.state.CompareAndSwap(int32(Busy), int32(Ready)) {
			d.schedule(stage{wait: d.interval, retry: true})
		}
		return
	}
	switch kind {
	case queryUUID:
		spad := d.m.Scratchpad()
		if !plausible(spad[:7]) {
			d.logf("implausible UUID % x", spad[:7])
			d.schedule(stage{wait: d.interval, kind: queryUUID})
			return
		}
		d.mu.Lock()
		d.uuid[0] = byte(d.family)
		copy(d.uuid[1:], spad[:7])
		d.hasUUID = true
		d.mu.Unlock()
		d.schedule(stage{wait: d.uuidSettle, kind: startConversion})

	case startConversion:
		d.schedule(stage{wait: d.conversion, kind: readScratchpad})

	case readScratchpad:
		spad := d.m.Scratchpad()
		if err := checkScratchpad(spad[:]); err != nil {
			d.logf("discarding reading: %v", err)
		} else {
			d.publish(d.family.Decode(spad[:8]))
		}
		d.m.ClearScratchpad()
		d.schedule(stage{wait: d.interval, kind: startConversion})

	default:
		d.logf("%s: %v", kind, onewirebb.ErrInvalidSequence)
		if d.state.CompareAndSwap(int32(Busy), int32(Ready)) {
			d.schedule(stage{wait: d.interval, retry: true})
		}
	}
}

// plausible reports whether the serial bytes of a UUID are not just an idle
// or shorted bus.
func plausible(serial []byte) bool {
	for _, b := range serial {
		if b != 0x00 && b != 0xff {
			return true
		}
	}
	return false
}

// publish caches t and sends it if it differs from the last one sent.
func (d *Dev) publish(t Temperature) {
	d.mu.Lock()
	d.latest = t
	dup := t == d.published
	d.mu.Unlock()
	if dup || d.out == nil {
		return
	}
	select {
	case d.out <- t.String():
		d.mu.Lock()
		d.published = t
		d.mu.Unlock()
	default:
		d.logf("output full, dropped %s", t)
	}
}

func (d *Dev) schedule(s stage) {
	select {
	case d.next <- s:
	default:
		d.logf("stage %s dropped: %v", s.kind, onewirebb.ErrBusy)
	}
}

// poll runs the stages of the cycle.
func (d *Dev) poll(ctx context.Context) {
	defer d.wg.Done()
	for {
		var s stage
		select {
		case <-ctx.Done():
			return
		case s = <-d.next:
		}
		if !wait(ctx, s.wait) {
			return
		}
		if s.retry {
			d.RequestNewTemperature()
			continue
		}
		if d.State() != Busy {
			continue
		}
		if err := d.arm(s.kind); err != nil {
			d.logf("%s: %v", s.kind, err)
			if d.state.CompareAndSwap(int32(Busy), int32(Ready)) {
				d.schedule(stage{wait: d.interval, retry: true})
			}
		}
	}
}

// wait waits for dt unless ctx is canceled first, and reports whether it
// waited.
var wait = func(ctx context.Context, dt time.Duration) bool {
	t := time.NewTimer(dt)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
