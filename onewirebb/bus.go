// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// txTimeout bounds a blocking Tx. The longest transaction, a reset plus 9
// bytes written and 9 read, is ~1300 ticks.
const txTimeout = time.Second

func (m *Master) String() string {
	return fmt.Sprintf("onewirebb(%s)", m.p)
}

// Halt implements conn.Resource.
//
// It stops the timer and releases the line. A sequence in flight never
// completes.
func (m *Master) Halt() error {
	if err := m.Stop(); err != nil {
		return err
	}
	return m.Configure()
}

// Tx implements onewire.Bus.
//
// It runs a reset, the writes of w and a read of len(r) bytes as one sequence
// and blocks until it is done. It returns ErrBusy if a sequence is already in
// flight, so it can't be mixed with a non-blocking user of the Master, and it
// must not be called from the timer handler.
//
// With onewire.StrongPullup the line is left driven high after the last
// write, until the next transaction. Opts.ParasitePower does it for every
// transaction.
func (m *Master) Tx(w, r []byte, power onewire.Pullup) error {
	if len(r) > ScratchpadSize {
		return fmt.Errorf("onewirebb: can't read %d bytes in one transaction, max %d", len(r), ScratchpadSize)
	}
	seq := Sequence{
		Ops:          make([]Op, 0, len(w)+3),
		Args:         make([]byte, 0, len(w)+3),
		StrongPullup: power == onewire.StrongPullup,
	}
	seq.Ops = append(seq.Ops, OpReset)
	seq.Args = append(seq.Args, 0)
	for _, b := range w {
		seq.Ops = append(seq.Ops, OpWrite)
		seq.Args = append(seq.Args, b)
	}
	if len(r) != 0 {
		seq.Ops = append(seq.Ops, OpRead)
		seq.Args = append(seq.Args, byte(len(r)))
	}
	seq.Ops = append(seq.Ops, OpEnd)
	seq.Args = append(seq.Args, 0)

	done := make(chan struct{})
	if err := m.Arm(seq, func() {
		_ = m.Stop()
		close(done)
	}); err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		m.abandon()
		return err
	}
	select {
	case <-done:
	case <-time.After(txTimeout):
		_ = m.Stop()
		m.abandon()
		return errors.New("onewirebb: transaction timed out")
	}
	if err := m.Err(); err != nil {
		return err
	}
	copy(r, m.spad[:len(r)])
	return nil
}

// Search implements onewire.Bus.
//
// Enumeration is not supported: the master talks to a single device with
// Skip ROM or Read ROM.
func (m *Master) Search(alarmOnly bool) ([]onewire.Address, error) {
	return nil, errors.New("onewirebb: search is not supported")
}

// SearchTriplet is not supported, see Search.
func (m *Master) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	return onewire.TripletResult{}, errors.New("onewirebb: search is not supported")
}

// abandon marks an armed sequence that will never run as done so the next
// Arm succeeds. It waits for a Tick in progress, so the step can't overwrite
// the state afterwards. It must not be called from the timer handler.
func (m *Master) abandon() {
	m.armMu.Lock()
	defer m.armMu.Unlock()
	m.stepMu.Lock()
	defer m.stepMu.Unlock()
	m.setState(SeqDone)
}

var _ conn.Resource = &Master{}
var _ onewire.Bus = &Master{}
