// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/owtemp/onewirebb/onewirebbtest"
)

const testAddr onewire.Address = 0x740000070e41ac28

func TestSequence_Validate(t *testing.T) {
	data := []struct {
		name string
		seq  Sequence
		ok   bool
	}{
		{"empty", Sequence{}, false},
		{"lengths", Sequence{Ops: []Op{OpReset, OpEnd}, Args: []byte{0}}, false},
		{"no end", Sequence{Ops: []Op{OpReset, OpWrite}, Args: []byte{0, 0xcc}}, false},
		{"read 0", Sequence{Ops: []Op{OpRead, OpEnd}, Args: []byte{0, 0}}, false},
		{"read 10", Sequence{Ops: []Op{OpRead, OpEnd}, Args: []byte{10, 0}}, false},
		{"invalid op", Sequence{Ops: []Op{OpInvalid, OpEnd}, Args: []byte{0, 0}}, false},
		{"unknown op", Sequence{Ops: []Op{Op(42), OpEnd}, Args: []byte{0, 0}}, false},
		{"end only", Sequence{Ops: []Op{OpEnd}, Args: []byte{0}}, true},
		{"read 9", Sequence{Ops: []Op{OpReset, OpRead, OpEnd}, Args: []byte{0, 9, 0}}, true},
		{"mid end", Sequence{Ops: []Op{OpReset, OpEnd, OpWrite, OpEnd}, Args: []byte{0, 0, 0x44, 0}}, true},
	}
	for _, d := range data {
		t.Run(d.name, func(t *testing.T) {
			err := d.seq.Validate()
			if d.ok && err != nil {
				t.Fatal(err)
			}
			if !d.ok && !errors.Is(err, ErrInvalidSequence) {
				t.Fatalf("expected ErrInvalidSequence, got %v", err)
			}
		})
	}
}

func TestMaster_sequenceOrder(t *testing.T) {
	dev := onewirebbtest.NewDS18B20(testAddr)
	m, _, tm := newMaster(t, dev, nil)
	seq := Sequence{
		Ops:  []Op{OpReset, OpWrite, OpWrite, OpEnd},
		Args: []byte{0, 0xcc, 0x44, 0},
	}
	calls := arm(t, m, tm, seq)
	var visited []Op
	for tm.Tick() {
		if n := len(visited); n == 0 || visited[n-1] != m.Op() {
			visited = append(visited, m.Op())
		}
	}
	if *calls != 1 || m.Err() != nil {
		t.Fatalf("%d completions, err %v", *calls, m.Err())
	}
	// Consecutive Writes collapse since Op is sampled once per tick.
	if diff := cmp.Diff([]Op{OpReset, OpWrite, OpEnd}, visited); diff != "" {
		t.Fatalf("visited (-want +got):\n%s", diff)
	}
	if m.Position() != len(seq.Ops) {
		t.Fatalf("position %d, want %d", m.Position(), len(seq.Ops))
	}
	if diff := cmp.Diff([]byte{0xcc, 0x44}, dev.Commands()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
	if dev.Conversions() != 1 {
		t.Fatalf("%d conversions", dev.Conversions())
	}
}

func TestMaster_readScratchpad(t *testing.T) {
	dev := onewirebbtest.NewDS18B20(testAddr)
	dev.SetRaw(0x01e0)
	m, _, tm := newMaster(t, dev, nil)
	calls := arm(t, m, tm, Sequence{
		Ops:  []Op{OpReset, OpWrite, OpWrite, OpRead, OpEnd},
		Args: []byte{0, 0xcc, 0xbe, 9, 0},
	})
	tm.Run(100000)
	if *calls != 1 || m.Err() != nil {
		t.Fatalf("%d completions, err %v", *calls, m.Err())
	}
	spad := m.Scratchpad()
	want := [ScratchpadSize]byte{0xe0, 0x01, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10, 0}
	want[8] = spad[8]
	if spad != want {
		t.Fatalf("scratchpad %#v", spad)
	}
	if !onewire.CheckCRC(spad[:]) {
		t.Fatalf("bad CRC in %#v", spad)
	}
}

func TestMaster_midSequenceEnd(t *testing.T) {
	m, line, tm := newMaster(t, &onewirebbtest.Loopback{}, nil)
	calls := arm(t, m, tm, Sequence{
		Ops:  []Op{OpReset, OpEnd, OpWrite, OpEnd},
		Args: []byte{0, 0, 0x44, 0},
	})
	tm.Run(10000)
	if *calls != 1 || m.Err() != nil {
		t.Fatalf("%d completions, err %v", *calls, m.Err())
	}
	if m.Position() != 2 {
		t.Fatalf("position %d, want 2", m.Position())
	}
	if b := line.WrittenBytes(); len(b) != 0 {
		t.Fatalf("ran past End: wrote %#v", b)
	}
}

func TestMaster_invalidOperation(t *testing.T) {
	m, _, tm := newMaster(t, &onewirebbtest.Loopback{}, nil)
	ops := []Op{OpReset, OpEnd}
	calls := arm(t, m, tm, Sequence{Ops: ops, Args: []byte{0, 0}})
	// Corrupt the armed sequence behind the engine's back.
	ops[0] = Op(42)
	tm.Run(10)
	if !errors.Is(m.Err(), ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", m.Err())
	}
	if m.State() != SeqDone || *calls != 1 {
		t.Fatalf("state %s, %d completions", m.State(), *calls)
	}
}

func TestMaster_overrun(t *testing.T) {
	m, line, tm := newMaster(t, &onewirebbtest.Loopback{}, nil)
	ops := []Op{OpReset, OpEnd}
	calls := arm(t, m, tm, Sequence{Ops: ops, Args: []byte{0, 0}})
	ops[1] = OpReset
	tm.Run(10000)
	if !errors.Is(m.Err(), ErrInvalidSequence) {
		t.Fatalf("expected ErrInvalidSequence, got %v", m.Err())
	}
	if m.Op() != OpEnd || m.State() != SeqDone || *calls != 1 {
		t.Fatalf("op %s, state %s, %d completions", m.Op(), m.State(), *calls)
	}
	if line.Resets() != 2 {
		t.Fatalf("%d resets", line.Resets())
	}
}

func TestMaster_Arm(t *testing.T) {
	m, _, tm := newMaster(t, nil, nil)
	seq := Sequence{Ops: []Op{OpReset, OpEnd}, Args: []byte{0, 0}}
	if m.State() != SeqUninitialized {
		t.Fatalf("state %s", m.State())
	}
	// Nothing armed: a tick does nothing.
	m.Tick()
	if m.State() != SeqUninitialized || m.Position() != 0 {
		t.Fatalf("state %s, position %d", m.State(), m.Position())
	}
	if err := m.Arm(Sequence{}, nil); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected ErrInvalidSequence, got %v", err)
	}
	calls := arm(t, m, tm, seq)
	if m.State() != SeqInit {
		t.Fatalf("state %s", m.State())
	}
	if err := m.Arm(seq, nil); err != ErrBusy {
		t.Fatalf("expected ErrBusy while Init, got %v", err)
	}
	tm.Tick()
	if err := m.Arm(seq, nil); err != ErrBusy {
		t.Fatalf("expected ErrBusy while Started, got %v", err)
	}
	tm.Run(1000)
	if *calls != 1 || m.Err() != ErrResetTimeout {
		t.Fatalf("%d completions, err %v", *calls, m.Err())
	}
	// Re-arming after Done clears the error.
	calls = arm(t, m, tm, seq)
	if m.Err() != nil {
		t.Fatalf("error not cleared: %v", m.Err())
	}
	tm.Run(1000)
	if *calls != 1 {
		t.Fatalf("%d completions", *calls)
	}
}

func TestMaster_ClearScratchpad(t *testing.T) {
	m, _, tm := newMaster(t, &bitsDevice{bits: bitsOf(0xff, 0xee)}, nil)
	arm(t, m, tm, Sequence{Ops: []Op{OpRead, OpEnd}, Args: []byte{2, 0}})
	tm.Run(1000)
	if s := m.Scratchpad(); s[0] != 0xff || s[1] != 0xee {
		t.Fatalf("scratchpad %#v", s)
	}
	m.ClearScratchpad()
	if s := m.Scratchpad(); s != [ScratchpadSize]byte{} {
		t.Fatalf("scratchpad %#v", s)
	}
}

func TestStrings(t *testing.T) {
	data := []struct {
		got, want string
	}{
		{OpReset.String(), "Reset"},
		{OpEnd.String(), "End"},
		{Op(42).String(), "Op(42)"},
		{SeqTransitioning.String(), "Transitioning"},
		{ResetWaitPresence.String(), "WaitPresenceResponse"},
		{ReadWait.String(), "Wait"},
		{WaitFirst.String(), "WaitFirst"},
		{WriteFinally.String(), "Finally"},
	}
	for _, d := range data {
		if d.got != d.want {
			t.Errorf("got %q, want %q", d.got, d.want)
		}
	}
}
