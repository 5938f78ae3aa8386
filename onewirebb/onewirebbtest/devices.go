// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebbtest

import (
	"sync"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/owtemp/common"
)

// Loopback is a Device that answers resets and sends back, on read slots,
// the bits written to it. Once they are exhausted it reads 1s, like an idle
// bus.
type Loopback struct {
	mu   sync.Mutex
	bits []bool
}

// Reset implements Device.
func (l *Loopback) Reset() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bits = nil
	return true
}

// Write implements Device.
func (l *Loopback) Write(bit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bits = append(l.bits, bit)
}

// Read implements Device.
func (l *Loopback) Read() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.bits) == 0 {
		return true
	}
	b := l.bits[0]
	l.bits = l.bits[1:]
	return b
}

// Commands understood by DS18B20.
const (
	cmdReadROM        = 0x33
	cmdMatchROM       = 0x55
	cmdSkipROM        = 0xcc
	cmdConvert        = 0x44
	cmdReadScratchpad = 0xbe
)

// DS18B20 is a Device simulating a DS18B20 temperature sensor.
//
// It supports Read ROM, Skip ROM, Match ROM, Convert T and Read Scratchpad.
// While it is sending, write slots from the master consume the bits it
// sends, as on a real bus.
type DS18B20 struct {
	mu          sync.Mutex
	rom         [8]byte
	spad        [9]byte
	absent      bool
	conversions int
	commands    []byte

	romPhase bool // next byte is a ROM command
	match    int  // ROM bytes left to match, -1 on mismatch
	in       byte
	inBits   int
	out      []bool
}

// NewDS18B20 returns a simulated device with the given ROM code, its
// scratchpad holding the power-on reading of +85°C.
func NewDS18B20(addr onewire.Address) *DS18B20 {
	d := &DS18B20{}
	for i := range d.rom {
		d.rom[i] = byte(addr >> (8 * i))
	}
	d.spad = [9]byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10}
	d.spad[8] = common.CRC8(d.spad[:8])
	return d
}

// SetRaw sets the temperature register, in 1/16°C, and updates the CRC.
func (d *DS18B20) SetRaw(raw int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spad[0] = byte(raw)
	d.spad[1] = byte(uint16(raw) >> 8)
	d.spad[8] = common.CRC8(d.spad[:8])
}

// SetScratchpad replaces the 9 scratchpad bytes as is, CRC included.
func (d *DS18B20) SetScratchpad(spad [9]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spad = spad
}

// SetAbsent disconnects or reconnects the device.
func (d *DS18B20) SetAbsent(absent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.absent = absent
}

// Conversions returns the number of Convert T commands received.
func (d *DS18B20) Conversions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conversions
}

// Commands returns the command bytes received, ROM commands included.
func (d *DS18B20) Commands() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.commands...)
}

// Reset implements Device.
func (d *DS18B20) Reset() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.absent {
		return false
	}
	d.romPhase = true
	d.match = 0
	d.in, d.inBits = 0, 0
	d.out = nil
	return true
}

// Write implements Device.
func (d *DS18B20) Write(bit bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.absent {
		return
	}
	if len(d.out) != 0 {
		d.out = d.out[1:]
		return
	}
	if bit {
		d.in |= 1 << d.inBits
	}
	if d.inBits++; d.inBits < 8 {
		return
	}
	b := d.in
	d.in, d.inBits = 0, 0
	d.command(b)
}

// Read implements Device.
func (d *DS18B20) Read() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.absent || len(d.out) == 0 {
		return true
	}
	b := d.out[0]
	d.out = d.out[1:]
	return b
}

func (d *DS18B20) command(b byte) {
	if d.match > 0 {
		if b != d.rom[8-d.match] {
			d.match = -1
			return
		}
		d.match--
		return
	}
	if d.match < 0 {
		return
	}
	d.commands = append(d.commands, b)
	if d.romPhase {
		d.romPhase = false
		switch b {
		case cmdReadROM:
			d.send(d.rom[:])
		case cmdMatchROM:
			d.match = 8
		case cmdSkipROM:
		default:
			d.match = -1
		}
		return
	}
	switch b {
	case cmdConvert:
		d.conversions++
	case cmdReadScratchpad:
		d.send(d.spad[:])
	}
}

func (d *DS18B20) send(data []byte) {
	for _, b := range data {
		for i := range 8 {
			d.out = append(d.out, b&(1<<i) != 0)
		}
	}
}

var _ Device = &Loopback{}
var _ Device = &DS18B20{}
