// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/owtemp/common"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Temperature is a decoded reading.
//
// Fraction is in hundredths of a degree, truncated from the sensor's 1/16°C
// resolution.
type Temperature struct {
	Sign      byte // '+' or '-'
	Whole     uint16
	Fraction  uint16
	Available bool // false until the first CRC validated read
}

// String returns the reading as published, e.g. "+23.50" or "-1.00".
func (t Temperature) String() string {
	return fmt.Sprintf("%c%d.%02d", t.Sign, t.Whole, t.Fraction)
}

// Physic converts t to a physic.Temperature.
func (t Temperature) Physic() physic.Temperature {
	v := physic.Temperature(t.Whole)*physic.Kelvin + physic.Temperature(t.Fraction)*physic.Kelvin/100
	if t.Sign == '-' {
		v = -v
	}
	return v + physic.ZeroCelsius
}

// Decode decodes the temperature register of a DS18B20 scratchpad: bytes 0
// and 1, little endian, in 1/16°C. It returns the zero Temperature if spad is
// too short.
func Decode(spad []byte) Temperature {
	return DS18B20.Decode(spad)
}

// Decode decodes the temperature register of a scratchpad for the family.
//
// DS18S20 readings are extended to 1/16°C with COUNT_REMAIN and
// COUNT_PER_C, bytes 6 and 7.
func (f Family) Decode(spad []byte) Temperature {
	if len(spad) < 2 {
		return Temperature{}
	}
	raw := uint16(spad[0]) | uint16(spad[1])<<8
	if f == DS18S20 && len(spad) >= 8 && spad[7] != 0 {
		// TEMPERATURE = TEMP_READ - 0.25 + (COUNT_PER_C - COUNT_REMAIN) / COUNT_PER_C
		// http://myarduinotoy.blogspot.com/2013/02/12bit-result-from-ds18s20.html
		raw = ((raw & 0xfffe) << 3) + 12 - uint16(spad[6])
	}
	t := Temperature{Sign: '+', Available: true}
	if raw&0x8000 != 0 {
		raw = ^raw + 1
		t.Sign = '-'
	}
	t.Whole = raw >> 4
	t.Fraction = (raw & 0xf) * 100 / 16
	return t
}

var (
	// ErrCRC is returned by Measure when the scratchpad CRC doesn't match.
	ErrCRC error = busError("ds18b20: incorrect scratchpad CRC")
	// ErrNoDevice is returned by Measure when the scratchpad reads all 1s.
	ErrNoDevice error = busError("ds18b20: device did not respond")
)

// checkScratchpad checks the CRC of the 9 scratchpad bytes.
func checkScratchpad(spad []byte) error {
	if common.CRC8(spad[:8]) == spad[8] {
		return nil
	}
	for _, s := range spad {
		if s != 0xff {
			return ErrCRC
		}
	}
	return ErrNoDevice
}

// Measure performs a blocking conversion on the single device of the bus and
// reads it back.
//
// During the conversion it places the bus in strong pull-up mode to power
// parasitic devices. It sleeps DefaultOpts.Conversion before reading the
// scratchpad.
func Measure(o onewire.Bus, f Family) (Temperature, error) {
	if err := o.Tx([]byte{cmdSkipROM, cmdConvert}, nil, onewire.StrongPullup); err != nil {
		return Temperature{}, err
	}
	sleep(DefaultOpts.Conversion)
	var spad [9]byte
	if err := o.Tx([]byte{cmdSkipROM, cmdReadScratchpad}, spad[:], onewire.WeakPullup); err != nil {
		return Temperature{}, err
	}
	if err := checkScratchpad(spad[:]); err != nil {
		return Temperature{}, err
	}
	return f.Decode(spad[:8]), nil
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep
