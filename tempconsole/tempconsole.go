// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tempconsole prints temperature readings to the terminal (stdout)
// as a 1D bar using ANSI color codes.
//
// The bar goes from blue at Opts.Cold to red at Opts.Hot; its length grows
// with the temperature.
package tempconsole

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3"
)

// Opts represents the options available for this display.
type Opts struct {
	X       int     // bar length in blocks
	Cold    float64 // °C shown as one blue block
	Hot     float64 // °C shown as a full red bar
	Palette *ansi256.Palette

	_ struct{}
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	X:    20,
	Cold: 0,
	Hot:  40,
}

// Dev writes readings to the console.
type Dev struct {
	w       io.Writer
	l       int
	cold    float64
	hot     float64
	palette ansi256.Palette

	buf bytes.Buffer
}

// New returns a Dev that displays at the console.
func New(opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	d := &Dev{
		w:       colorable.NewColorableStdout(),
		l:       opts.X,
		cold:    opts.Cold,
		hot:     opts.Hot,
		palette: *p,
	}
	if d.l <= 0 {
		d.l = DefaultOpts.X
	}
	if d.hot <= d.cold {
		d.cold, d.hot = DefaultOpts.Cold, DefaultOpts.Hot
	}
	return d
}

func (d *Dev) String() string {
	return "TempConsole"
}

// Halt implements conn.Resource.
//
// It resets the terminal attributes.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\033[0m\n"))
	return err
}

// Write prints one reading, as published by ds18b20, e.g. "+23.50".
func (d *Dev) Write(reading string) error {
	c, err := strconv.ParseFloat(reading, 64)
	if err != nil {
		return fmt.Errorf("tempconsole: invalid reading %q", reading)
	}
	// This code is designed to minimize the amount of memory allocated per call.
	d.buf.Reset()
	_, _ = d.buf.WriteString("\033[0m")
	n, col := d.bar(c)
	for i := 0; i < d.l; i++ {
		if i == n {
			col = color.NRGBA{A: 255}
		}
		_, _ = io.WriteString(&d.buf, d.palette.Block(col))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, _ = d.buf.WriteString(reading)
	_ = d.buf.WriteByte('\n')
	_, err = d.buf.WriteTo(d.w)
	return err
}

// bar returns the number of lit blocks and their color for c °C.
func (d *Dev) bar(c float64) (int, color.NRGBA) {
	f := (c - d.cold) / (d.hot - d.cold)
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	n := 1 + int(f*float64(d.l-1)+0.5)
	return n, color.NRGBA{R: byte(255 * f), B: byte(255 * (1 - f)), A: 255}
}

// Run writes the readings received on in until it is closed or ctx is
// canceled.
func (d *Dev) Run(ctx context.Context, in <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-in:
			if !ok {
				return nil
			}
			if err := d.Write(r); err != nil {
				return err
			}
		}
	}
}

var _ conn.Resource = &Dev{}
var _ fmt.Stringer = &Dev{}
