// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owtemp reads a DS18B20 temperature sensor over a bit-banged 1-wire
// bus without ever blocking on the bus.
//
// onewirebb is the bus master, advanced one step per timer tick. ds18b20
// runs the perpetual read cycle on top of it and publishes readings as
// strings. tempconsole prints them.
package owtemp
