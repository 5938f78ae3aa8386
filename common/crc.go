// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions shared by the 1-wire packages, for
// example the Dallas/Maxim CRC8 calculation.
package common

// CRC8 calculates the 8-bit Dallas/Maxim 1-wire CRC of the byte slice
// parameter and returns the calculated value.
//
// The polynomial is X^8 + X^5 + X^4 + 1, processed LSB first (0x8C reflected)
// with an initial value of 0. This is the CRC the DS18B20 family appends to
// its ROM code and its scratchpad, so running CRC8 over a block that ends with
// its own CRC byte returns 0.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc ^= val
		for range 8 {
			if (crc & 0x01) == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8c
			}
		}
	}
	return crc
}
