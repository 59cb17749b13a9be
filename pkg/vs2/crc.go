// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

// CalculateCRC computes the VS2 checksum: the sum of all bytes modulo 256.
// The span starts at the length byte and ends before the CRC byte.
func CalculateCRC(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc += b
	}
	return crc
}
