// Package checksum implements the three error-detection codes used by the
// Xmodem, Ymodem and Zmodem wire formats.
//
// Every code has a one-shot form and an Update form that continues from a
// previous result, so a frame can be checked while it is still being
// assembled or read off the wire.
package checksum

import "hash/crc32"

// Sum8 returns the 8-bit arithmetic sum of data, as used by plain Xmodem.
func Sum8(data []byte) byte {
	return UpdateSum8(0, data)
}

// UpdateSum8 adds chunk to a running 8-bit sum.
func UpdateSum8(sum byte, chunk []byte) byte {
	for _, b := range chunk {
		sum += b
	}
	return sum
}

// crc16Table is the MSB-first table for polynomial 0x1021.
var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 returns the CRC-16/XMODEM of data: polynomial 0x1021, initial
// value 0, no final XOR.
func CRC16(data []byte) uint16 {
	return UpdateCRC16(0, data)
}

// UpdateCRC16 continues a CRC-16/XMODEM computation with chunk.
func UpdateCRC16(crc uint16, chunk []byte) uint16 {
	for _, b := range chunk {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// UpdateCRC16Byte is UpdateCRC16 for a single byte.
func UpdateCRC16Byte(crc uint16, b byte) uint16 {
	return crc<<8 ^ crc16Table[byte(crc>>8)^b]
}

// CRC32 returns the CRC-32 used by Zmodem (reflected 0xEDB88320, initial
// value and final XOR 0xFFFFFFFF).
func CRC32(data []byte) uint32 {
	return crc32.Update(0, crc32.IEEETable, data)
}

// UpdateCRC32 continues a CRC-32 computation. crc is a finished value
// (0 for the empty input), so UpdateCRC32(CRC32(a), b) == CRC32(a+b).
func UpdateCRC32(crc uint32, chunk []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, chunk)
}
