// Package crc32 implements the MPEG-2 CRC32 (polynomial 0x04C11DB7) used to
// validate incoming PSI sections and to seal PMT sections rewritten with a
// CA descriptor.
package crc32

import "fmt"

var table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// Compute returns the MPEG-2 CRC32 of data.
func Compute(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ table[byte(crc>>24)^b]
	}
	return crc
}

// Verify checks that the last 4 bytes of data are its own MPEG-2 CRC32,
// i.e. that Compute over the whole buffer (CRC included) is 0.
func Verify(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("crc32: data too short")
	}
	if Compute(data) != 0 {
		return fmt.Errorf("crc32: mismatch")
	}
	return nil
}

// Append computes the CRC32 of data and appends it as 4 big-endian bytes.
func Append(data []byte) []byte {
	crc := Compute(data)
	return append(data,
		byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}
