package frame

import (
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
)

// Checksum computes a frame integrity value over a byte span.
type Checksum interface {
	// Size is the number of trailer bytes the checksum occupies.
	Size() int
	Sum(b []byte) uint32
}

type tableCRC16 struct {
	table *crc16.Table
}

// CRC16 returns a table driven CRC16 checksum for the given parameter set,
// e.g. crc16.CRC16_MODBUS.
func CRC16(params crc16.Params) Checksum {
	return tableCRC16{table: crc16.MakeTable(params)}
}

func (c tableCRC16) Size() int { return 2 }

func (c tableCRC16) Sum(b []byte) uint32 {
	return uint32(crc16.Checksum(b, c.table))
}

// SickCRC16 is the CRC used by SICK LMS 2xx units. Each step shifts the
// register like a 0x8005 CRC but folds in the last two bytes as a
// little-endian word, so it has no table form.
var SickCRC16 Checksum = sickCRC16{}

type sickCRC16 struct{}

const sickCRCPoly = 0x8005

func (sickCRC16) Size() int { return 2 }

func (sickCRC16) Sum(b []byte) uint32 {
	var crc uint16
	var prev byte
	for _, c := range b {
		if crc&0x8000 != 0 {
			crc = (crc&0x7fff)<<1 ^ sickCRCPoly
		} else {
			crc <<= 1
		}
		crc ^= uint16(c) | uint16(prev)<<8
		prev = c
	}
	return uint32(crc)
}

// XOR8 folds every byte into a single byte with exclusive or.
var XOR8 Checksum = xor8{}

type xor8 struct{}

func (xor8) Size() int { return 1 }

func (xor8) Sum(b []byte) uint32 {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return uint32(x)
}

var crc16Params = map[string]crc16.Params{
	"crc16-modbus":      crc16.CRC16_MODBUS,
	"crc16-ccitt-false": crc16.CRC16_CCITT_FALSE,
	"crc16-xmodem":      crc16.CRC16_XMODEM,
	"crc16-kermit":      crc16.CRC16_KERMIT,
	"crc16-arc":         crc16.CRC16_ARC,
}

// ChecksumByName resolves the checksum names used in configuration files:
// "none" (or empty), "sick", "xor8" and the crc16-* table CRCs.
func ChecksumByName(name string) (Checksum, error) {
	name = strings.ToLower(name)
	switch name {
	case "", "none":
		return nil, nil
	case "sick":
		return SickCRC16, nil
	case "xor8":
		return XOR8, nil
	}
	if p, ok := crc16Params[name]; ok {
		return CRC16(p), nil
	}
	return nil, fmt.Errorf("unknown checksum %q", name)
}
