// Package frame maps payloads to wire frames and back for the supported LIDAR families.
package frame

import (
	"bytes"
	"fmt"
)

// Frame is one complete protocol unit: header, payload and trailer.
// The zero value is unpopulated. A populated Frame never changes; accessors hand out copies.
type Frame struct {
	raw        []byte
	headerLen  int
	trailerLen int

	checksum uint32
	tokens   []string
}

// Populated reports whether the frame holds validated content.
func (f *Frame) Populated() bool { return f != nil && len(f.raw) > 0 }

// Len is the total frame length on the wire.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.raw)
}

// Bytes returns the complete frame as sent on the wire.
func (f *Frame) Bytes() []byte {
	if !f.Populated() {
		return nil
	}
	return bytes.Clone(f.raw)
}

func (f *Frame) Header() []byte {
	if !f.Populated() {
		return nil
	}
	return bytes.Clone(f.raw[:f.headerLen])
}

func (f *Frame) Payload() []byte {
	if !f.Populated() {
		return nil
	}
	return bytes.Clone(f.payload())
}

func (f *Frame) Trailer() []byte {
	if !f.Populated() {
		return nil
	}
	return bytes.Clone(f.raw[len(f.raw)-f.trailerLen:])
}

// PayloadLen is the number of payload bytes.
func (f *Frame) PayloadLen() int {
	if !f.Populated() {
		return 0
	}
	return len(f.raw) - f.headerLen - f.trailerLen
}

// Checksum is the verified checksum value, zero for families without one.
func (f *Frame) Checksum() uint32 {
	if f == nil {
		return 0
	}
	return f.checksum
}

// Tokens returns the space separated command tokens of an ASCII frame.
func (f *Frame) Tokens() []string {
	if f == nil || f.tokens == nil {
		return nil
	}
	return append([]string(nil), f.tokens...)
}

// HasPrefix reports whether the payload starts with p.
func (f *Frame) HasPrefix(p []byte) bool {
	if !f.Populated() {
		return false
	}
	return bytes.HasPrefix(f.payload(), p)
}

// HasTokens reports whether the leading payload tokens equal want.
func (f *Frame) HasTokens(want []string) bool {
	if f == nil || len(f.tokens) < len(want) {
		return false
	}
	for i, t := range want {
		if f.tokens[i] != t {
			return false
		}
	}
	return true
}

func (f *Frame) String() string {
	if !f.Populated() {
		return "<unpopulated>"
	}
	if f.tokens != nil {
		return fmt.Sprintf("%q", f.payload())
	}
	return fmt.Sprintf("% x", f.raw)
}

func (f *Frame) payload() []byte {
	return f.raw[f.headerLen : len(f.raw)-f.trailerLen]
}
