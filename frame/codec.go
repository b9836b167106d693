package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBadChecksum is returned by Parse when the trailer disagrees with the computed checksum.
	ErrBadChecksum = errors.New("frame: bad checksum")
	// ErrMalformed is returned by Parse when delimiters or length fields do not add up.
	ErrMalformed = errors.New("frame: malformed")
	// ErrPayloadTooLarge is returned by Build when the payload exceeds the family maximum.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Codec builds and parses frames for one Descriptor.
type Codec interface {
	Descriptor() Descriptor
	// Build wraps payload into a frame addressed to the device.
	Build(payload []byte) (*Frame, error)
	// Parse validates raw bytes believed to hold exactly one frame.
	Parse(raw []byte) (*Frame, error)
}

// NewCodec returns the codec matching the descriptor's framing style.
func NewCodec(d Descriptor) (Codec, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Delimited() {
		return delimitedCodec{d: d}, nil
	}
	return lengthCodec{d: d}, nil
}

// MustCodec is like NewCodec but panics on an invalid descriptor.
func MustCodec(d Descriptor) Codec {
	c, err := NewCodec(d)
	if err != nil {
		panic(err)
	}
	return c
}

// lengthCodec handles binary families with an explicit length field and a checksum trailer.
type lengthCodec struct {
	d Descriptor
}

func (c lengthCodec) Descriptor() Descriptor { return c.d }

func (c lengthCodec) Build(payload []byte) (*Frame, error) {
	d := c.d
	if len(payload) > d.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), d.MaxPayload)
	}

	end := d.HeaderLen + len(payload)
	raw := make([]byte, end+d.TrailerLen)
	copy(raw, d.sendMarker())
	d.putLength(raw[:d.HeaderLen], len(payload))
	copy(raw[d.HeaderLen:], payload)

	f := &Frame{raw: raw, headerLen: d.HeaderLen, trailerLen: d.TrailerLen}
	if d.Checksum != nil {
		f.checksum = d.Checksum.Sum(raw[d.ChecksumFrom:end])
		d.putChecksum(raw[end:], f.checksum)
	}
	return f, nil
}

func (c lengthCodec) Parse(raw []byte) (*Frame, error) {
	d := c.d
	if len(raw) < d.HeaderLen+d.TrailerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header and trailer", ErrMalformed, len(raw))
	}
	if !bytes.HasPrefix(raw, d.Marker) && !bytes.HasPrefix(raw, d.sendMarker()) {
		return nil, fmt.Errorf("%w: missing start marker % x", ErrMalformed, d.Marker)
	}

	n, err := d.PayloadLen(raw[:d.HeaderLen])
	if err != nil {
		return nil, err
	}
	if n > d.MaxPayload {
		return nil, fmt.Errorf("%w: declared payload length %d exceeds %d", ErrMalformed, n, d.MaxPayload)
	}
	if want := d.HeaderLen + n + d.TrailerLen; len(raw) != want {
		return nil, fmt.Errorf("%w: length field says %d bytes, got %d", ErrMalformed, want, len(raw))
	}

	f := &Frame{raw: bytes.Clone(raw), headerLen: d.HeaderLen, trailerLen: d.TrailerLen}
	if d.Checksum != nil {
		end := d.HeaderLen + n
		sum := d.Checksum.Sum(raw[d.ChecksumFrom:end])
		if got := d.readChecksum(raw[end:]); got != sum {
			return nil, fmt.Errorf("%w: computed %#x, trailer %#x", ErrBadChecksum, sum, got)
		}
		f.checksum = sum
	}
	return f, nil
}

// delimitedCodec handles ASCII families framed by a start marker and a terminator byte.
type delimitedCodec struct {
	d Descriptor
}

func (c delimitedCodec) Descriptor() Descriptor { return c.d }

func (c delimitedCodec) Build(payload []byte) (*Frame, error) {
	d := c.d
	if len(payload) > d.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), d.MaxPayload)
	}
	if bytes.IndexByte(payload, d.Terminator) >= 0 {
		return nil, fmt.Errorf("%w: payload contains terminator %#x", ErrMalformed, d.Terminator)
	}

	marker := d.sendMarker()
	raw := make([]byte, 0, d.HeaderLen+len(payload)+1)
	raw = append(raw, marker...)
	raw = append(raw, make([]byte, d.HeaderLen-len(marker))...)
	raw = append(raw, payload...)
	raw = append(raw, d.Terminator)
	return c.frame(raw), nil
}

func (c delimitedCodec) Parse(raw []byte) (*Frame, error) {
	d := c.d
	if len(raw) < d.HeaderLen+1 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header and terminator", ErrMalformed, len(raw))
	}
	if !bytes.HasPrefix(raw, d.Marker) && !bytes.HasPrefix(raw, d.sendMarker()) {
		return nil, fmt.Errorf("%w: missing start marker % x", ErrMalformed, d.Marker)
	}
	if raw[len(raw)-1] != d.Terminator {
		return nil, fmt.Errorf("%w: missing terminator %#x", ErrMalformed, d.Terminator)
	}
	payload := raw[d.HeaderLen : len(raw)-1]
	if bytes.IndexByte(payload, d.Terminator) >= 0 {
		return nil, fmt.Errorf("%w: terminator inside payload", ErrMalformed)
	}
	if len(payload) > d.MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformed, len(payload), d.MaxPayload)
	}
	return c.frame(bytes.Clone(raw)), nil
}

func (c delimitedCodec) frame(raw []byte) *Frame {
	f := &Frame{raw: raw, headerLen: c.d.HeaderLen, trailerLen: 1}
	f.tokens = strings.Fields(string(f.payload()))
	if f.tokens == nil {
		f.tokens = []string{}
	}
	return f
}
