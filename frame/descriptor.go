package frame

import (
	"encoding/binary"
	"fmt"
)

// LengthField locates the payload length inside a frame header.
// A zero Size means the family has no length field and frames end at a terminator byte.
type LengthField struct {
	Offset int
	Size   int // 1, 2 or 4
}

// Descriptor declares the framing rules of one device family.
// It is handed out by value and never changes for the lifetime of a connection.
type Descriptor struct {
	Name string

	// Marker opens every frame sent by the device, SendMarker every frame sent to it.
	// SendMarker falls back to Marker when nil.
	Marker     []byte
	SendMarker []byte

	HeaderLen  int
	Length     LengthField
	Terminator byte // only for delimited families
	TrailerLen int
	MaxPayload int

	// Order is used for the length field and a multi-byte checksum.
	Order binary.ByteOrder

	// Checksum is computed over frame bytes [ChecksumFrom, HeaderLen+payload length).
	// Nil means no checksum: the trailer is the terminator.
	Checksum     Checksum
	ChecksumFrom int
}

// Delimited reports whether frames end at a terminator byte instead of carrying a length.
func (d Descriptor) Delimited() bool { return d.Length.Size == 0 }

// MaxFrameLen is the largest frame the family allows on the wire.
func (d Descriptor) MaxFrameLen() int { return d.HeaderLen + d.MaxPayload + d.TrailerLen }

func (d Descriptor) sendMarker() []byte {
	if d.SendMarker != nil {
		return d.SendMarker
	}
	return d.Marker
}

// PayloadLen decodes the payload length from a complete header.
func (d Descriptor) PayloadLen(header []byte) (int, error) {
	if d.Delimited() {
		return 0, fmt.Errorf("%w: %s has no length field", ErrMalformed, d.Name)
	}
	if len(header) < d.Length.Offset+d.Length.Size {
		return 0, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(header))
	}
	b := header[d.Length.Offset : d.Length.Offset+d.Length.Size]
	switch d.Length.Size {
	case 1:
		return int(b[0]), nil
	case 2:
		return int(d.Order.Uint16(b)), nil
	default:
		return int(d.Order.Uint32(b)), nil
	}
}

func (d Descriptor) putLength(header []byte, n int) {
	b := header[d.Length.Offset : d.Length.Offset+d.Length.Size]
	switch d.Length.Size {
	case 1:
		b[0] = byte(n)
	case 2:
		d.Order.PutUint16(b, uint16(n))
	default:
		d.Order.PutUint32(b, uint32(n))
	}
}

func (d Descriptor) putChecksum(trailer []byte, sum uint32) {
	switch d.Checksum.Size() {
	case 1:
		trailer[0] = byte(sum)
	case 2:
		d.Order.PutUint16(trailer, uint16(sum))
	default:
		d.Order.PutUint32(trailer, sum)
	}
}

func (d Descriptor) readChecksum(trailer []byte) uint32 {
	switch d.Checksum.Size() {
	case 1:
		return uint32(trailer[0])
	case 2:
		return uint32(d.Order.Uint16(trailer))
	default:
		return d.Order.Uint32(trailer)
	}
}

// Validate checks that the descriptor is internally consistent.
func (d Descriptor) Validate() error {
	switch {
	case len(d.Marker) == 0:
		return fmt.Errorf("descriptor %q: empty start marker", d.Name)
	case d.HeaderLen < len(d.Marker) || d.HeaderLen < len(d.sendMarker()):
		return fmt.Errorf("descriptor %q: header shorter than start marker", d.Name)
	case d.MaxPayload <= 0:
		return fmt.Errorf("descriptor %q: max payload must be positive", d.Name)
	}

	if d.Delimited() {
		if d.TrailerLen != 1 {
			return fmt.Errorf("descriptor %q: delimited frames carry a single terminator byte", d.Name)
		}
		if d.Checksum != nil {
			return fmt.Errorf("descriptor %q: delimited frames carry no checksum", d.Name)
		}
		return nil
	}

	switch d.Length.Size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("descriptor %q: unsupported length field size %d", d.Name, d.Length.Size)
	}
	if d.Length.Offset < 0 || d.Length.Offset+d.Length.Size > d.HeaderLen {
		return fmt.Errorf("descriptor %q: length field outside header", d.Name)
	}
	if d.Order == nil && (d.Length.Size > 1 || (d.Checksum != nil && d.Checksum.Size() > 1)) {
		return fmt.Errorf("descriptor %q: byte order required", d.Name)
	}
	if d.Checksum != nil {
		if d.TrailerLen != d.Checksum.Size() {
			return fmt.Errorf("descriptor %q: trailer length %d does not fit checksum size %d", d.Name, d.TrailerLen, d.Checksum.Size())
		}
		if d.ChecksumFrom < 0 || d.ChecksumFrom > d.HeaderLen {
			return fmt.Errorf("descriptor %q: checksum span starts outside header", d.Name)
		}
	}
	return nil
}
