package monitor

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/link"
)

// scanResult is the outcome of one scan iteration. Only frameReady carries a
// frame; every other value is framing noise and the loop simply starts over.
type scanResult int

const (
	frameReady    scanResult = iota
	idle                     // nothing arrived while looking for a start marker
	headerTimeout            // too many bytes examined without a start marker
	byteTimeout              // stream stalled inside a frame
	badChecksum              // candidate frame failed its checksum
	oversize                 // declared or scanned length beyond the family maximum
	numResults
)

var scanResultNames = [numResults]string{
	"frame", "idle", "header_timeout", "byte_timeout", "bad_checksum", "oversize",
}

func (r scanResult) String() string {
	if r < 0 || r >= numResults {
		return "unknown"
	}
	return scanResultNames[r]
}

// scanner turns the byte stream of one transport into frames.
// It belongs to the monitor goroutine and is not safe for concurrent use.
type scanner struct {
	t           link.Transport
	codec       frame.Codec
	d           frame.Descriptor
	byteTimeout time.Duration

	// pending holds bytes given back after a resync; they are read before the transport.
	pending []byte
	buf     []byte
	window  []byte
}

func newScanner(t link.Transport, codec frame.Codec, byteTimeout time.Duration) *scanner {
	d := codec.Descriptor()
	return &scanner{
		t:           t,
		codec:       codec,
		d:           d,
		byteTimeout: byteTimeout,
		buf:         make([]byte, 0, d.MaxFrameLen()),
		window:      make([]byte, 0, len(d.Marker)),
	}
}

func (s *scanner) fill(ctx context.Context, p []byte) error {
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	if n == len(p) {
		return nil
	}
	return s.t.ReadBytes(ctx, p[n:], s.byteTimeout)
}

func (s *scanner) readByte(ctx context.Context) (byte, error) {
	var b [1]byte
	err := s.fill(ctx, b[:])
	return b[0], err
}

// benign turns a per-byte timeout into the given result and passes anything else on.
func benign(err error, r scanResult) (*frame.Frame, scanResult, error) {
	if errors.Is(err, link.ErrTimeout) {
		return nil, r, nil
	}
	return nil, 0, err
}

// scan runs one iteration: drain, find a start marker, read the rest of the
// frame and parse it. A non-nil error is fatal for the monitor.
func (s *scanner) scan(ctx context.Context) (*frame.Frame, scanResult, error) {
	if len(s.pending) == 0 {
		if err := s.t.Drain(); err != nil {
			return nil, 0, err
		}
	}

	marker := s.d.Marker
	limit := s.d.MaxFrameLen() + s.d.HeaderLen
	s.window = s.window[:0]
	for examined := 0; !bytes.Equal(s.window, marker); examined++ {
		if examined >= limit {
			return nil, headerTimeout, nil
		}
		b, err := s.readByte(ctx)
		if err != nil {
			return benign(err, idle)
		}
		if len(s.window) == len(marker) {
			copy(s.window, s.window[1:])
			s.window = s.window[:len(marker)-1]
		}
		s.window = append(s.window, b)
	}

	raw := append(s.buf[:0], marker...)
	raw = raw[:s.d.HeaderLen]
	if err := s.fill(ctx, raw[len(marker):]); err != nil {
		return benign(err, byteTimeout)
	}

	if s.d.Delimited() {
		for {
			if len(raw) >= s.d.MaxFrameLen() {
				return nil, oversize, nil
			}
			b, err := s.readByte(ctx)
			if err != nil {
				return benign(err, byteTimeout)
			}
			raw = append(raw, b)
			if b == s.d.Terminator {
				break
			}
		}
	} else {
		n, err := s.d.PayloadLen(raw)
		if err != nil {
			return nil, 0, err
		}
		if n > s.d.MaxPayload {
			// Resynchronize: the next marker may start anywhere after this one's first byte.
			s.pending = append(bytes.Clone(raw[1:]), s.pending...)
			return nil, oversize, nil
		}
		raw = raw[:s.d.HeaderLen+n+s.d.TrailerLen]
		if err := s.fill(ctx, raw[s.d.HeaderLen:]); err != nil {
			return benign(err, byteTimeout)
		}
	}

	f, err := s.codec.Parse(raw)
	switch {
	case err == nil:
		return f, frameReady, nil
	case errors.Is(err, frame.ErrBadChecksum):
		return nil, badChecksum, nil
	}
	return nil, 0, err
}
