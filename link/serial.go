package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// serialPort is what both serial backends provide.
type serialPort interface {
	io.ReadWriteCloser
	// discardInput throws away bytes the driver has buffered but nobody read yet.
	discardInput() error
}

// serialConn is a Transport over a serial line.
type serialConn struct {
	name string
	baud Baud
	port serialPort

	mu     sync.Mutex
	closed bool
}

func newSerialConn(name string, baud Baud, port serialPort) *serialConn {
	log.Debugf("Opened %s at %v", name, baud)
	return &serialConn{name: name, baud: baud, port: port}
}

func (s *serialConn) poll(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		// read timeout expired without data
		return 0, nil
	}
	return n, err
}

func (s *serialConn) ReadBytes(ctx context.Context, buf []byte, byteTimeout time.Duration) error {
	return readFull(ctx, s, buf, byteTimeout)
}

func (s *serialConn) Write(b []byte) error {
	log.Debugf("Write %s@%v b='% x'", s.name, s.baud, b)
	for len(b) > 0 {
		n, err := s.port.Write(b)
		if err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrIO, s.name, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: write %s: %v", ErrIO, s.name, io.ErrShortWrite)
		}
		b = b[n:]
	}
	return nil
}

func (s *serialConn) Drain() error {
	if err := s.port.discardInput(); err != nil {
		return fmt.Errorf("%w: flush %s: %v", ErrIO, s.name, err)
	}
	return nil
}

func (s *serialConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, s.name, err)
	}
	return nil
}
