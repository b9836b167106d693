package link

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// tarm rounds read timeouts to whole deciseconds, so this is the shortest read it can do.
const tarmReadTimeout = 100 * time.Millisecond

// pumpedPort reads the device continuously on its own goroutine into a
// buffer. Reads wait at most pollInterval and discardInput clears only the
// buffer: Flush on a tarm port also drops queued output.
type pumpedPort struct {
	port io.ReadWriteCloser

	mu     sync.Mutex
	buf    []byte
	err    error
	notify chan struct{}
}

func newPumpedPort(port io.ReadWriteCloser) *pumpedPort {
	p := &pumpedPort{port: port, notify: make(chan struct{}, 1)}
	go p.pump()
	return p
}

func (p *pumpedPort) pump() {
	b := make([]byte, 256)
	for {
		n, err := p.port.Read(b)
		if errors.Is(err, io.EOF) {
			// read timeout expired without data
			err = nil
		}

		p.mu.Lock()
		p.buf = append(p.buf, b[:n]...)
		if err != nil {
			p.err = err
		}
		p.mu.Unlock()

		if n > 0 || err != nil {
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// Read returns buffered bytes, waiting up to pollInterval for some to arrive.
// It returns 0, nil when nothing came.
func (p *pumpedPort) Read(b []byte) (int, error) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			p.mu.Unlock()
			return n, nil
		}
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return 0, err
		}

		select {
		case <-p.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (p *pumpedPort) Write(b []byte) (int, error) { return p.port.Write(b) }

func (p *pumpedPort) Close() error { return p.port.Close() }

// discardInput drops what the pump has received so far.
func (p *pumpedPort) discardInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.buf = p.buf[:0]
	return nil
}

func openTarm(name string, baud Baud) (Transport, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        int(baud),
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: tarmReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnectFailed, name, err)
	}
	return newSerialConn(name, baud, newPumpedPort(p)), nil
}
