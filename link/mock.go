package link

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Transport for tests and simulations. Bytes handed to
// Feed become readable; everything written is recorded. OnWrite lets a test
// play the device by feeding a reply for each command it sees.
type Mock struct {
	mu     sync.Mutex
	in     bytes.Buffer
	notify chan struct{}

	writes [][]byte
	drains int
	closes int
	closed bool

	// ReadErr, when set, is returned by every ReadBytes call.
	ReadErr error
	// WriteErr, when set, is returned by every Write call.
	WriteErr error
	// OnWrite is called after each successful Write, outside the lock.
	OnWrite func(m *Mock, b []byte)
}

// NewMock returns a Mock preloaded with data.
func NewMock(data ...[]byte) *Mock {
	m := &Mock{notify: make(chan struct{}, 1)}
	m.Feed(data...)
	return m
}

// Feed appends bytes to the read side.
func (m *Mock) Feed(data ...[]byte) {
	m.mu.Lock()
	for _, b := range data {
		m.in.Write(b)
	}
	m.mu.Unlock()
	m.wake()
}

func (m *Mock) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mock) ReadBytes(ctx context.Context, buf []byte, byteTimeout time.Duration) error {
	last := time.Now()
	for n := 0; n < len(buf); {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return fmt.Errorf("%w: mock closed", ErrIO)
		}
		if m.ReadErr != nil {
			err := m.ReadErr
			m.mu.Unlock()
			return err
		}
		k, _ := m.in.Read(buf[n:])
		m.mu.Unlock()

		if k > 0 {
			n += k
			last = time.Now()
			continue
		}

		wait := byteTimeout - time.Since(last)
		if wait <= 0 {
			return fmt.Errorf("%w: no data for %v (%d of %d bytes)", ErrTimeout, byteTimeout, n, len(buf))
		}
		timer := time.NewTimer(wait)
		select {
		case <-m.notify:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
	return nil
}

func (m *Mock) Write(b []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: mock closed", ErrIO)
	}
	if m.WriteErr != nil {
		err := m.WriteErr
		m.mu.Unlock()
		return err
	}
	m.writes = append(m.writes, bytes.Clone(b))
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(m, b)
	}
	return nil
}

// Fail makes every following ReadBytes return err, as a dead link would.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.ReadErr = err
	m.mu.Unlock()
	m.wake()
}

// Drain only counts calls; the mock keeps its buffered input.
func (m *Mock) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drains++
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closes++
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}

// Writes returns a copy of everything written so far, one entry per Write.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = bytes.Clone(w)
	}
	return out
}

// Pending is the number of fed bytes not read yet.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in.Len()
}

func (m *Mock) Drains() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drains
}

func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Closes counts Close calls, including repeated ones.
func (m *Mock) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}
