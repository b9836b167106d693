package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPort is a serialPort whose reads and writes are programmed by the test.
type scriptedPort struct {
	mu sync.Mutex

	reads    [][]byte // returned one per Read; an empty entry means a read timeout
	readErr  error    // returned with an empty entry, io.EOF if nil
	maxWrite int      // bytes accepted per Write, zero accepts nothing
	written  bytes.Buffer

	discardErr error
	discards   int
	closes     int
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	next := p.reads[0]
	p.reads = p.reads[1:]
	if len(next) == 0 {
		if p.readErr != nil {
			return 0, p.readErr
		}
		return 0, io.EOF
	}
	return copy(b, next), nil
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(len(b), p.maxWrite)
	p.written.Write(b[:n])
	return n, nil
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *scriptedPort) discardInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discards++
	return p.discardErr
}

func TestSerialConnEmptyReadIsNoData(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{{}, {0x02}, {}, {0x03}}}
	s := newSerialConn("/dev/test", Baud9600, port)

	buf := make([]byte, 2)
	require.NoError(t, s.ReadBytes(context.Background(), buf, time.Second))
	assert.Equal(t, []byte{0x02, 0x03}, buf)

	err := s.ReadBytes(context.Background(), buf, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerialConnReadError(t *testing.T) {
	port := &scriptedPort{reads: [][]byte{{}}, readErr: errors.New("device gone")}
	s := newSerialConn("/dev/test", Baud9600, port)

	err := s.ReadBytes(context.Background(), make([]byte, 1), time.Second)
	assert.ErrorIs(t, err, ErrIO)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestSerialConnWrite(t *testing.T) {
	port := &scriptedPort{maxWrite: 3}
	s := newSerialConn("/dev/test", Baud9600, port)

	cmd := []byte{0x02, 0x00, 0x02, 0x00, 0x20, 0x24, 0x34, 0x08}
	require.NoError(t, s.Write(cmd))
	assert.Equal(t, cmd, port.written.Bytes())

	port.maxWrite = 0
	assert.ErrorIs(t, s.Write(cmd), ErrIO)
}

func TestSerialConnDrainAndClose(t *testing.T) {
	port := &scriptedPort{maxWrite: 64}
	s := newSerialConn("/dev/test", Baud9600, port)

	require.NoError(t, s.Write([]byte("pending")))
	require.NoError(t, s.Drain())
	assert.Equal(t, 1, port.discards)
	assert.Equal(t, "pending", port.written.String())

	port.discardErr = errors.New("tcflush failed")
	assert.ErrorIs(t, s.Drain(), ErrIO)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, port.closes)
}

// slowDevice behaves like a tarm port: reads give up after a short timeout
// with 0, io.EOF, and writes drain out at a limited rate.
type slowDevice struct {
	mu       sync.Mutex
	in       []byte
	received bytes.Buffer
	closed   bool
}

func (d *slowDevice) feed(b []byte) {
	d.mu.Lock()
	d.in = append(d.in, b...)
	d.mu.Unlock()
}

func (d *slowDevice) Read(p []byte) (int, error) {
	deadline := time.Now().Add(5 * time.Millisecond)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(d.in) > 0 {
			n := copy(p, d.in)
			d.in = d.in[n:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *slowDevice) Write(p []byte) (int, error) {
	for i := 0; i < len(p); i += 100 {
		time.Sleep(time.Millisecond)
		d.mu.Lock()
		d.received.Write(p[i:min(i+100, len(p))])
		d.mu.Unlock()
	}
	return len(p), nil
}

func (d *slowDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *slowDevice) receivedLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received.Len()
}

func TestPumpedPortDrainKeepsOutput(t *testing.T) {
	dev := &slowDevice{}
	p := newPumpedPort(dev)
	s := newSerialConn("/dev/test", Baud9600, p)
	t.Cleanup(func() { s.Close() })

	cmd := bytes.Repeat([]byte{0x5A}, 800)
	done := make(chan error, 1)
	go func() { done <- s.Write(cmd) }()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Drain())
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, <-done)
	assert.Equal(t, len(cmd), dev.receivedLen())

	dev.feed([]byte("stale"))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.buf) == 5
	}, time.Second, time.Millisecond)
	require.NoError(t, s.Drain())

	dev.feed([]byte{0x02, 0x03})
	buf := make([]byte, 2)
	require.NoError(t, s.ReadBytes(context.Background(), buf, time.Second))
	assert.Equal(t, []byte{0x02, 0x03}, buf)
}

func TestPumpedPortPollGranularity(t *testing.T) {
	s := newSerialConn("/dev/test", Baud9600, newPumpedPort(&slowDevice{}))
	t.Cleanup(func() { s.Close() })

	start := time.Now()
	err := s.ReadBytes(context.Background(), make([]byte, 1), 35*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 35*time.Millisecond+3*pollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	start = time.Now()
	err = s.ReadBytes(ctx, make([]byte, 1), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Millisecond+3*pollInterval)
}

func TestPumpedPortClose(t *testing.T) {
	s := newSerialConn("/dev/test", Baud9600, newPumpedPort(&slowDevice{}))
	require.NoError(t, s.Close())

	err := s.ReadBytes(context.Background(), make([]byte, 1), time.Second)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, s.Drain(), ErrIO)
}
