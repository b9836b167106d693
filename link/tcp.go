package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// tcpConn is a Transport over a TCP stream, e.g. to an LMS 1xx on port 2111.
type tcpConn struct {
	conn         net.Conn
	addr         string
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func dialTCP(ctx context.Context, addr string, opts Options) (Transport, error) {
	d := net.Dialer{
		Timeout:   opts.connectTimeout(),
		KeepAlive: 30 * time.Second,
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		var ne net.Error
		if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %v", ErrConnectTimeout, addr, opts.connectTimeout())
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}
	log.Debugf("Connected to %s", addr)
	return &tcpConn{conn: conn, addr: addr, writeTimeout: opts.WriteTimeout}, nil
}

func (c *tcpConn) poll(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (c *tcpConn) ReadBytes(ctx context.Context, buf []byte, byteTimeout time.Duration) error {
	return readFull(ctx, c, buf, byteTimeout)
}

func (c *tcpConn) Write(b []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	n, err := c.conn.Write(b)
	log.Debugf("Write %s b='% x', n=%v, err=%v", c.addr, b, n, err)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, c.addr, err)
	}
	return nil
}

// Drain is a no-op: a stream socket has no stale line buffer worth discarding.
func (c *tcpConn) Drain() error { return nil }

func (c *tcpConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, c.addr, err)
	}
	return nil
}
