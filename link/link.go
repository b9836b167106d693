// Package link moves raw bytes to and from a LIDAR over a serial line or a TCP stream.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrConnectTimeout is returned when a TCP connect does not complete in time.
	ErrConnectTimeout = errors.New("link: connect timeout")
	// ErrConnectFailed is returned for any other failure while opening a link.
	ErrConnectFailed = errors.New("link: connect failed")
	// ErrIO marks a hard transport failure; the link is unusable afterwards.
	ErrIO = errors.New("link: i/o error")
	// ErrTimeout is returned when no byte arrives within the per-byte timeout.
	ErrTimeout = errors.New("link: timeout")
)

// Transport is a byte stream to a device with timed reads.
type Transport interface {
	// ReadBytes fills buf completely. It fails with ErrTimeout once byteTimeout
	// has passed since the last byte arrived, with ErrIO on a dead link and
	// with ctx.Err() when ctx is done.
	ReadBytes(ctx context.Context, buf []byte, byteTimeout time.Duration) error
	// Write writes all of b or fails with ErrIO.
	Write(b []byte) error
	// Drain discards input that is already buffered. It is a no-op for TCP.
	Drain() error
	// Close releases the link. Closing twice is not an error.
	Close() error
}

const (
	// DefaultConnectTimeout bounds TCP connects.
	DefaultConnectTimeout = time.Second
	// DefaultTCPPort is used when a tcp:// target carries no port.
	DefaultTCPPort = 2111

	// pollInterval bounds a single read attempt so cancellation is noticed quickly.
	pollInterval = 10 * time.Millisecond
)

// Serial backends.
const (
	BackendTarm  = "tarm"
	BackendBugst = "bugst"
)

// Baud is one of the line speeds SICK units support.
type Baud int

const (
	Baud9600   Baud = 9600
	Baud19200  Baud = 19200
	Baud38400  Baud = 38400
	Baud500000 Baud = 500000
)

// ParseBaud maps an integer rate onto the supported set.
func ParseBaud(rate int) (Baud, error) {
	switch b := Baud(rate); b {
	case Baud9600, Baud19200, Baud38400, Baud500000:
		return b, nil
	}
	return 0, fmt.Errorf("unsupported baud rate %d", rate)
}

func (b Baud) String() string {
	if b == Baud500000 {
		return "500Kbps"
	}
	return fmt.Sprintf("%dbps", int(b))
}

// Options tune how a link is opened.
type Options struct {
	Baud           Baud
	Backend        string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	DefaultPort    int
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// Target is a parsed connection string.
type Target struct {
	Network string // "tcp" or "serial"
	Address string // host:port or device path
	Baud    Baud   // from a ?baud= query, zero if absent
}

func (t Target) String() string {
	if t.Network == "tcp" {
		return "tcp://" + t.Address
	}
	return t.Address
}

// ParseTarget understands socket://host:port and tcp://host:port for TCP,
// and file:///dev/ttyS0, serial:///dev/ttyUSB0 or a bare device path for serial lines.
func ParseTarget(link string, defaultPort int) (Target, error) {
	u, err := url.Parse(link)
	if err != nil {
		return Target{}, err
	}

	var t Target
	switch u.Scheme {
	case "socket", "tcp":
		if u.Host == "" {
			return Target{}, fmt.Errorf("no host in %q", link)
		}
		t.Network = "tcp"
		t.Address = u.Host
		if u.Port() == "" {
			if defaultPort == 0 {
				defaultPort = DefaultTCPPort
			}
			t.Address = net.JoinHostPort(u.Hostname(), strconv.Itoa(defaultPort))
		}
	case "file", "serial", "":
		if u.Path == "" {
			return Target{}, fmt.Errorf("no device path in %q", link)
		}
		t.Network = "serial"
		t.Address = u.Path
	default:
		return Target{}, fmt.Errorf("can not find a valid connection string in %q", link)
	}

	if q := u.Query().Get("baud"); q != "" {
		rate, err := strconv.Atoi(q)
		if err != nil {
			return Target{}, fmt.Errorf("bad baud rate %q: %w", q, err)
		}
		if t.Baud, err = ParseBaud(rate); err != nil {
			return Target{}, err
		}
	}
	return t, nil
}

// Open connects to the device named by link.
func Open(ctx context.Context, link string, opts Options) (Transport, error) {
	t, err := ParseTarget(link, opts.DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if t.Network == "tcp" {
		return dialTCP(ctx, t.Address, opts)
	}

	baud := t.Baud
	if baud == 0 {
		baud = opts.Baud
	}
	if baud == 0 {
		baud = Baud9600
	}
	switch opts.Backend {
	case "", BackendTarm:
		return openTarm(t.Address, baud)
	case BackendBugst:
		return openBugst(t.Address, baud)
	}
	return nil, fmt.Errorf("%w: unknown serial backend %q", ErrConnectFailed, opts.Backend)
}
