// Package lidar ties a transport, a frame codec and a buffer monitor together
// into a driver with a synchronous command/reply interface.
package lidar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/link"
	"github.com/speters/lidarlink/metrics"
	"github.com/speters/lidarlink/monitor"
)

var (
	// ErrThread is returned when the buffer monitor can not be started.
	ErrThread = errors.New("lidar: buffer monitor failed to start")
	// ErrNotInitialized is returned by operations that need a live connection.
	// It matches link.ErrIO as well.
	ErrNotInitialized = fmt.Errorf("lidar: not initialized: %w", link.ErrIO)
	// ErrAlreadyInitialized is returned by Initialize on a live driver.
	ErrAlreadyInitialized = errors.New("lidar: already initialized")
)

// Defaults applied to zero Config and Profile fields.
const (
	DefaultReplyTimeout = time.Second
	DefaultRetries      = 3
)

// Profile describes a device family: its framing and the family specific
// steps run on connect and when a data stream is stopped.
type Profile struct {
	Descriptor   frame.Descriptor
	DefaultPort  int
	Baud         link.Baud
	ByteTimeout  time.Duration
	ReplyTimeout time.Duration

	// Startup runs right after the monitor starts. An error aborts Initialize.
	Startup func(ctx context.Context, d *Driver) error
	// StreamStart is the payload that asks the device to push data, StreamAck its acknowledgement.
	StreamStart []byte
	StreamAck   Signature
	// StopStream returns a streaming device to a quiescent mode.
	StopStream func(ctx context.Context, d *Driver) error
}

// Config is the per-connection setup. Zero fields fall back to the profile's values.
type Config struct {
	Link           string
	Backend        string
	Baud           link.Baud
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ByteTimeout    time.Duration
	ReplyTimeout   time.Duration
	Retries        int
}

// Dialer opens a transport; link.Open is used unless WithDialer says otherwise.
type Dialer func(ctx context.Context, target string, opts link.Options) (link.Transport, error)

type Option func(*Driver)

func WithDialer(dial Dialer) Option {
	return func(d *Driver) { d.dial = dial }
}

func WithLogger(l *log.Entry) Option {
	return func(d *Driver) { d.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// Driver is one connection to one device.
type Driver struct {
	cfg     Config
	profile Profile
	codec   frame.Codec
	family  string

	dial    Dialer
	log     *log.Entry
	metrics *metrics.Metrics

	// lifeMu serializes Initialize, Uninitialize and Reconnect.
	lifeMu sync.Mutex
	// cmdMu keeps one exchange on the wire at a time.
	cmdMu sync.Mutex

	mu          sync.Mutex
	t           link.Transport
	mon         *monitor.Monitor
	state       State
	initialized bool
	streaming   bool
	info        map[string]string
}

// New returns a disconnected driver. It fails only on an inconsistent profile.
func New(cfg Config, p Profile, opts ...Option) (*Driver, error) {
	codec, err := frame.NewCodec(p.Descriptor)
	if err != nil {
		return nil, err
	}

	if cfg.Baud == 0 {
		cfg.Baud = p.Baud
	}
	if cfg.ByteTimeout == 0 {
		cfg.ByteTimeout = p.ByteTimeout
	}
	if cfg.ByteTimeout == 0 {
		cfg.ByteTimeout = monitor.DefaultByteTimeout
	}
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = p.ReplyTimeout
	}
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}

	d := &Driver{
		cfg:     cfg,
		profile: p,
		codec:   codec,
		family:  p.Descriptor.Name,
		dial:    link.Open,
		info:    map[string]string{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = log.WithFields(log.Fields{"component": "lidar", "family": d.family})
	}
	return d, nil
}

// Codec is the frame codec of the driver's family.
func (d *Driver) Codec() frame.Codec { return d.codec }

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.cfg }

func (d *Driver) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

func (d *Driver) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.log.Debugf("State changed: %v --> %v", prev, s)
	}
	d.metrics.SetState(d.family, int(s))
}

// SetInfo records a device property learned during startup; it shows up in Status.
func (d *Driver) SetInfo(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info[key] = value
}

// Done is closed when the buffer monitor stops, either on Uninitialize or on
// a dead link. It is closed already while the driver is not connected.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	mon := d.mon
	d.mu.Unlock()
	if mon == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return mon.Done()
}

// Err reports the fatal error that stopped the buffer monitor, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	mon := d.mon
	d.mu.Unlock()
	if mon == nil {
		return nil
	}
	return mon.Err()
}

// session returns the live transport and monitor.
func (d *Driver) session() (link.Transport, *monitor.Monitor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil || d.mon == nil {
		return nil, nil, ErrNotInitialized
	}
	return d.t, d.mon, nil
}

// Initialize opens the link, starts the buffer monitor and runs the family
// startup queries. On any failure everything acquired so far is released.
func (d *Driver) Initialize(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.initialize(ctx)
}

func (d *Driver) initialize(ctx context.Context) error {
	if d.Initialized() {
		return ErrAlreadyInitialized
	}

	t, err := d.dial(ctx, d.cfg.Link, link.Options{
		Baud:           d.cfg.Baud,
		Backend:        d.cfg.Backend,
		ConnectTimeout: d.cfg.ConnectTimeout,
		WriteTimeout:   d.cfg.WriteTimeout,
		DefaultPort:    d.profile.DefaultPort,
	})
	if err != nil {
		d.log.Errorf("Connect to %s failed: %v", d.cfg.Link, err)
		d.setState(Disconnected)
		return err
	}
	d.setState(Connected)

	mon := monitor.New(t, d.codec,
		monitor.WithByteTimeout(d.cfg.ByteTimeout),
		monitor.WithLogger(d.log.WithField("component", "monitor")),
		monitor.WithMetrics(d.metrics),
	)
	if err := mon.Start(); err != nil {
		t.Close()
		d.setState(Disconnected)
		return fmt.Errorf("%w: %v", ErrThread, err)
	}

	d.mu.Lock()
	d.t, d.mon = t, mon
	d.info = map[string]string{}
	d.mu.Unlock()
	d.setState(Listening)

	if d.profile.Startup != nil {
		d.setState(Configuring)
		if err := d.profile.Startup(ctx, d); err != nil {
			d.log.Errorf("Startup of %s failed: %v", d.cfg.Link, err)
			d.teardown()
			return fmt.Errorf("startup: %w", err)
		}
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()
	d.setState(Idle)
	d.log.Infof("Connected to %s", d.cfg.Link)
	return nil
}

// teardown stops the monitor and closes the transport, returning the first failure.
func (d *Driver) teardown() error {
	d.mu.Lock()
	t, mon := d.t, d.mon
	d.t, d.mon = nil, nil
	d.initialized = false
	d.streaming = false
	d.mu.Unlock()

	var first error
	if mon != nil {
		if err := mon.Stop(); err != nil {
			first = fmt.Errorf("%w: buffer monitor: %w", link.ErrIO, err)
		}
	}
	if t != nil {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.setState(Disconnected)
	return first
}

// Uninitialize stops a running data stream, the buffer monitor and the
// transport. The driver is uninitialized afterwards even if a step failed;
// the first failure is returned.
func (d *Driver) Uninitialize(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.uninitialize(ctx)
}

func (d *Driver) uninitialize(ctx context.Context) error {
	if !d.Initialized() {
		return ErrNotInitialized
	}

	var first error
	if d.Streaming() {
		if err := d.StopStream(ctx); err != nil {
			d.log.Warnf("Stopping data stream failed: %v", err)
			first = err
		}
	}
	if err := d.teardown(); err != nil && first == nil {
		first = err
	}
	d.log.Infof("Disconnected from %s", d.cfg.Link)
	return first
}

// Reconnect tears down whatever is left of the connection and initializes again.
func (d *Driver) Reconnect(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.Initialized() {
		if err := d.uninitialize(ctx); err != nil {
			d.log.Debugf("Ignoring teardown failure before reconnect: %v", err)
		}
	}
	d.metrics.Reconnect()
	return d.initialize(ctx)
}

// Status is a snapshot of the driver for diagnostics.
type Status struct {
	Family      string            `json:"family"`
	Link        string            `json:"link"`
	State       State             `json:"state"`
	Initialized bool              `json:"initialized"`
	Streaming   bool              `json:"streaming"`
	Device      map[string]string `json:"device,omitempty"`
	Monitor     *monitor.Stats    `json:"monitor,omitempty"`
	Err         string            `json:"error,omitempty"`
}

func (d *Driver) Status() Status {
	d.mu.Lock()
	s := Status{
		Family:      d.family,
		Link:        d.cfg.Link,
		State:       d.state,
		Initialized: d.initialized,
		Streaming:   d.streaming,
		Device:      make(map[string]string, len(d.info)),
	}
	for k, v := range d.info {
		s.Device[k] = v
	}
	mon := d.mon
	d.mu.Unlock()

	if mon != nil {
		st := mon.Stats()
		s.Monitor = &st
		if err := mon.Err(); err != nil {
			s.Err = err.Error()
		}
	}
	return s
}
