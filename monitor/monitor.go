// Package monitor runs the background scan that turns a device byte stream
// into validated frames and hands the latest one over through a Mailbox.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/link"
	"github.com/speters/lidarlink/metrics"
)

var (
	// ErrRunning is returned by Start on a monitor that has not been stopped.
	ErrRunning = errors.New("monitor: already running")
	// ErrStopped is returned by Mailbox.Wait once the scan loop has exited.
	ErrStopped = errors.New("monitor: stopped")
)

// DefaultByteTimeout is the per-byte timeout used when none is configured.
const DefaultByteTimeout = 40 * time.Millisecond

// Stats counts scan outcomes since the monitor was created.
type Stats struct {
	Running        bool   `json:"running"`
	Frames         uint64 `json:"frames"`
	Overwritten    uint64 `json:"overwritten"`
	Idle           uint64 `json:"idle"`
	HeaderTimeouts uint64 `json:"headerTimeouts"`
	ByteTimeouts   uint64 `json:"byteTimeouts"`
	BadChecksums   uint64 `json:"badChecksums"`
	Oversized      uint64 `json:"oversized"`
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithByteTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.byteTimeout = d
		}
	}
}

func WithLogger(l *log.Entry) Option {
	return func(m *Monitor) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// Monitor owns the read side of a transport while it runs.
type Monitor struct {
	t           link.Transport
	codec       frame.Codec
	family      string
	byteTimeout time.Duration
	log         *log.Entry
	metrics     *metrics.Metrics
	mailbox     *Mailbox

	counts      [numResults]atomic.Uint64
	overwritten atomic.Uint64

	// life serializes Start and Stop.
	life   sync.Mutex
	cancel context.CancelFunc

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New returns a stopped monitor for t framed by codec.
func New(t link.Transport, codec frame.Codec, opts ...Option) *Monitor {
	done := make(chan struct{})
	close(done)
	m := &Monitor{
		t:           t,
		codec:       codec,
		family:      codec.Descriptor().Name,
		byteTimeout: DefaultByteTimeout,
		mailbox:     NewMailbox(),
		done:        done,
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = log.WithField("component", "monitor")
	}
	return m
}

// Start launches the scan loop. A monitor whose loop died must be stopped before it can start again.
func (m *Monitor) Start() error {
	m.life.Lock()
	defer m.life.Unlock()
	if m.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mailbox.Clear()

	m.mu.Lock()
	m.done = done
	m.err = nil
	m.mu.Unlock()

	m.cancel = cancel
	go m.run(ctx, done)
	return nil
}

// Stop cancels the scan loop, waits for it to exit and empties the mailbox.
// It returns the error that killed the loop, if any. Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() error {
	m.life.Lock()
	defer m.life.Unlock()
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.cancel = nil

	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	<-done

	m.mailbox.Clear()
	return m.Err()
}

func (m *Monitor) Mailbox() *Mailbox { return m.mailbox }

// Done is closed when the scan loop exits, for whatever reason.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err is the fatal error that ended the scan loop, or nil.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Running reports whether the scan loop is alive.
func (m *Monitor) Running() bool {
	select {
	case <-m.Done():
		return false
	default:
		return true
	}
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Running:        m.Running(),
		Frames:         m.counts[frameReady].Load(),
		Overwritten:    m.overwritten.Load(),
		Idle:           m.counts[idle].Load(),
		HeaderTimeouts: m.counts[headerTimeout].Load(),
		ByteTimeouts:   m.counts[byteTimeout].Load(),
		BadChecksums:   m.counts[badChecksum].Load(),
		Oversized:      m.counts[oversize].Load(),
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s := newScanner(m.t, m.codec, m.byteTimeout)
	m.log.Debugf("Scanning for %s frames, byte timeout %v", m.family, m.byteTimeout)

	for {
		f, res, err := s.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.log.Debug("Scan loop cancelled")
				return
			}
			m.log.Errorf("Scan loop failed: %v", err)
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			return
		}

		m.counts[res].Add(1)
		m.metrics.Scan(m.family, res.String())

		switch res {
		case frameReady:
			if m.mailbox.Put(f) {
				m.overwritten.Add(1)
				m.metrics.Overwrite(m.family)
				m.log.Debug("Unread frame replaced")
			}
		case idle:
		default:
			m.log.Debugf("Scan restarted: %v", res)
		}
	}
}
