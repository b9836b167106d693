package lidar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/link"
	"github.com/speters/lidarlink/monitor"
)

// errTryExpired ends one try of SendAndReceive; it never leaves the package.
var errTryExpired = errors.New("lidar: try expired")

// SendAndReceive writes cmd and waits for a frame matching sig. Frames that
// do not match are dropped. When perTry passes without a match the command
// is written again, up to maxTries writes in total; then an error wrapping
// link.ErrTimeout is returned.
func (d *Driver) SendAndReceive(ctx context.Context, cmd *frame.Frame, sig Signature, perTry time.Duration, maxTries int) (*frame.Frame, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	t, mon, err := d.session()
	if err != nil {
		return nil, err
	}
	if sig == nil {
		sig = Any
	}
	if perTry <= 0 {
		perTry = d.cfg.ReplyTimeout
	}
	if maxTries < 1 {
		maxTries = 1
	}

	l := d.log.WithField("req", uuid.NewString())
	l.Debugf("Sending %v, expecting %v", cmd, sig)
	start := time.Now()
	raw := cmd.Bytes()
	mon.Mailbox().Clear()

	for try := 1; try <= maxTries; try++ {
		if try > 1 {
			l.Warnf("No reply within %v, retry %d/%d", perTry, try, maxTries)
		}
		if err := t.Write(raw); err != nil {
			d.metrics.Command(d.family, "error", time.Since(start))
			return nil, err
		}
		d.metrics.Try(d.family)

		f, err := d.await(ctx, l, mon, sig, perTry)
		if err == nil {
			l.Debugf("Reply after %v: %v", time.Since(start), f)
			d.metrics.Command(d.family, "ok", time.Since(start))
			return f, nil
		}
		if !errors.Is(err, errTryExpired) {
			d.metrics.Command(d.family, "error", time.Since(start))
			return nil, err
		}
	}

	d.metrics.Command(d.family, "timeout", time.Since(start))
	return nil, fmt.Errorf("%w: no reply matching %v after %d tries of %v", link.ErrTimeout, sig, maxTries, perTry)
}

// await waits up to timeout for a frame matching sig.
func (d *Driver) await(ctx context.Context, l *log.Entry, mon *monitor.Monitor, sig Signature, timeout time.Duration) (*frame.Frame, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		f, err := mon.Mailbox().Wait(tctx, mon.Done())
		switch {
		case err == nil:
		case errors.Is(err, monitor.ErrStopped):
			return nil, deadMonitor(mon)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errTryExpired
		default:
			return nil, err
		}

		if sig.Match(f) {
			return f, nil
		}
		l.Debugf("Ignoring unrelated frame %v", f)
	}
}

func deadMonitor(mon *monitor.Monitor) error {
	if err := mon.Err(); err != nil {
		if errors.Is(err, link.ErrIO) {
			return err
		}
		return fmt.Errorf("%w: buffer monitor: %w", link.ErrIO, err)
	}
	return fmt.Errorf("%w: buffer monitor stopped", link.ErrIO)
}

// Call builds payload into a frame and sends it with the configured reply timeout and retries.
func (d *Driver) Call(ctx context.Context, payload []byte, sig Signature) (*frame.Frame, error) {
	cmd, err := d.codec.Build(payload)
	if err != nil {
		return nil, err
	}
	return d.SendAndReceive(ctx, cmd, sig, d.cfg.ReplyTimeout, d.cfg.Retries)
}

// SendOnly writes cmd without waiting for a reply.
func (d *Driver) SendOnly(ctx context.Context, cmd *frame.Frame) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	t, _, err := d.session()
	if err != nil {
		return err
	}
	d.log.Debugf("Sending %v without reply", cmd)
	d.metrics.Try(d.family)
	return t.Write(cmd.Bytes())
}

// StartStream sends cmd and, once sig acknowledges it, puts the driver into
// streaming mode where frames are read with ReceiveNext.
func (d *Driver) StartStream(ctx context.Context, cmd *frame.Frame, sig Signature) (*frame.Frame, error) {
	if !d.Initialized() {
		return nil, ErrNotInitialized
	}
	ack, err := d.SendAndReceive(ctx, cmd, sig, d.cfg.ReplyTimeout, d.cfg.Retries)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.streaming = true
	d.mu.Unlock()
	d.setState(Streaming)
	return ack, nil
}

// StartDefaultStream starts the data stream the profile knows about.
func (d *Driver) StartDefaultStream(ctx context.Context) (*frame.Frame, error) {
	if d.profile.StreamStart == nil {
		return nil, fmt.Errorf("family %s has no stream command", d.family)
	}
	cmd, err := d.codec.Build(d.profile.StreamStart)
	if err != nil {
		return nil, err
	}
	return d.StartStream(ctx, cmd, d.profile.StreamAck)
}

// StopStream returns a streaming device to idle. It is a no-op when no stream runs.
func (d *Driver) StopStream(ctx context.Context) error {
	if !d.Streaming() {
		return nil
	}

	var err error
	if d.profile.StopStream != nil {
		err = d.profile.StopStream(ctx, d)
	}

	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
	if d.Initialized() {
		d.setState(Idle)
	}
	return err
}

// ReceiveNext waits up to timeout for the next frame, without sending anything.
func (d *Driver) ReceiveNext(ctx context.Context, timeout time.Duration) (*frame.Frame, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	_, mon, err := d.session()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = d.cfg.ReplyTimeout
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	f, err := mon.Mailbox().Wait(tctx, mon.Done())
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, monitor.ErrStopped):
		return nil, deadMonitor(mon)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: no frame within %v", link.ErrTimeout, timeout)
	}
	return nil, err
}
