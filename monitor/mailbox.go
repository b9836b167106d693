package monitor

import (
	"context"
	"sync"

	"github.com/speters/lidarlink/frame"
)

// Mailbox is a single-slot handoff between the monitor and its reader.
// A newer frame replaces an unread one.
type Mailbox struct {
	mu     sync.Mutex
	f      *frame.Frame
	notify chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Put stores f and reports whether an unread frame was dropped.
func (m *Mailbox) Put(f *frame.Frame) (replaced bool) {
	m.mu.Lock()
	replaced = m.f != nil
	m.f = f
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return replaced
}

// Take returns the stored frame and empties the slot, or nil.
func (m *Mailbox) Take() *frame.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.f
	m.f = nil
	return f
}

// Clear drops whatever is stored.
func (m *Mailbox) Clear() {
	m.Take()
}

// Wait blocks until a frame is available, ctx is done or done is closed.
// It returns ErrStopped when done closes with the slot empty.
func (m *Mailbox) Wait(ctx context.Context, done <-chan struct{}) (*frame.Frame, error) {
	for {
		if f := m.Take(); f != nil {
			return f, nil
		}
		select {
		case <-m.notify:
		case <-done:
			if f := m.Take(); f != nil {
				return f, nil
			}
			return nil, ErrStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
