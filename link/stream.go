package link

import (
	"context"
	"fmt"
	"time"
)

// poller reads whatever arrives within one poll interval.
// n == 0 with a nil error means nothing arrived.
type poller interface {
	poll(p []byte) (int, error)
}

// readFull keeps polling until buf is full, the link breaks, ctx is done or
// byteTimeout passes without a new byte.
func readFull(ctx context.Context, r poller, buf []byte, byteTimeout time.Duration) error {
	last := time.Now()
	for n := 0; n < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := r.poll(buf[n:])
		if m > 0 {
			n += m
			last = time.Now()
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if m == 0 && time.Since(last) >= byteTimeout {
			return fmt.Errorf("%w: no data for %v (%d of %d bytes)", ErrTimeout, byteTimeout, n, len(buf))
		}
	}
	return nil
}
