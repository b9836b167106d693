package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/lidar"
	"github.com/speters/lidarlink/link"
)

func TestKeepConnected(t *testing.T) {
	var mu sync.Mutex
	var mocks []*link.Mock
	dial := func(context.Context, string, link.Options) (link.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		m := link.NewMock()
		mocks = append(mocks, m)
		return m, nil
	}
	dialed := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(mocks)
	}

	p := lidar.Profile{
		Descriptor: frame.Descriptor{
			Name:       "test",
			Marker:     []byte{0x02},
			HeaderLen:  1,
			Terminator: 0x03,
			TrailerLen: 1,
			MaxPayload: 64,
		},
		ByteTimeout: 10 * time.Millisecond,
	}
	d, err := lidar.New(lidar.Config{Link: "mock://test"}, p, lidar.WithDialer(dial))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		keepConnected(ctx, d, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return dialed() == 1 && d.Initialized() }, time.Second, 5*time.Millisecond)

	mu.Lock()
	first := mocks[0]
	mu.Unlock()
	first.Fail(errors.New("cable pulled"))

	require.Eventually(t, func() bool { return dialed() == 2 && d.State() == lidar.Idle }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.Closed())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepConnected did not return after cancel")
	}
	assert.NoError(t, d.Uninitialize(context.Background()))
}
