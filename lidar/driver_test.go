package lidar

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/link"
)

var family = frame.Descriptor{
	Name:       "lms2xx",
	Marker:     []byte{0x02, 0x80},
	SendMarker: []byte{0x02, 0x00},
	HeaderLen:  4,
	Length:     frame.LengthField{Offset: 2, Size: 2},
	TrailerLen: 2,
	MaxPayload: 812,
	Order:      binary.LittleEndian,
	Checksum:   frame.SickCRC16,
}

var (
	statusReq   = []byte{0x31}
	streamStart = []byte{0x20, 0x24}
	streamStop  = []byte{0x20, 0x25}
)

// deviceFrame frames payload the way the device sends it.
func deviceFrame(payload []byte) []byte {
	d := family
	d.SendMarker = nil
	f, err := frame.MustCodec(d).Build(payload)
	if err != nil {
		panic(err)
	}
	return f.Bytes()
}

// newDevice returns a mock link that answers every command payload with the
// frames answer returns for it.
func newDevice(t *testing.T, answer func(cmd []byte) [][]byte) *link.Mock {
	codec := frame.MustCodec(family)
	m := link.NewMock()
	m.OnWrite = func(m *link.Mock, b []byte) {
		f, err := codec.Parse(b)
		if err != nil {
			t.Errorf("device got a bad command frame % x: %v", b, err)
			return
		}
		for _, p := range answer(f.Payload()) {
			m.Feed(deviceFrame(p))
		}
	}
	return m
}

func sick(cmd []byte) [][]byte {
	switch {
	case bytes.Equal(cmd, statusReq):
		return [][]byte{append([]byte{0xB1}, "V02.10"...)}
	case bytes.Equal(cmd, streamStart), bytes.Equal(cmd, streamStop):
		return [][]byte{{0xA0, 0x00}}
	}
	return nil
}

func silent([]byte) [][]byte { return nil }

func testProfile(startup bool) Profile {
	p := Profile{
		Descriptor:   family,
		ByteTimeout:  10 * time.Millisecond,
		ReplyTimeout: 100 * time.Millisecond,
		StreamStart:  streamStart,
		StreamAck:    Prefix(0xA0),
		StopStream: func(ctx context.Context, d *Driver) error {
			_, err := d.Call(ctx, streamStop, Prefix(0xA0))
			return err
		},
	}
	if startup {
		p.Startup = func(ctx context.Context, d *Driver) error {
			f, err := d.Call(ctx, statusReq, Prefix(0xB1))
			if err != nil {
				return err
			}
			d.SetInfo("version", string(f.Payload()[1:]))
			return nil
		}
	}
	return p
}

// dialer hands out the given mocks in order and counts dials.
type dialer struct {
	mu    sync.Mutex
	mocks []*link.Mock
	dials int
	err   error
}

func (dl *dialer) dial(ctx context.Context, target string, opts link.Options) (link.Transport, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.dials++
	if dl.err != nil {
		return nil, dl.err
	}
	m := dl.mocks[0]
	if len(dl.mocks) > 1 {
		dl.mocks = dl.mocks[1:]
	}
	return m, nil
}

func newDriver(t *testing.T, p Profile, cfg Config, mocks ...*link.Mock) (*Driver, *dialer) {
	t.Helper()
	dl := &dialer{mocks: mocks}
	cfg.Link = "mock://lidar"
	d, err := New(cfg, p, WithDialer(dl.dial))
	require.NoError(t, err)
	t.Cleanup(func() { d.Uninitialize(context.Background()) })
	return d, dl
}

func TestRetryAccounting(t *testing.T) {
	mock := newDevice(t, silent)
	d, _ := newDriver(t, testProfile(false), Config{}, mock)
	require.NoError(t, d.Initialize(context.Background()))

	cmd, err := d.Codec().Build(statusReq)
	require.NoError(t, err)

	const perTry, tries = 40 * time.Millisecond, 3
	start := time.Now()
	_, err = d.SendAndReceive(context.Background(), cmd, Prefix(0xB1), perTry, tries)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, link.ErrTimeout)
	assert.Len(t, mock.Writes(), tries)
	for _, w := range mock.Writes() {
		assert.Equal(t, cmd.Bytes(), w)
	}
	assert.GreaterOrEqual(t, elapsed, tries*perTry)
	assert.Less(t, elapsed, tries*perTry+400*time.Millisecond)
}

func TestSignatureMatching(t *testing.T) {
	mock := newDevice(t, func(cmd []byte) [][]byte {
		switch cmd[0] {
		case 0x31:
			return [][]byte{{0x99, 'x'}, {0xB1, 'o', 'k'}}
		case 0x32:
			// only streaming data, never the reply
			return [][]byte{{0xB0, 1, 2, 3}}
		}
		return nil
	})
	d, _ := newDriver(t, testProfile(false), Config{}, mock)
	require.NoError(t, d.Initialize(context.Background()))

	f, err := d.Call(context.Background(), []byte{0x31}, Prefix(0xB1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB1, 'o', 'k'}, f.Payload())

	cmd, err := d.Codec().Build([]byte{0x32})
	require.NoError(t, err)
	_, err = d.SendAndReceive(context.Background(), cmd, Prefix(0xB2), 50*time.Millisecond, 1)
	assert.ErrorIs(t, err, link.ErrTimeout)

	// a token signature never matches a binary frame
	_, err = d.SendAndReceive(context.Background(), cmd, Tokens("sRA STlms"), 50*time.Millisecond, 1)
	assert.ErrorIs(t, err, link.ErrTimeout)
}

func TestLifecycle(t *testing.T) {
	mock := newDevice(t, sick)
	d, dl := newDriver(t, testProfile(true), Config{}, mock)

	err := d.Uninitialize(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, err, link.ErrIO)
	assert.Zero(t, dl.dials)
	assert.Empty(t, mock.Writes())
	assert.Zero(t, mock.Closes())

	require.NoError(t, d.Initialize(context.Background()))
	assert.True(t, d.Initialized())
	assert.Equal(t, Idle, d.State())
	assert.Equal(t, "V02.10", d.Status().Device["version"])
	assert.ErrorIs(t, d.Initialize(context.Background()), ErrAlreadyInitialized)
	assert.Equal(t, 1, dl.dials)

	require.NoError(t, d.Uninitialize(context.Background()))
	assert.False(t, d.Initialized())
	assert.Equal(t, Disconnected, d.State())
	assert.True(t, mock.Closed())

	assert.ErrorIs(t, d.Uninitialize(context.Background()), ErrNotInitialized)
	assert.Equal(t, 1, mock.Closes())
	select {
	case <-d.Done():
	default:
		t.Error("Done not closed after Uninitialize")
	}
}

func TestInitializeConnectFailure(t *testing.T) {
	d, dl := newDriver(t, testProfile(true), Config{})
	dl.err = fmt.Errorf("%w: no route", link.ErrConnectFailed)

	err := d.Initialize(context.Background())
	assert.ErrorIs(t, err, link.ErrConnectFailed)
	assert.False(t, d.Initialized())
	assert.Equal(t, Disconnected, d.State())
}

func TestInitializeStartupFailure(t *testing.T) {
	mock := newDevice(t, silent)
	d, _ := newDriver(t, testProfile(true), Config{ReplyTimeout: 30 * time.Millisecond, Retries: 2}, mock)

	err := d.Initialize(context.Background())
	assert.ErrorIs(t, err, link.ErrTimeout)
	assert.False(t, d.Initialized())
	assert.Equal(t, Disconnected, d.State())
	assert.True(t, mock.Closed())
	assert.Len(t, mock.Writes(), 2)

	_, err = d.Call(context.Background(), statusReq, Prefix(0xB1))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestStreaming(t *testing.T) {
	mock := newDevice(t, sick)
	d, _ := newDriver(t, testProfile(true), Config{}, mock)
	require.NoError(t, d.Initialize(context.Background()))

	ack, err := d.StartDefaultStream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA0, 0x00}, ack.Payload())
	assert.True(t, d.Streaming())
	assert.Equal(t, Streaming, d.State())

	mock.Feed(deviceFrame([]byte{0xB0, 1, 2, 3}))
	f, err := d.ReceiveNext(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB0, 1, 2, 3}, f.Payload())

	_, err = d.ReceiveNext(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, link.ErrTimeout)

	require.NoError(t, d.Uninitialize(context.Background()))
	assert.False(t, d.Streaming())
	writes := mock.Writes()
	require.NotEmpty(t, writes)
	stop, err := frame.MustCodec(family).Parse(writes[len(writes)-1])
	require.NoError(t, err)
	assert.Equal(t, streamStop, stop.Payload())
}

func TestStopStreamWhenIdle(t *testing.T) {
	mock := newDevice(t, sick)
	d, _ := newDriver(t, testProfile(false), Config{}, mock)
	require.NoError(t, d.Initialize(context.Background()))

	require.NoError(t, d.StopStream(context.Background()))
	assert.Empty(t, mock.Writes())
}

func TestDeadLinkAndReconnect(t *testing.T) {
	first, second := newDevice(t, sick), newDevice(t, sick)
	d, dl := newDriver(t, testProfile(true), Config{}, first, second)
	require.NoError(t, d.Initialize(context.Background()))

	first.Fail(fmt.Errorf("%w: cable pulled", link.ErrIO))
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor survived a dead link")
	}
	assert.ErrorIs(t, d.Err(), link.ErrIO)
	assert.NotEmpty(t, d.Status().Err)

	_, err := d.Call(context.Background(), statusReq, Prefix(0xB1))
	assert.ErrorIs(t, err, link.ErrIO)

	require.NoError(t, d.Reconnect(context.Background()))
	assert.True(t, d.Initialized())
	assert.True(t, first.Closed())
	assert.Equal(t, 2, dl.dials)

	f, err := d.Call(context.Background(), statusReq, Prefix(0xB1))
	require.NoError(t, err)
	assert.Equal(t, byte(0xB1), f.Payload()[0])
}

func TestUninitializeReportsDeadLink(t *testing.T) {
	mock := newDevice(t, sick)
	d, _ := newDriver(t, testProfile(false), Config{}, mock)
	require.NoError(t, d.Initialize(context.Background()))

	mock.Fail(fmt.Errorf("%w: gone", link.ErrIO))
	<-d.Done()

	err := d.Uninitialize(context.Background())
	assert.ErrorIs(t, err, link.ErrIO)
	assert.False(t, d.Initialized())
	assert.True(t, mock.Closed())
}

func TestCallerContext(t *testing.T) {
	mock := newDevice(t, silent)
	d, _ := newDriver(t, testProfile(false), Config{}, mock)
	require.NoError(t, d.Initialize(context.Background()))

	cmd, err := d.Codec().Build(statusReq)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.SendAndReceive(ctx, cmd, Prefix(0xB1), time.Second, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, link.ErrTimeout)
	assert.Len(t, mock.Writes(), 1)
}

func TestSendOnly(t *testing.T) {
	mock := newDevice(t, silent)
	d, _ := newDriver(t, testProfile(false), Config{}, mock)

	cmd, err := d.Codec().Build(streamStop)
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendOnly(context.Background(), cmd), ErrNotInitialized)

	require.NoError(t, d.Initialize(context.Background()))
	require.NoError(t, d.SendOnly(context.Background(), cmd))
	assert.Equal(t, [][]byte{cmd.Bytes()}, mock.Writes())
}

func TestCallPayloadTooLarge(t *testing.T) {
	d, _ := newDriver(t, testProfile(false), Config{}, newDevice(t, silent))
	require.NoError(t, d.Initialize(context.Background()))

	_, err := d.Call(context.Background(), make([]byte, family.MaxPayload+1), Any)
	assert.ErrorIs(t, err, frame.ErrPayloadTooLarge)
}

func TestNewRejectsBadDescriptor(t *testing.T) {
	p := testProfile(false)
	p.Descriptor.Marker = nil
	_, err := New(Config{}, p)
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	d, err := New(Config{Link: "/dev/ttyUSB0"}, Profile{Descriptor: family, Baud: link.Baud38400})
	require.NoError(t, err)
	cfg := d.Config()
	assert.Equal(t, link.Baud38400, cfg.Baud)
	assert.Equal(t, DefaultReplyTimeout, cfg.ReplyTimeout)
	assert.Equal(t, DefaultRetries, cfg.Retries)
	assert.Positive(t, cfg.ByteTimeout)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "unknown", State(42).String())

	b, err := json.Marshal(Status{State: Configuring})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"configuring"`)
}
