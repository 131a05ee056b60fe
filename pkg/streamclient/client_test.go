package streamclient_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-freshness/pkg/streamclient"
	"github.com/illmade-knight/go-freshness/pkg/types"
)

// fakeOpener is a scripted transport: the first failBefore attempts fail, the
// rest succeed and hand the captured Handler back to the test.
type fakeOpener struct {
	mu         sync.Mutex
	attempts   int
	failBefore int
	dialed     chan int
	handlers   chan streamclient.Handler
}

func newFakeOpener(failBefore int) *fakeOpener {
	return &fakeOpener{
		failBefore: failBefore,
		dialed:     make(chan int, 16),
		handlers:   make(chan streamclient.Handler, 16),
	}
}

func (o *fakeOpener) open(_ context.Context, h streamclient.Handler) (streamclient.StreamHandle, error) {
	o.mu.Lock()
	o.attempts++
	attempt := o.attempts
	fail := attempt <= o.failBefore
	o.mu.Unlock()

	o.dialed <- attempt
	if fail {
		return nil, fmt.Errorf("connection refused (attempt %d)", attempt)
	}
	o.handlers <- h
	return &fakeHandle{}, nil
}

func (o *fakeOpener) waitDial(t *testing.T) int {
	t.Helper()
	select {
	case n := <-o.dialed:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a dial attempt")
		return 0
	}
}

func (o *fakeOpener) waitHandler(t *testing.T) streamclient.Handler {
	t.Helper()
	select {
	case h := <-o.handlers:
		return h
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the transport handler")
		return nil
	}
}

// assertNoDial verifies that no connection attempt happens within the window.
func (o *fakeOpener) assertNoDial(t *testing.T) {
	t.Helper()
	select {
	case n := <-o.dialed:
		t.Fatalf("unexpected dial attempt %d", n)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeHandle struct {
	closed atomic.Bool
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func waitState(t *testing.T, c *streamclient.Client, want streamclient.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.ConnectionState() == want
	}, time.Second, time.Millisecond, "expected state %s", want)
}

func TestClient_ConnectAndDispatch(t *testing.T) {
	// Arrange
	opener := newFakeOpener(0)
	client, err := streamclient.NewClient(streamclient.ClientConfig{}, opener.open, zerolog.Nop())
	require.NoError(t, err)

	var connected atomic.Int32
	payloads := make(chan []byte, 1)
	generic := make(chan types.StreamEvent, 1)
	appErrs := make(chan error, 1)
	client.OnConnected(func() { connected.Add(1) })
	client.OnDataChanged(func(payload []byte) { payloads <- payload })
	client.OnMessage(func(evt types.StreamEvent) { generic <- evt })
	client.OnError(func(err error) { appErrs <- err })

	// Act
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, streamclient.StateConnecting, client.ConnectionState())
	h := opener.waitHandler(t)
	h.HandleOpen()

	// Assert
	waitState(t, client, streamclient.StateConnected)
	assert.Equal(t, int32(1), connected.Load())

	t.Run("Data changed events reach the invalidation callback verbatim", func(t *testing.T) {
		h.HandleEvent(types.StreamEvent{
			Name:    types.EventDataChanged,
			Payload: []byte(`{"namespace":"daily"}`),
		})
		select {
		case payload := <-payloads:
			assert.JSONEq(t, `{"namespace":"daily"}`, string(payload))
		case <-time.After(time.Second):
			t.Fatal("data changed callback never fired")
		}
		last := client.LastEvent()
		require.NotNil(t, last)
		assert.Equal(t, types.EventDataChanged, last.Name)
	})

	t.Run("Generic events reach the message callback", func(t *testing.T) {
		h.HandleEvent(types.StreamEvent{Name: "heartbeat"})
		select {
		case evt := <-generic:
			assert.Equal(t, "heartbeat", evt.Name)
		case <-time.After(time.Second):
			t.Fatal("message callback never fired")
		}
	})

	t.Run("Application errors never change connection state", func(t *testing.T) {
		h.HandleError(errors.New("malformed payload"))
		select {
		case err := <-appErrs:
			assert.ErrorContains(t, err, "malformed payload")
		case <-time.After(time.Second):
			t.Fatal("error callback never fired")
		}
		assert.Equal(t, streamclient.StateConnected, client.ConnectionState())
	})

	// Teardown is permanent.
	client.Disconnect()
	assert.Equal(t, streamclient.StateDisconnected, client.ConnectionState())
	require.ErrorIs(t, client.Connect(context.Background()), streamclient.ErrStopped)
}

func TestClient_HandshakeEventMarksConnected(t *testing.T) {
	// Arrange: some transports signal readiness with an application-level
	// "connected" event instead of a transport open.
	opener := newFakeOpener(0)
	client, err := streamclient.NewClient(streamclient.ClientConfig{}, opener.open, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)

	// Act
	require.NoError(t, client.Connect(context.Background()))
	h := opener.waitHandler(t)
	h.HandleEvent(types.StreamEvent{Name: types.EventConnected})

	// Assert
	waitState(t, client, streamclient.StateConnected)
}

func TestClient_BackoffDoublesPerFailure(t *testing.T) {
	// Arrange: a transport that never connects and a fake clock so the delay
	// progression is exact.
	clock := clockwork.NewFakeClock()
	opener := newFakeOpener(1000)
	client, err := streamclient.NewClient(streamclient.ClientConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Clock:          clock,
	}, opener.open, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)

	// Act
	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 1, opener.waitDial(t))
	waitState(t, client, streamclient.StateDisconnected)

	// Assert: 1s, then 2s, then 4s between attempts.
	clock.BlockUntil(1)
	clock.Advance(1 * time.Second)
	require.Equal(t, 2, opener.waitDial(t))

	clock.BlockUntil(1)
	clock.Advance(1 * time.Second)
	opener.assertNoDial(t)
	clock.Advance(1 * time.Second)
	require.Equal(t, 3, opener.waitDial(t))

	clock.BlockUntil(1)
	clock.Advance(4 * time.Second)
	require.Equal(t, 4, opener.waitDial(t))
}

func TestClient_BackoffResetsOnSuccess(t *testing.T) {
	// Arrange: the first attempt fails, the second connects.
	clock := clockwork.NewFakeClock()
	opener := newFakeOpener(1)
	client, err := streamclient.NewClient(streamclient.ClientConfig{
		InitialBackoff: 1 * time.Second,
		Clock:          clock,
	}, opener.open, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)

	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 1, opener.waitDial(t))
	clock.BlockUntil(1)
	clock.Advance(1 * time.Second)
	require.Equal(t, 2, opener.waitDial(t))
	h := opener.waitHandler(t)
	h.HandleOpen()
	waitState(t, client, streamclient.StateConnected)

	// Act: the established connection drops for good.
	h.HandleDisconnect(errors.New("stream closed"), true)
	waitState(t, client, streamclient.StateDisconnected)

	// Assert: the delay restarted at the initial interval, not where the
	// earlier failures left off.
	clock.BlockUntil(1)
	clock.Advance(1 * time.Second)
	require.Equal(t, 3, opener.waitDial(t))
}

func TestClient_TransientDisconnect(t *testing.T) {
	// Arrange
	clock := clockwork.NewFakeClock()
	opener := newFakeOpener(0)
	client, err := streamclient.NewClient(streamclient.ClientConfig{Clock: clock}, opener.open, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)

	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 1, opener.waitDial(t))
	h := opener.waitHandler(t)
	h.HandleOpen()
	waitState(t, client, streamclient.StateConnected)

	// Act: the platform reports it is retrying on its own.
	h.HandleDisconnect(errors.New("network blip"), false)

	// Assert: back to connecting, and no reconnect timer of our own.
	waitState(t, client, streamclient.StateConnecting)
	clock.Advance(time.Minute)
	opener.assertNoDial(t)

	// The transport recovering completes the cycle.
	h.HandleOpen()
	waitState(t, client, streamclient.StateConnected)
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	// Arrange: one failed attempt leaves a reconnect timer pending.
	clock := clockwork.NewFakeClock()
	opener := newFakeOpener(1000)
	client, err := streamclient.NewClient(streamclient.ClientConfig{Clock: clock}, opener.open, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 1, opener.waitDial(t))
	clock.BlockUntil(1)

	// Act
	client.Disconnect()

	// Assert
	clock.Advance(time.Minute)
	opener.assertNoDial(t)
	assert.Equal(t, streamclient.StateDisconnected, client.ConnectionState())
}

func TestClient_Disabled(t *testing.T) {
	opener := newFakeOpener(0)
	client, err := streamclient.NewClient(streamclient.ClientConfig{Disabled: true}, opener.open, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, streamclient.StateDisconnected, client.ConnectionState())
	require.ErrorIs(t, client.Connect(context.Background()), streamclient.ErrDisabled)
	opener.assertNoDial(t)
}

func TestClient_ConnectIsIdempotentWhileLive(t *testing.T) {
	t.Run("While connected", func(t *testing.T) {
		// Arrange
		opener := newFakeOpener(0)
		client, err := streamclient.NewClient(streamclient.ClientConfig{}, opener.open, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(client.Disconnect)

		require.NoError(t, client.Connect(context.Background()))
		require.Equal(t, 1, opener.waitDial(t))
		h := opener.waitHandler(t)
		h.HandleOpen()
		waitState(t, client, streamclient.StateConnected)

		// Act: a second Connect must not dial again or replace the handle.
		require.NoError(t, client.Connect(context.Background()))

		// Assert
		opener.assertNoDial(t)
		assert.Equal(t, streamclient.StateConnected, client.ConnectionState())
	})

	t.Run("While a reconnect is pending", func(t *testing.T) {
		// Arrange: one failed attempt leaves the reconnect timer armed.
		clock := clockwork.NewFakeClock()
		opener := newFakeOpener(1000)
		client, err := streamclient.NewClient(streamclient.ClientConfig{Clock: clock}, opener.open, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(client.Disconnect)

		require.NoError(t, client.Connect(context.Background()))
		require.Equal(t, 1, opener.waitDial(t))
		clock.BlockUntil(1)

		// Act
		require.NoError(t, client.Connect(context.Background()))

		// Assert: no immediate dial, and the timer still fires exactly once.
		opener.assertNoDial(t)
		clock.Advance(1 * time.Second)
		require.Equal(t, 2, opener.waitDial(t))
		opener.assertNoDial(t)
	})
}
