// Package streamclient maintains the push-event connection that tells the
// cache layer when server-side data changed. It owns the tri-state connection
// status and the reconnect policy; the transport that actually opens a stream
// is supplied by the caller as an OpenFunc.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-freshness/pkg/types"
)

var (
	// ErrDisabled is returned by Connect when the feature is administratively
	// disabled.
	ErrDisabled = errors.New("stream client is disabled")
	// ErrStopped is returned by Connect after Disconnect.
	ErrStopped = errors.New("stream client is stopped")
)

// Handler receives transport callbacks. The Client passes its own Handler to
// the OpenFunc; transports never see the Client directly.
type Handler interface {
	// HandleOpen signals that the underlying connection opened.
	HandleOpen()
	// HandleEvent delivers one event. Events named types.EventConnected are
	// treated as an application-level connection handshake.
	HandleEvent(evt types.StreamEvent)
	// HandleError reports a non-fatal application error, such as a malformed
	// event payload. It never changes connection state.
	HandleError(err error)
	// HandleDisconnect reports a transport failure. permanent=false means the
	// platform is retrying on its own (state returns to connecting);
	// permanent=true means the connection is fully closed and the client
	// schedules its own reconnect.
	HandleDisconnect(err error, permanent bool)
}

// StreamHandle is an open connection the Client can close on teardown.
type StreamHandle interface {
	Close() error
}

// OpenFunc opens one stream connection, delivering its lifecycle through h.
// It should return promptly; long-lived receiving belongs in a goroutine
// owned by the returned handle.
type OpenFunc func(ctx context.Context, h Handler) (StreamHandle, error)

// ClientConfig holds configuration for a Client.
type ClientConfig struct {
	// Disabled administratively turns the feature off: the client starts and
	// stays disconnected and Connect returns ErrDisabled.
	Disabled bool
	// InitialBackoff is the first reconnect delay. Doubles each consecutive
	// failure. Defaults to 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay. Defaults to 30s.
	MaxBackoff time.Duration
	// Clock is the time source for reconnect timers. Defaults to the real
	// clock.
	Clock clockwork.Clock
}

// Client maintains the push connection: connecting → connected ↔ disconnected,
// with exponential-backoff reconnection. At most one reconnect timer is ever
// pending; Disconnect cancels it and closes any open connection.
type Client struct {
	open   OpenFunc
	logger zerolog.Logger
	clock  clockwork.Clock

	disabled bool

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	state          ConnectionState
	handle         StreamHandle
	reconnectTimer clockwork.Timer
	bo             *backoff.ExponentialBackOff
	failures       int
	lastEvent      *types.StreamEvent
	stopped        bool

	onConnected   []func()
	onDataChanged []func(payload []byte)
	onMessage     []func(evt types.StreamEvent)
	onError       []func(err error)
}

// NewClient creates a stream client over the given transport.
func NewClient(cfg ClientConfig, open OpenFunc, logger zerolog.Logger) (*Client, error) {
	if open == nil {
		return nil, fmt.Errorf("open function cannot be nil")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // Keep retrying for as long as the client lives.
	bo.Reset()

	state := StateConnecting
	if cfg.Disabled {
		state = StateDisconnected
	}
	return &Client{
		open:     open,
		logger:   logger.With().Str("component", "StreamClient").Logger(),
		clock:    cfg.Clock,
		disabled: cfg.Disabled,
		state:    state,
		bo:       bo,
	}, nil
}

// OnConnected registers fn to run each time the connection is established.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnDataChanged registers fn to receive the payload of every "data changed"
// event, verbatim, for the consumer's invalidation logic.
func (c *Client) OnDataChanged(fn func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataChanged = append(c.onDataChanged, fn)
}

// OnMessage registers fn to receive every generic event.
func (c *Client) OnMessage(fn func(evt types.StreamEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnError registers fn to receive application-level stream errors.
func (c *Client) OnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// Connect starts the connection loop. The context bounds the client's whole
// life: canceling it stops reconnection. Calling Connect again while the loop
// is live (connected, dialing, or waiting to reconnect) is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.disabled {
		return ErrDisabled
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.cancel != nil && c.ctx.Err() == nil {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.state = StateConnecting
	c.mu.Unlock()
	go c.dial()
	return nil
}

// Disconnect permanently stops the client: it cancels any pending reconnect
// timer, closes any open connection, and leaves the state disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	handle := c.handle
	c.handle = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing stream handle.")
		}
	}
	c.logger.Info().Msg("Stream client disconnected.")
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEvent returns the most recently received event, or nil.
func (c *Client) LastEvent() *types.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastEvent == nil {
		return nil
	}
	evt := *c.lastEvent
	return &evt
}

// handler adapts the Client to the Handler callbacks without exporting them
// on the Client itself.
type handler struct {
	c *Client
}

func (h handler) HandleOpen() { h.c.handleOpen() }

func (h handler) HandleEvent(evt types.StreamEvent) { h.c.handleEvent(evt) }

func (h handler) HandleError(err error) { h.c.handleError(err) }

func (h handler) HandleDisconnect(err error, permanent bool) {
	h.c.handleDisconnect(err, permanent)
}

// dial performs one connection attempt.
func (c *Client) dial() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	handle, err := c.open(ctx, handler{c})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to open stream.")
		c.handleDisconnect(err, true)
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = handle.Close()
		return
	}
	c.handle = handle
	c.mu.Unlock()
}

func (c *Client) handleOpen() {
	c.mu.Lock()
	if c.stopped || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.failures = 0
	c.bo.Reset()
	fns := append([]func(){}, c.onConnected...)
	c.mu.Unlock()

	c.logger.Info().Msg("Stream connected.")
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) handleEvent(evt types.StreamEvent) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	eventCopy := evt
	c.lastEvent = &eventCopy
	dataChanged := append([]func(payload []byte){}, c.onDataChanged...)
	generic := append([]func(types.StreamEvent){}, c.onMessage...)
	c.mu.Unlock()

	switch evt.Name {
	case types.EventConnected:
		c.handleOpen()
	case types.EventDataChanged:
		c.logger.Debug().Msg("Data changed event received.")
		for _, fn := range dataChanged {
			fn(evt.Payload)
		}
	default:
		for _, fn := range generic {
			fn(evt)
		}
	}
}

func (c *Client) handleError(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onError...)
	c.mu.Unlock()

	// Malformed payloads and other application errors never change the
	// connection state.
	c.logger.Warn().Err(err).Msg("Stream application error.")
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) handleDisconnect(err error, permanent bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if !permanent {
		// The platform is retrying the connection on its own.
		c.state = StateConnecting
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("Stream interrupted, platform retrying.")
		return
	}

	handle := c.handle
	c.handle = nil
	c.state = StateDisconnected
	c.failures++
	c.scheduleReconnectLocked()
	failures := c.failures
	c.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	c.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("Stream disconnected, reconnect scheduled.")
}

// scheduleReconnectLocked arms the reconnect timer if none is pending.
// Callers must hold c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	delay := c.bo.NextBackOff()
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.stopped || c.ctx == nil || c.ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.dial()
	})
	c.logger.Info().Dur("delay", delay).Msg("Reconnect scheduled.")
}
