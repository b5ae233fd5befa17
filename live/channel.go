// Package live provides Channel, a push-feed client over a WebSocket that
// decodes every inbound frame into T and reports its connection state.
//
// A Channel is single use. It connects once, never reconnects, and ends in
// StateClosed or StateErrored; callers that want a new attempt call Open again.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/onnwee/stampede/client/telemetry"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameLen      = 1 << 20
)

var (
	// ErrChannelTransport wraps dial, read and write failures.
	ErrChannelTransport = errors.New("channel transport error")
	// ErrMalformedMessage marks a frame that could not be decoded. Such frames
	// are dropped and never change the connection state.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrNotOpen is returned by Send when the channel is not open.
	ErrNotOpen = errors.New("channel not open")
)

// State is the connection state. Within one Channel it only moves forward:
// connecting, then open, then closed or errored.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

func (s State) terminal() bool { return s == StateClosed || s == StateErrored }

// Decoder turns one inbound frame into a message.
type Decoder[T any] func(frame []byte) (T, error)

// JSON decodes a frame as a JSON object into T. Frames that are not a JSON
// object, null included, are rejected.
func JSON[T any](frame []byte) (T, error) {
	var v T
	if !gjson.ValidBytes(frame) || !gjson.ParseBytes(frame).IsObject() {
		return v, errors.New("frame is not a JSON object")
	}
	err := json.Unmarshal(frame, &v)
	return v, err
}

// RequireKeys wraps decode so that a frame missing any of keys, or holding
// null for one, is rejected before decoding.
func RequireKeys[T any](decode Decoder[T], keys ...string) Decoder[T] {
	return func(frame []byte) (T, error) {
		res := gjson.ParseBytes(frame)
		for _, k := range keys {
			if v := res.Get(k); !v.Exists() || v.Type == gjson.Null {
				var zero T
				return zero, fmt.Errorf("missing field %q", k)
			}
		}
		return decode(frame)
	}
}

// Handlers are called from the channel's reader goroutine, one at a time, in
// transport order. Either may be nil.
type Handlers[T any] struct {
	OnMessage     func(T)
	OnStateChange func(State)
}

type options struct {
	name   string
	dialer *websocket.Dialer
	header http.Header
	log    *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithName labels logs and metrics for the channel.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithHeader adds handshake headers.
func WithHeader(h http.Header) Option { return func(o *options) { o.header = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// Channel is one connection attempt to a push endpoint.
type Channel[T any] struct {
	name     string
	endpoint string
	decode   Decoder[T]
	handlers Handlers[T]
	dialer   *websocket.Dialer
	header   http.Header
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex

	mu        sync.Mutex
	netConn   net.Conn
	conn      *websocket.Conn
	state     State
	latest    T
	hasLatest bool
	err       error
}

// Open starts connecting to endpoint in the background and returns at once.
func Open[T any](endpoint string, decode Decoder[T], h Handlers[T], opts ...Option) *Channel[T] {
	o := options{name: "live", log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment}
	}
	// copy so the dial hook below never touches a caller's dialer
	dialer := *o.dialer
	if decode == nil {
		decode = JSON[T]
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel[T]{
		name:     o.name,
		endpoint: endpoint,
		decode:   decode,
		handlers: h,
		dialer:   &dialer,
		header:   o.header,
		log:      o.log.With(slog.String("component", "live"), slog.String("channel", o.name)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
	netDial := dialer.NetDialContext
	if netDial == nil && dialer.NetDial != nil {
		legacy := dialer.NetDial
		netDial = func(_ context.Context, network, addr string) (net.Conn, error) { return legacy(network, addr) }
	}
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := netDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if !c.trackNetConn(conn) {
			_ = conn.Close()
			return nil, context.Canceled
		}
		return conn, nil
	}
	go c.run()
	return c
}

// State returns the current connection state.
func (c *Channel[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latest returns the last decoded message, if any.
func (c *Channel[T]) Latest() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasLatest
}

// Err returns the transport error that moved the channel to Errored.
func (c *Channel[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes v as a JSON frame. It fails with ErrNotOpen unless the channel is open.
func (c *Channel[T]) Send(ctx context.Context, v T) error {
	c.mu.Lock()
	conn, st := c.conn, c.state
	c.mu.Unlock()
	if st != StateOpen || conn == nil || c.closing.Load() {
		return ErrNotOpen
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrChannelTransport, err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: write: %w", ErrChannelTransport, err)
	}
	return nil
}

// trackNetConn records the raw connection of the dial in flight so Close can
// abort the handshake. It reports false once Close has started.
func (c *Channel[T]) trackNetConn(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing.Load() {
		return false
	}
	c.netConn = conn
	return true
}

// Close tears the channel down. It aborts a dial in flight, closes an open
// connection and returns once no handler is running; no handler runs after
// that. Further calls do nothing. Close must not be called from a handler.
func (c *Channel[T]) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing.Store(true)
		conn, raw := c.conn, c.netConn
		c.mu.Unlock()
		c.cancel()
		if conn == nil && raw != nil {
			// the upgrade handshake only honours its own deadline
			_ = raw.Close()
		}
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		<-c.done
		c.mu.Lock()
		if !c.state.terminal() {
			c.state = StateClosed
		}
		c.mu.Unlock()
		telemetry.SetChannelState(c.name, string(c.State()))
	})
}

func (c *Channel[T]) run() {
	defer close(c.done)
	c.setState(StateConnecting, nil)

	conn, resp, err := c.dialer.DialContext(c.ctx, c.endpoint, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if c.closing.Load() {
			return
		}
		c.log.Warn("dial failed", slog.String("endpoint", c.endpoint), slog.Any("err", err))
		c.setState(StateErrored, fmt.Errorf("%w: dial: %w", ErrChannelTransport, err))
		return
	}
	conn.SetReadLimit(maxFrameLen)

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen, nil)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("closed by server")
				c.setState(StateClosed, nil)
			} else {
				c.log.Warn("read failed", slog.Any("err", err))
				c.setState(StateErrored, fmt.Errorf("%w: read: %w", ErrChannelTransport, err))
			}
			_ = conn.Close()
			return
		}
		msg, err := c.decode(frame)
		if err != nil {
			telemetry.Inc(telemetry.ChannelMalformed, c.name)
			c.log.Debug("dropping frame", slog.Any("err", fmt.Errorf("%w: %w", ErrMalformedMessage, err)))
			continue
		}
		c.mu.Lock()
		c.latest, c.hasLatest = msg, true
		c.mu.Unlock()
		telemetry.Inc(telemetry.ChannelMessages, c.name)
		if c.closing.Load() {
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

// setState records s and notifies, unless the channel is closing or s would
// move the state backwards.
func (c *Channel[T]) setState(s State, err error) {
	c.mu.Lock()
	if c.closing.Load() || c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()
	telemetry.SetChannelState(c.name, string(s))
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}
