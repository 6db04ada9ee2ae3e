// Package channel carries the push-event subscription contract and its
// websocket implementation. Delivery is at-most-once per connection and
// ordered only within a single event type; reconnection and backoff are the
// caller's concern, not this layer's.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsight/console/pkg/console/protocol"
)

// Handler consumes one decoded inbound event.
type Handler func(protocol.Event)

// EventChannel is the transport contract the coordinator consumes: typed
// event subscription in, fire-and-forget commands out.
type EventChannel interface {
	Subscribe(event string, fn Handler) (unsubscribe func())
	Send(cmd protocol.Command) error
}

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Socket is the production EventChannel over a websocket connection.
type Socket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeTimeout time.Duration

	subMu  sync.Mutex
	subs   map[string]map[int]Handler
	nextID int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// DialOption configures Dial.
type DialOption func(*dialConfig)

type dialConfig struct {
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	header           http.Header
	logger           *slog.Logger
}

// WithHandshakeTimeout bounds the websocket dial.
func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds each outbound command write.
func WithWriteTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithHeader adds headers to the websocket handshake (auth, application scope).
func WithHeader(h http.Header) DialOption {
	return func(c *dialConfig) { c.header = h }
}

// WithLogger sets the socket's logger.
func WithLogger(l *slog.Logger) DialOption {
	return func(c *dialConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to the push channel endpoint and starts the read loop.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Socket, error) {
	cfg := dialConfig{
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial event channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial event channel: %w", err)
	}
	s := newSocket(conn, cfg.writeTimeout, cfg.logger)
	go s.readLoop()
	return s, nil
}

func newSocket(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		subs:         make(map[string]map[int]Handler),
		done:         make(chan struct{}),
	}
}

// Subscribe registers fn for one event name. Handlers run on the read
// goroutine in delivery order; a handler that panics is logged and does not
// stop the loop.
func (s *Socket) Subscribe(event string, fn Handler) (unsubscribe func()) {
	if s == nil || fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	set, ok := s.subs[event]
	if !ok {
		set = make(map[int]Handler)
		s.subs[event] = set
	}
	set[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			if set, ok := s.subs[event]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.subs, event)
				}
			}
			s.subMu.Unlock()
		})
	}
}

// Send encodes and writes one command frame. Commands are fire-and-forget:
// a nil error means the frame was handed to the connection, nothing more.
func (s *Socket) Send(cmd protocol.Command) error {
	if s == nil {
		return fmt.Errorf("socket must not be nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("event channel is closed")
	}
	frame, err := protocol.EncodeCommandFrame(cmd)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close shuts the connection down. Safe to call more than once.
func (s *Socket) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Done is closed when the read loop exits.
func (s *Socket) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Err returns the terminal read error, if the loop ended abnormally.
func (s *Socket) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Socket) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Socket) readLoop() {
	defer close(s.done)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load() {
				return
			}
			s.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := protocol.DecodeEventFrame(data)
		if err != nil {
			// A malformed frame is the server's bug, not a reason to tear
			// down the channel.
			s.logger.Warn("dropping malformed event frame", "error", err)
			continue
		}
		s.dispatch(event)
	}
}

func (s *Socket) dispatch(event protocol.Event) {
	s.subMu.Lock()
	set := s.subs[event.EventName()]
	handlers := make([]Handler, 0, len(set))
	for _, fn := range set {
		handlers = append(handlers, fn)
	}
	s.subMu.Unlock()

	for _, fn := range handlers {
		s.invoke(fn, event)
	}
}

func (s *Socket) invoke(fn Handler, event protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "event", event.EventName(), "panic", r)
		}
	}()
	fn(event)
}
