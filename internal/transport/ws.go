package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"driverlink/internal/logger"
	"driverlink/internal/session"
)

// WSOptions tunes the websocket channel. Zero values get defaults.
type WSOptions struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func (o *WSOptions) applyDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 45 * time.Second
	}
	if o.BackoffMin == 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
}

// WSChannel is the primary Channel implementation: a websocket client with
// automatic reconnect and exponential backoff.
type WSChannel struct {
	opts   WSOptions
	sess   session.Session
	logger *logger.Logger
	logCtx context.Context

	events chan Event
	states chan StateChange

	mu   sync.Mutex
	conn *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

// DialWS validates the options and starts the background connect loop. The
// first connection attempt happens asynchronously; the channel keeps retrying
// until Close.
func DialWS(ctx context.Context, sess session.Session, opts WSOptions, log *logger.Logger) (*WSChannel, error) {
	opts.applyDefaults()

	u, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, errors.New("transport: websocket url must use ws:// or wss://")
	}

	ch := &WSChannel{
		opts:   opts,
		sess:   sess,
		logger: log,
		logCtx: log.WithDriverID(context.WithoutCancel(ctx), sess.DriverID),
		events: make(chan Event, 64),
		states: make(chan StateChange, 8),
		closed: make(chan struct{}),
	}

	go ch.run()

	return ch, nil
}

// Events streams inbound events in arrival order.
func (ch *WSChannel) Events() <-chan Event { return ch.events }

// States streams connection lifecycle signals.
func (ch *WSChannel) States() <-chan StateChange { return ch.states }

// Send writes a single command frame under the write lock.
func (ch *WSChannel) Send(ctx context.Context, name string, payload any) error {
	body, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(ch.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ch.conn.SetWriteDeadline(deadline)

	return ch.conn.WriteMessage(websocket.TextMessage, body)
}

// Close stops the connect loop and drops the current connection.
func (ch *WSChannel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		ch.mu.Lock()
		if ch.conn != nil {
			_ = ch.conn.Close()
			ch.conn = nil
		}
		ch.mu.Unlock()
	})
	return nil
}

// --- internals ---

// run owns connect / read / reconnect for the lifetime of the channel.
func (ch *WSChannel) run() {
	backoff := ch.opts.BackoffMin

	for {
		select {
		case <-ch.closed:
			return
		default:
		}

		ch.setState(StateConnecting)

		conn, err := ch.dial()
		if err != nil {
			ch.setState(StateDisconnected)
			ch.logger.Error(ch.logCtx, "ws_dial_failed", "Failed to dial backend websocket", err, map[string]any{
				"url": ch.opts.URL, "retry_in": backoff.String(),
			})

			select {
			case <-ch.closed:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > ch.opts.BackoffMax {
				backoff = ch.opts.BackoffMax
			}
			continue
		}

		backoff = ch.opts.BackoffMin

		ch.mu.Lock()
		ch.conn = conn
		ch.mu.Unlock()

		ch.setState(StateConnected)
		ch.logger.Info(ch.logCtx, "ws_connected", "Connected to backend websocket", map[string]any{"url": ch.opts.URL})

		ch.readLoop(conn)

		ch.mu.Lock()
		if ch.conn == conn {
			ch.conn = nil
		}
		ch.mu.Unlock()
		_ = conn.Close()

		select {
		case <-ch.closed:
			return
		default:
		}
		ch.setState(StateDisconnected)
		ch.logger.Info(ch.logCtx, "ws_disconnected", "Backend websocket connection lost", nil)
	}
}

func (ch *WSChannel) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: ch.opts.DialTimeout}

	header := http.Header{}
	if ch.sess.Authenticated() {
		header.Set("Authorization", "Bearer "+ch.sess.Token)
	}
	header.Set("X-Driver-ID", ch.sess.DriverID)

	conn, _, err := dialer.Dial(ch.opts.URL, header)
	return conn, err
}

// readLoop decodes frames and hands completed events to the consumer. It
// returns when the connection breaks or the channel is closed.
func (ch *WSChannel) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(ch.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ch.opts.PongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go ch.pingLoop(conn, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil || strings.TrimSpace(f.Type) == "" {
			ch.logger.Error(ch.logCtx, "ws_bad_frame", "Dropping malformed websocket frame", err, map[string]any{"size": len(raw)})
			continue
		}

		select {
		case ch.events <- Event{Name: f.Type, Payload: f.Data, ReceivedAt: time.Now().UTC()}:
		case <-ch.closed:
			return
		}
	}
}

func (ch *WSChannel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(ch.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ch.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.opts.WriteTimeout))
			ch.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-ch.closed:
			return
		}
	}
}

func (ch *WSChannel) setState(state ConnState) {
	change := StateChange{State: state, At: time.Now().UTC()}
	select {
	case ch.states <- change:
	default:
		// consumer is behind; connection signals are best-effort
	}
}
