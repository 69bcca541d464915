package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terryong31/nego-lah/internal/logging"
	"github.com/terryong31/nego-lah/internal/model"
)

// ErrNotSubscribed is returned by Send before Subscribe succeeded.
var ErrNotSubscribed = errors.New("realtime: not subscribed")

const writeWait = 10 * time.Second

// Handlers receive the events of one conversation channel. Either field may be nil.
type Handlers struct {
	RowUpdate func(model.RowUpdate)
	Broadcast func(event string, payload json.RawMessage)
}

// Channel is a per-conversation realtime subscription. Delivery is
// best-effort: events may be lost and are never replayed.
type Channel interface {
	Subscribe(ctx context.Context, conversationID string, h Handlers) error
	Send(ctx context.Context, event string, payload any) error
	Unsubscribe() error
}

// WSChannel implements Channel over the backend's /ws endpoint
type WSChannel struct {
	url    string
	source model.Source
	dialer *websocket.Dialer
	header http.Header
	log    *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
}

// Option configures a WSChannel
type Option func(*WSChannel)

// WithOrigin sets the Origin header checked by the hub.
func WithOrigin(origin string) Option {
	return func(c *WSChannel) { c.header.Set("Origin", origin) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *WSChannel) { c.log = logging.OrNop(l) }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *WSChannel) { c.dialer = d }
}

// NewWSChannel creates an unsubscribed channel. wsURL is the hub endpoint,
// source identifies the local actor to the hub.
func NewWSChannel(wsURL string, source model.Source, opts ...Option) *WSChannel {
	c := &WSChannel{
		url:    wsURL,
		source: source,
		dialer: websocket.DefaultDialer,
		header: http.Header{},
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe connects to conversationID's channel. An existing subscription
// is torn down first.
func (c *WSChannel) Subscribe(ctx context.Context, conversationID string, h Handlers) error {
	if err := c.Unsubscribe(); err != nil {
		c.log.Debug("previous subscription close failed", zap.Error(err))
	}

	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("realtime: parse url: %w", err)
	}
	q := u.Query()
	q.Set("conversation_id", conversationID)
	q.Set("source", c.source.Wire())
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), c.header)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	log := c.log.With(zap.String("conversation_id", conversationID))
	go c.readLoop(conn, h, done, log)
	log.Debug("subscribed")
	return nil
}

// Send broadcasts event with payload to the other subscribers.
func (c *WSChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotSubscribed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encode payload: %w", err)
	}
	env := model.Envelope{Type: model.EnvelopeBroadcast, Event: event, Payload: raw}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("realtime: send %s: %w", event, err)
	}
	return nil
}

// Unsubscribe closes the connection and waits for the reader to exit.
func (c *WSChannel) Unsubscribe() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn, c.done = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := conn.Close()
	<-done
	return err
}

func (c *WSChannel) readLoop(conn *websocket.Conn, h Handlers, done chan struct{}, log *zap.Logger) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("channel closed", zap.Error(err))
			}
			return
		}
		dispatch(data, h, log)
	}
}

// dispatch decodes one frame and calls the matching handler. Malformed
// frames and handler panics are logged and dropped.
func dispatch(data []byte, h Handlers, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("realtime handler panicked", zap.Any("panic", r))
		}
	}()

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug("ignoring malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case model.EnvelopeRowUpdate:
		var u model.RowUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			log.Debug("ignoring malformed row update", zap.Error(err))
			return
		}
		if h.RowUpdate != nil {
			h.RowUpdate(u)
		}
	case model.EnvelopeBroadcast:
		if env.Event != "" && h.Broadcast != nil {
			h.Broadcast(env.Event, env.Payload)
		}
	default:
		log.Debug("ignoring frame", zap.String("type", env.Type))
	}
}
