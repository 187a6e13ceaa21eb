package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"voiceplan/internal/domain"
	"voiceplan/internal/metrics"
	"voiceplan/internal/ports"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultOutboundQueue    = 32
	defaultSubscriberBuffer = 64
	defaultPingInterval     = 50 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Config controls the websocket channel client.
type Config struct {
	URL              string
	Header           http.Header
	DialTimeout      time.Duration
	OutboundQueue    int
	SubscriberBuffer int
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Client implements ports.SessionChannel. The websocket is dialed on the first
// start control and redialed on the next one after a transport failure.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  *log.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conn     *connection
	subs     map[uint64]*subscription
	nextSub  uint64
	sequence uint64
	closed   bool
}

func NewClient(cfg Config, logger *log.Logger, m *metrics.Metrics) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger:  logger,
		metrics: m,
		subs:    make(map[uint64]*subscription),
	}
}

// Connect dials the channel if it is not already connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Client) SendControl(ctx context.Context, kind ports.ControlKind) error {
	event, err := controlEvent(kind)
	if err != nil {
		return err
	}
	payload, err := Encode(event, nil)
	if err != nil {
		return err
	}

	var conn *connection
	if kind == ports.ControlStart {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		conn, err = c.connect(dialCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	} else {
		conn = c.current()
		if conn == nil {
			return domain.NewError(domain.KindChannelError, "channel is not connected")
		}
	}

	select {
	case conn.outbound <- payload:
		return nil
	case <-conn.done:
		return domain.NewError(domain.KindChannelError, "channel closed before %s was sent", event)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudioFrame never blocks. A frame that does not fit in the outbound
// queue is dropped.
func (c *Client) SendAudioFrame(frame domain.AudioFrame) error {
	conn := c.current()
	if conn == nil {
		return domain.NewError(domain.KindChannelError, "channel is not connected")
	}

	payload, err := Encode(EventAudioData, frame.Base64())
	if err != nil {
		return err
	}

	select {
	case <-conn.done:
		return domain.NewError(domain.KindChannelError, "channel closed")
	default:
	}

	select {
	case conn.outbound <- payload:
		c.metrics.FrameSent()
	default:
		c.metrics.FrameDropped()
		c.logger.Warn("outbound queue full, dropping audio frame", "sequence", frame.Sequence)
	}
	return nil
}

func (c *Client) Subscribe() ports.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	sub := &subscription{
		id:     c.nextSub,
		client: c,
		events: make(chan ports.ChannelEvent, c.cfg.SubscriberBuffer),
	}
	if c.closed {
		sub.closed = true
		close(sub.events)
		return sub
	}
	c.subs[sub.id] = sub
	return sub
}

// Close shuts the transport down and closes every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.closeSubscriptionsLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.shutdown(true)
	}
	return nil
}

func (c *Client) current() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) connect(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewError(domain.KindChannelError, "channel client is closed")
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, domain.NewError(domain.KindChannelError, "failed to connect to %s: %v", c.cfg.URL, err)
	}

	conn := &connection{
		ws:       ws,
		outbound: make(chan []byte, c.cfg.OutboundQueue),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		existing := c.conn
		closed := c.closed
		c.mu.Unlock()
		_ = ws.Close()
		if closed {
			return nil, domain.NewError(domain.KindChannelError, "channel client is closed")
		}
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("channel connected", "url", c.cfg.URL)
	go c.writeLoop(conn)
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *connection) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			c.fail(conn, err)
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		envelope, err := Decode(raw)
		if err != nil {
			c.logger.Warn("ignoring malformed channel message", "err", err)
			continue
		}
		event, ok, err := toChannelEvent(envelope)
		if err != nil {
			c.logger.Warn("ignoring invalid channel event", "event", envelope.Event, "err", err)
			continue
		}
		if !ok {
			c.logger.Debug("ignoring unknown channel event", "event", envelope.Event)
			continue
		}
		c.publish(event)
	}
}

func (c *Client) writeLoop(conn *connection) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-conn.outbound:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.fail(conn, fmt.Errorf("failed to write channel message: %w", err))
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(conn, fmt.Errorf("failed to ping channel: %w", err))
				return
			}
		case <-conn.done:
			return
		}
	}
}

// publish fans an event out to every subscriber. Slow subscribers lose events
// rather than stalling the read loop.
func (c *Client) publish(event ports.ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if event.Type == ports.EventTranscript {
		c.sequence++
		event.Transcript.Sequence = c.sequence
	}
	for _, sub := range c.subs {
		select {
		case sub.events <- event:
		default:
			c.logger.Warn("subscriber buffer full, dropping channel event", "event", event.Type, "subscription", sub.id)
		}
	}
}

// fail reports a transport failure to every subscriber, then closes them.
func (c *Client) fail(conn *connection, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.shutdown(false)
		return
	}
	c.conn = nil

	message := "channel connection lost"
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		message = fmt.Sprintf("channel connection lost: %v", cause)
	}
	event := ports.ChannelEvent{
		Type:    ports.EventError,
		Message: message,
		Err:     domain.NewError(domain.KindChannelError, "%s", message),
	}
	for _, sub := range c.subs {
		select {
		case sub.events <- event:
		default:
		}
	}
	c.closeSubscriptionsLocked()
	c.mu.Unlock()

	c.logger.Warn("channel transport failed", "err", cause)
	conn.shutdown(false)
}

func (c *Client) closeSubscriptionsLocked() {
	for id, sub := range c.subs {
		delete(c.subs, id)
		sub.closed = true
		close(sub.events)
	}
}

func (c *Client) unsubscribe(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.closed {
		return
	}
	delete(c.subs, sub.id)
	sub.closed = true
	close(sub.events)
}

type connection struct {
	ws       *websocket.Conn
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *connection) shutdown(graceful bool) {
	c.once.Do(func() {
		close(c.done)
		if graceful {
			deadline := time.Now().Add(time.Second)
			err := c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				_ = c.ws.Close()
				return
			}
		}
		_ = c.ws.Close()
	})
}

type subscription struct {
	id     uint64
	client *Client
	events chan ports.ChannelEvent
	// closed is guarded by client.mu.
	closed bool
}

func (s *subscription) Events() <-chan ports.ChannelEvent {
	return s.events
}

func (s *subscription) Unsubscribe() {
	s.client.unsubscribe(s)
}
