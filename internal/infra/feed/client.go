package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/telemetry"
	"github.com/coachpo/orbledger/internal/observability"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultReadLimit    = 1 << 20
)

// Dispatcher applies decoded events. *ledger.Engine satisfies it.
type Dispatcher interface {
	Dispatch(ev orb.Event) error
}

// Config tunes the feed connection.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBackoff   time.Duration
	ReadLimit    int64
	Header       http.Header
}

func (c Config) normalize() Config {
	c.URL = strings.TrimSpace(c.URL)
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("feed not connected")

// Client maintains a reconnecting websocket to the game server. Inbound envelopes are decoded and
// dispatched one at a time; outbound action frames are written with a per-write timeout.
type Client struct {
	cfg        Config
	dispatcher Dispatcher
	logger     observability.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	connected atomic.Bool

	messages    metric.Int64Counter
	connections metric.Int64Counter
}

// NewClient constructs a client. Run starts it.
func NewClient(cfg Config, dispatcher Dispatcher, logger observability.Logger) (*Client, error) {
	cfg = cfg.normalize()
	if cfg.URL == "" {
		return nil, errs.New("feed", errs.CodeInvalid, errs.WithMessage("feed url required"))
	}
	if dispatcher == nil {
		return nil, errs.New("feed", errs.CodeInvalid, errs.WithMessage("dispatcher required"))
	}
	if logger == nil {
		logger = observability.Log()
	}
	c := &Client{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		ready:      make(chan struct{}),
	}
	meter := otel.Meter("feed")
	c.messages, _ = meter.Int64Counter("feed.messages",
		metric.WithDescription("Feed envelopes by type and outcome"),
		metric.WithUnit("{message}"))
	c.connections, _ = meter.Int64Counter("feed.connections",
		metric.WithDescription("Feed connection state transitions"),
		metric.WithUnit("{transition}"))
	return c, nil
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

// Ready is closed once the first connection succeeds.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run dials, reads and reconnects with exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.MaxBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
		cancel()
		if err != nil {
			c.logger.Warn("feed dial failed", observability.F("url", c.cfg.URL), observability.F("error", err))
			c.recordConnection("dial_failed")
			if !sleep(ctx, next(policy, c.cfg.MaxBackoff)) {
				return nil
			}
			continue
		}
		conn.SetReadLimit(c.cfg.ReadLimit)
		c.setConn(conn)
		c.readyOnce.Do(func() { close(c.ready) })
		policy.Reset()
		c.logger.Info("feed connected", observability.F("url", c.cfg.URL))
		c.recordConnection("connected")

		err = c.serve(ctx, conn)
		c.clearConn(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.recordConnection("disconnected")
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("feed connection lost", observability.F("error", err))
		if !sleep(ctx, next(policy, c.cfg.MaxBackoff)) {
			return nil
		}
	}
}

// serve runs the read and ping loops until either fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.pingLoop(connCtx, conn)
	}()
	first := <-errCh
	cancel()
	wg.Wait()
	return first
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	ev, err := Decode(data)
	if err != nil {
		c.logger.Warn("feed envelope rejected", observability.F("error", err))
		c.recordMessage("unknown", "decode_error")
		return
	}
	if err := c.dispatcher.Dispatch(ev); err != nil {
		c.logger.Warn("feed event not applied",
			observability.F("type", ev.EventType()),
			observability.F("error", err))
		c.recordMessage(ev.EventType(), "error")
		return
	}
	c.recordMessage(ev.EventType(), "applied")
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping websocket: %w", err)
			}
		}
	}
}

// Send writes an action frame. It satisfies ledger.Outbound.
func (c *Client) Send(ctx context.Context, frame orb.ActionFrame) error {
	return c.write(ctx, TypeAction, frame)
}

// Notify forwards an anomaly report to the server.
func (c *Client) Notify(ctx context.Context, anomaly orb.Anomaly) error {
	return c.write(ctx, TypeAnomaly, anomaly)
}

func (c *Client) write(ctx context.Context, typ string, payload any) error {
	data, err := Encode(typ, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", typ, err)
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", typ, err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	c.connected.Store(false)
}

func (c *Client) recordMessage(eventType, result string) {
	if c.messages == nil {
		return
	}
	attrs := append(telemetry.EventAttributes(telemetry.Environment(), eventType), telemetry.AttrResult.String(result))
	c.messages.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (c *Client) recordConnection(state string) {
	if c.connections == nil {
		return
	}
	c.connections.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), state)...))
}

func next(policy *backoff.ExponentialBackOff, ceiling time.Duration) time.Duration {
	d := policy.NextBackOff()
	if d == backoff.Stop || d > ceiling {
		return ceiling
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
