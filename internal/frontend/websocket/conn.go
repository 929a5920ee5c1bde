package websocket

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrConnClosed is returned by Send after the connection has terminated.
	ErrConnClosed = errors.New("websocket connection closed")
	// ErrSendQueueFull is returned by Send when the peer is not draining its
	// outbound queue. The connection is closed as a slow consumer.
	ErrSendQueueFull = errors.New("websocket send queue full")
)

// ConnOptions bounds a single connection.
type ConnOptions struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// Conn is one client websocket. It implements session.Transport and
// dispatch.Attributer. Outbound frames pass through a bounded queue drained
// by a single writer goroutine, so Send never blocks on the network.
type Conn struct {
	id     string
	ws     *gws.Conn
	attrs  map[string]string
	opts   ConnOptions
	logger *zap.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
}

func newConn(ws *gws.Conn, attrs map[string]string, opts ConnOptions, logger *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		ws:       ws,
		attrs:    attrs,
		opts:     opts,
		logger:   logger.With(zap.String("transport", id)),
		send:     make(chan []byte, opts.SendBuffer),
		closed:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// ID implements session.Transport.
func (c *Conn) ID() string { return c.id }

// Attributes returns the connect-time query parameters the dispatcher copies
// onto the identity.
func (c *Conn) Attributes() map[string]string { return maps.Clone(c.attrs) }

// Send implements session.Transport.
//
// Postcondition: data is queued, or ErrConnClosed / ErrSendQueueFull is returned.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("closing slow consumer", zap.Int("queued", len(c.send)))
		c.Close()
		return ErrSendQueueFull
	}
}

// Close implements session.Transport. Queued frames are flushed before the
// close frame is written.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed implements session.Transport.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// writePump is the only goroutine that writes to ws.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(gws.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(gws.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.closed:
			c.flush()
			_ = c.write(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(gws.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// readLoop delivers inbound frames to onMessage until the peer goes away.
//
// Postcondition: Returns the close code and reason; CloseAbnormalClosure when
// the peer vanished without a close frame.
func (c *Conn) readLoop(onMessage func([]byte)) (int, string) {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *gws.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			if !c.IsClosed() {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return gws.CloseAbnormalClosure, err.Error()
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		onMessage(data)
	}
}
