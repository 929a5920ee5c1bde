// Package websocket accepts browser clients over WebSocket and feeds their
// connection events to the dispatcher.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/config"
	"github.com/AustejaJak/tincisnotcatan/internal/dispatch"
	"github.com/AustejaJak/tincisnotcatan/internal/session"
)

// AttributeParams lists the query parameters copied onto a new connection's
// identity.
var AttributeParams = []string{"name", "preset"}

// EventHandler receives the lifecycle events of every connection.
// *dispatch.Dispatcher implements it.
type EventHandler interface {
	OnConnect(ctx context.Context, h session.Transport, cookies []*http.Cookie) error
	OnMessage(ctx context.Context, h session.Transport, payload []byte) error
	OnClose(ctx context.Context, h session.Transport, code int, reason string) error
}

// Handler upgrades HTTP requests and runs one read loop per connection.
type Handler struct {
	events   EventHandler
	opts     ConnOptions
	upgrader gws.Upgrader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewHandler creates a Handler bounded by cfg.
//
// Precondition: events and logger must be non-nil; cfg must have passed Validate.
func NewHandler(cfg config.WebSocketConfig, events EventHandler, logger *zap.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		events: events,
		opts: ConnOptions{
			SendBuffer:      cfg.SendBuffer,
			WriteTimeout:    cfg.WriteTimeout,
			ReadTimeout:     cfg.ReadTimeout,
			PingInterval:    cfg.PingInterval,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Conn]struct{}),
	}
}

// ServeHTTP implements http.Handler. It returns once the connection is gone.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	start := time.Now()
	c := newConn(ws, attributesFrom(r), h.opts, h.logger)
	h.track(c)
	defer h.untrack(c)
	go c.writePump()

	c.logger.Info("client connected", zap.String("remote_addr", r.RemoteAddr))

	if err := h.events.OnConnect(h.ctx, c, r.Cookies()); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrStaleToken), errors.Is(err, dispatch.ErrDuplicateTransport):
			// The client was told why; its frames are dropped until it closes.
			c.logger.Debug("connection not admitted", zap.Error(err))
		default:
			c.logger.Warn("connect failed", zap.Error(err))
			c.Close()
		}
	}

	code, reason := c.readLoop(func(data []byte) {
		if err := h.events.OnMessage(h.ctx, c, data); err != nil {
			c.logger.Debug("message not handled", zap.Error(err))
		}
	})
	c.Close()
	<-c.pumpDone

	if err := h.events.OnClose(context.Background(), c, code, reason); err != nil &&
		!errors.Is(err, dispatch.ErrUnknownTransport) {
		c.logger.Warn("close not handled", zap.Error(err))
	}
	c.logger.Info("client disconnected",
		zap.Int("code", code),
		zap.Duration("duration", time.Since(start)),
	)
}

// Shutdown closes every open connection and waits for their close events to
// be delivered, or for ctx to end.
//
// Postcondition: New upgrade requests are refused with 503.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.cancel()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open returns the number of live connections.
func (h *Handler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) track(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	if h.ctx.Err() != nil {
		c.Close()
	}
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func attributesFrom(r *http.Request) map[string]string {
	q := r.URL.Query()
	attrs := make(map[string]string)
	for _, k := range AttributeParams {
		if v := q.Get(k); v != "" {
			attrs[k] = v
		}
	}
	return attrs
}
