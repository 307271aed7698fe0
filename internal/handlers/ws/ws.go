// Package ws serves the websocket endpoint that delivers events to connected users.
package ws

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/handlers/render"
	"github.com/nkiryanov/hotline/internal/handlers/userctx"
	"github.com/nkiryanov/hotline/internal/hub"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/metrics"
	"github.com/nkiryanov/hotline/internal/registry"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 4096
	defaultInboundRate  = 10
	defaultInboundBurst = 20

	// How long to wait for the client to answer our close frame
	closeGrace = time.Second
)

// IdentityFunc returns identity of the request owner, false if unauthenticated
type IdentityFunc func(r *http.Request) (string, bool)

// SessionIdentity reads identity put to request context by the auth middleware
func SessionIdentity(r *http.Request) (string, bool) {
	return userctx.Identity(r.Context())
}

type Config struct {
	// Identity of the connecting user. SessionIdentity if not set
	Identity IdentityFunc

	// Ping period is 9/10 of PongWait
	WriteWait time.Duration
	PongWait  time.Duration

	// Max size of a client message
	ReadLimit int64

	// Client messages per second; over the limit they are dropped
	InboundRate  float64
	InboundBurst int

	CheckOrigin func(r *http.Request) bool
}

type connections interface {
	Register(identity string, h registry.Handle) (registry.Handle, bool)
	Release(identity string, h registry.Handle) bool
}

type Handler struct {
	identity IdentityFunc
	upgrader websocket.Upgrader

	writeWait    time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration
	readLimit    int64
	inboundRate  rate.Limit
	inboundBurst int

	registry connections
	hub      *hub.Hub
	logger   logger.Logger
}

func New(cfg Config, reg connections, h *hub.Hub, l logger.Logger) *Handler {
	if cfg.Identity == nil {
		cfg.Identity = SessionIdentity
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.WriteWait, defaultWriteWait)
	setDefaultDuration(&cfg.PongWait, defaultPongWait)

	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.InboundRate == 0 {
		cfg.InboundRate = defaultInboundRate
	}
	if cfg.InboundBurst == 0 {
		cfg.InboundBurst = defaultInboundBurst
	}

	return &Handler{
		identity: cfg.Identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		writeWait:    cfg.WriteWait,
		pongWait:     cfg.PongWait,
		pingPeriod:   cfg.PongWait * 9 / 10,
		readLimit:    cfg.ReadLimit,
		inboundRate:  rate.Limit(cfg.InboundRate),
		inboundBurst: cfg.InboundBurst,
		registry:     reg,
		hub:          h,
		logger:       l.With("component", "ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(r)
	if !ok || identity == "" {
		render.Unauthorized(w, "Unauthorized")
		return
	}

	l := h.logger.With("identity", identity)

	// Subscribe before upgrade: nothing published after the client sees 101 is lost
	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader has responded already
		l.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close() // nolint:errcheck

	c := newConn(identity, ws, h.writeWait)

	if previous, replaced := h.registry.Register(identity, c); replaced {
		err := previous.Close(registry.CloseSuperseded, "connected elsewhere")
		if err != nil && !errors.Is(err, registry.ErrClosed) {
			l.Debug("Superseded connection closed with error", "error", err)
		}
	}
	defer h.registry.Release(identity, c)

	metrics.ConnectionsOpen.Inc()
	defer metrics.ConnectionsOpen.Dec()
	l.Info("Connection opened", "remote", r.RemoteAddr)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.readLoop(l, c)
	}()

	h.writeLoop(l, c, sub, readDone)

	// Give the client a moment to answer the close frame
	select {
	case <-readDone:
	case <-time.After(closeGrace):
	}

	code := "remote"
	select {
	case <-c.Done():
		code = strconv.Itoa(c.Code())
	default:
	}
	metrics.ConnectionsClosed.WithLabelValues(code).Inc()
	l.Info("Connection closed", "code", code)
}

// writeLoop is the only writer of data frames
func (h *Handler) writeLoop(l logger.Logger, c *conn, sub *hub.Subscription, readDone <-chan struct{}) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return

		case <-readDone:
			return

		case e, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					_ = c.Close(registry.CloseLagging, "too slow")
				}
				return
			}

			if !e.For(c.identity) {
				continue
			}

			data, err := events.Encode(e)
			if err != nil {
				l.Error("Envelope not encoded", "error", err)
				continue
			}

			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				l.Debug("Write failed", "error", err)
				_ = c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
			metrics.EnvelopesDelivered.Inc()

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait)); err != nil {
				l.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop drains client messages. It returns when the connection fails or the client closes it
func (h *Handler) readLoop(l logger.Logger, c *conn) {
	limiter := rate.NewLimiter(h.inboundRate, h.inboundBurst)

	c.ws.SetReadLimit(h.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug("Connection read failed", "error", err)
			}
			return
		}

		if !limiter.Allow() {
			l.Warn("Client message dropped, rate exceeded", "size", len(data))
			continue
		}
		l.Debug("Client message", "size", len(data))
	}
}
