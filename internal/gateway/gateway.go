// Package gateway is the websocket entry point. Each connection gets its own
// read loop, so events from one client are handled in arrival order while
// different clients run in parallel.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ride-calls/internal/apperr"
	"github.com/example/ride-calls/internal/calls"
	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/observability"
	"github.com/example/ride-calls/internal/presence"
	"github.com/example/ride-calls/internal/protocol"
	"github.com/example/ride-calls/internal/session"
)

type Config struct {
	MaxConnections int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	// EventTimeout bounds the store and notifier work done for one inbound event.
	EventTimeout time.Duration
	// RingTimeout marks unanswered calls missed after the given delay. Zero disables it.
	RingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 5 * time.Second
	}
	return c
}

type Gateway struct {
	presence *presence.Registry
	sessions *session.Registry
	machine  *calls.Machine
	relay    calls.Deliverer
	cfg      Config
	sem      chan struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func New(p *presence.Registry, s *session.Registry, m *calls.Machine, r calls.Deliverer, cfg Config, logger *zap.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		presence: p,
		sessions: s,
		machine:  m,
		relay:    r,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConnections),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   logger.With(zap.String("component", "gateway")),
	}
}

// ServeWS upgrades the request and runs the connection's read loop until the
// client goes away.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	default:
		g.logger.Warn("websocket rejected: max connections reached", zap.Int("max_connections", g.cfg.MaxConnections))
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConn(ws, g.cfg.PingInterval, g.cfg.WriteTimeout, g.logger)
	observability.WSConnections.Inc()
	c.logger.Debug("client connected", zap.String("remote_addr", r.RemoteAddr))

	go c.writePump()
	g.readLoop(c)
}

func (g *Gateway) readLoop(c *Conn) {
	defer func() {
		g.Disconnect(c)
		c.Close()
		observability.WSConnections.Dec()
	}()

	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		ev, err := protocol.DecodeInbound(raw)
		if err != nil {
			c.logger.Debug("rejected inbound frame", zap.Error(err))
			g.reply(c, protocol.Error{Message: apperr.PublicMessage(err)})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.EventTimeout)
		g.Handle(ctx, c, ev)
		cancel()
	}
}

// Handle applies one decoded event on behalf of the connection h.
func (g *Gateway) Handle(ctx context.Context, h presence.Handle, ev protocol.Inbound) {
	switch e := ev.(type) {
	case protocol.Join:
		g.presence.Register(e.UserID, e.Role, h)
		observability.UsersOnline.Set(float64(g.presence.Online()))
		g.logger.Info("user joined", zap.String("user_id", e.UserID), zap.String("role", string(e.Role)), zap.String("conn_id", h.ID()))

	case protocol.OrderJoin:
		g.sessions.Join(e.OrderID, e.Role, e.UserID, h)
		observability.SessionsActive.Set(float64(g.sessions.Len()))

	case protocol.OrderLeave:
		g.sessions.Leave(e.OrderID, e.Role)
		observability.SessionsActive.Set(float64(g.sessions.Len()))

	case protocol.Initiate:
		g.initiate(ctx, h, e)

	case protocol.Offer:
		_ = g.relay.Forward(e.ReceiverID, protocol.RelayedOffer{CallID: e.CallID, OrderID: e.OrderID, Offer: e.Offer})

	case protocol.Answer:
		// the answer is forwarded even when the transition is a no-op so the
		// caller's peer connection can still complete
		if _, err := g.machine.Answer(ctx, e.CallID); err != nil {
			g.fail(h, e.CallID, err)
		}
		_ = g.relay.Forward(e.CallerID, protocol.RelayedAnswer{CallID: e.CallID, OrderID: e.OrderID, Answer: e.Answer})

	case protocol.ICECandidate:
		_ = g.relay.Forward(e.TargetUserID, protocol.RelayedCandidate{CallID: e.CallID, OrderID: e.OrderID, Candidate: e.Candidate})

	case protocol.Reject:
		res, err := g.machine.Reject(ctx, e.CallID)
		if err != nil {
			g.fail(h, e.CallID, err)
			return
		}
		if res.Applied {
			_ = g.relay.Forward(e.CallerID, protocol.Rejected{CallID: e.CallID, OrderID: e.OrderID})
		}

	case protocol.End:
		// hanging up before pickup has no edge, yet the other side still has
		// to stop ringing
		if _, err := g.machine.End(ctx, e.CallID, e.Duration, e.Quality); err != nil {
			g.fail(h, e.CallID, err)
			return
		}
		_ = g.relay.Forward(e.OtherUserID, protocol.Ended{CallID: e.CallID, OrderID: e.OrderID, Duration: e.Duration})

	case protocol.Missed:
		if _, err := g.machine.MarkMissed(ctx, e.CallID); err != nil {
			g.fail(h, e.CallID, err)
		}
	}
}

func (g *Gateway) initiate(ctx context.Context, h presence.Handle, e protocol.Initiate) {
	call, status, err := g.machine.Initiate(ctx, calls.InitiateRequest{
		OrderID:  e.OrderID,
		Caller:   models.Participant{UserID: e.CallerID, Role: e.CallerRole},
		Receiver: models.Participant{UserID: e.ReceiverID, Role: e.ReceiverRole},
		CallType: e.CallType,
	})
	if err != nil {
		callID := ""
		if call != nil {
			callID = call.ID
		}
		g.fail(h, callID, err)
		return
	}
	if g.cfg.RingTimeout > 0 && !call.Status.Terminal() {
		g.machine.ScheduleMissed(call.ID, g.cfg.RingTimeout)
	}
	g.reply(h, protocol.Initiated{CallID: call.ID, Status: status})
}

// Disconnect removes every trace of h from presence and sessions. Calls the
// connection took part in keep their status. Repeated calls are no-ops.
func (g *Gateway) Disconnect(h presence.Handle) {
	users := g.presence.Unregister(h)
	dropped := g.sessions.DropHandle(h)
	observability.UsersOnline.Set(float64(g.presence.Online()))
	observability.SessionsActive.Set(float64(g.sessions.Len()))
	if len(users) > 0 || dropped > 0 {
		g.logger.Info("client disconnected",
			zap.String("conn_id", h.ID()), zap.Strings("user_ids", users), zap.Int("sessions_deleted", dropped))
	}
}

func (g *Gateway) fail(h presence.Handle, callID string, err error) {
	log := g.logger.With(zap.String("conn_id", h.ID()), zap.String("call_id", callID), zap.Error(err))
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation, apperr.CodeNotFound:
		log.Debug("event rejected")
	default:
		log.Error("event failed")
	}
	g.reply(h, protocol.Error{Message: apperr.PublicMessage(err)})
}

func (g *Gateway) reply(h presence.Handle, ev protocol.Outbound) {
	if err := h.Send(ev); err != nil {
		g.logger.Debug("reply not delivered", zap.String("conn_id", h.ID()), zap.String("event", ev.EventName()), zap.Error(err))
	}
}
