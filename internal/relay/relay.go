package relay

import (
	"go.uber.org/zap"

	"github.com/example/ride-calls/internal/apperr"
	"github.com/example/ride-calls/internal/observability"
	"github.com/example/ride-calls/internal/presence"
	"github.com/example/ride-calls/internal/protocol"
)

// ErrOffline is returned when the destination has no live connection.
var ErrOffline = apperr.New(apperr.CodeDelivery, "recipient offline")

// Relay forwards events to a user's current connection. Nothing is queued:
// an offline destination means the event is dropped.
type Relay struct {
	presence *presence.Registry
	logger   *zap.Logger
}

func New(p *presence.Registry, logger *zap.Logger) *Relay {
	return &Relay{presence: p, logger: logger.With(zap.String("component", "relay"))}
}

func (r *Relay) IsOnline(userID string) bool { return r.presence.IsOnline(userID) }

// Forward delivers ev to userID's live handle.
func (r *Relay) Forward(userID string, ev protocol.Outbound) error {
	h, ok := r.presence.Lookup(userID)
	if !ok {
		observability.RelayMessages.WithLabelValues(ev.EventName(), "dropped").Inc()
		r.logger.Debug("destination offline, dropping", zap.String("user_id", userID), zap.String("event", ev.EventName()))
		return ErrOffline
	}
	if err := h.Send(ev); err != nil {
		observability.RelayMessages.WithLabelValues(ev.EventName(), "failed").Inc()
		r.logger.Warn("relay send failed", zap.String("user_id", userID), zap.String("event", ev.EventName()), zap.Error(err))
		return apperr.Delivery("send failed", err)
	}
	observability.RelayMessages.WithLabelValues(ev.EventName(), "delivered").Inc()
	return nil
}
