package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-calls/internal/apperr"
	"github.com/example/ride-calls/internal/models"
	"github.com/example/ride-calls/internal/session"
	"github.com/example/ride-calls/internal/storage"
)

// userHistoryLimit caps the per-user call listing.
const userHistoryLimit = 50

type Server struct {
	Store    storage.CallStore
	Sessions *session.Registry
	// WS serves the websocket upgrade on /ws.
	WS http.Handler
	// Ready reports whether backing services are reachable; nil means always ready.
	Ready func(ctx context.Context) error

	logger *zap.Logger
	mux    *mux.Router
}

func NewServer(store storage.CallStore, sessions *session.Registry, ws http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		Store:    store,
		Sessions: sessions,
		WS:       ws,
		logger:   logger.With(zap.String("component", "http")),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.WS != nil {
		s.mux.Handle("/ws", s.WS)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/calls/{callId}", s.handleGetCall).Methods("GET")
	api.HandleFunc("/orders/{orderId}/calls", s.handleOrderCalls).Methods("GET")
	api.HandleFunc("/orders/{orderId}/session", s.handleOrderSession).Methods("GET")
	api.HandleFunc("/users/{userId}/calls", s.handleUserCalls).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	c, err := s.Store.Find(r.Context(), mux.Vars(r)["callId"])
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, apperr.NotFound("call"))
		return
	}
	if err != nil {
		s.writeError(w, apperr.Storage(err))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleOrderCalls(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	calls, err := s.Store.ListByOrder(r.Context(), orderID)
	if err != nil {
		s.writeError(w, apperr.Storage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderId": orderID, "calls": nonNil(calls)})
}

func (s *Server) handleUserCalls(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	role := models.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		s.writeError(w, apperr.Validation("invalid role"))
		return
	}
	calls, err := s.Store.ListByUser(r.Context(), userID, role, userHistoryLimit)
	if err != nil {
		s.writeError(w, apperr.Storage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "calls": nonNil(calls)})
}

type slotView struct {
	UserID string `json:"userId"`
}

type sessionView struct {
	OrderID   string    `json:"orderId"`
	Customer  *slotView `json:"customer,omitempty"`
	Driver    *slotView `json:"driver,omitempty"`
	Available bool      `json:"available"`
}

// handleOrderSession reports who is attached to an order right now. A call
// can only ring on the live channel when both sides are present.
func (s *Server) handleOrderSession(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	p := s.Sessions.ParticipantsOf(orderID)
	view := sessionView{OrderID: orderID}
	if p.Customer != nil {
		view.Customer = &slotView{UserID: p.Customer.UserID}
	}
	if p.Driver != nil {
		view.Driver = &slotView{UserID: p.Driver.UserID}
	}
	view.Available = view.Customer != nil && view.Driver != nil
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": apperr.PublicMessage(err),
		"code":  string(apperr.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil(calls []*models.Call) []*models.Call {
	if calls == nil {
		return []*models.Call{}
	}
	return calls
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
