package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/hub"
	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/metrics"
)

// maxRequestBytes bounds one inbound request frame. Sources bigger than
// this have no business in a notebook cell.
const maxRequestBytes = 8 * 1024 * 1024

// Handler executes one named operation. The broker implements this.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// Server is the broker's client-facing surface: a websocket endpoint for
// requests and notifications, plus metrics and health on plain HTTP.
type Server struct {
	token   string
	handler Handler
	hub     *hub.Hub
	health  func() interface{}
	logger  zerolog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer builds the server. health is invoked per /healthz request and
// its result rendered as JSON; it may be nil.
func NewServer(addr, token string, handler Handler, h *hub.Hub, health func() interface{}) *Server {
	s := &Server{
		token:   token,
		handler: handler,
		hub:     h,
		health:  health,
		logger:  log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The broker binds to loopback; origin checks add nothing
			// the bearer token does not already cover.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// HTTPHandler exposes the routing mux, used by tests.
func (s *Server) HTTPHandler() http.Handler {
	return s.httpServer.Handler
}

// authorized checks the bearer token; the query parameter form exists for
// websocket clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	presented := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	} else if t := r.URL.Query().Get("token"); t != "" {
		presented = t
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		metrics.APIRequestsTotal.WithLabelValues("ws", "unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxRequestBytes)

	conn := newWSConn(ws)
	s.hub.Register(conn)
	s.logger.Info().Str("conn_id", conn.ID()).Str("remote", r.RemoteAddr).Msg("client connected")

	defer func() {
		s.hub.Unregister(conn.ID())
		s.logger.Info().Str("conn_id", conn.ID()).Msg("client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("read failed")
			}
			return
		}
		s.serveRequest(r.Context(), conn, data)
	}
}

// serveRequest decodes and executes one request, writing exactly one reply.
func (s *Server) serveRequest(ctx context.Context, conn *wsConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = conn.reply(ctx, &response{Error: &wireError{Code: codeBadRequest, Message: "malformed request"}})
		return
	}
	if req.Method == "" {
		_ = conn.reply(ctx, &response{ID: req.ID, Error: &wireError{Code: codeBadRequest, Message: "method is required"}})
		return
	}

	result, err := s.handler.Handle(ctx, req.Method, req.Params)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		_ = conn.reply(ctx, &response{ID: req.ID, Error: toWireError(err)})
		return
	}
	metrics.APIRequestsTotal.WithLabelValues(req.Method, "ok").Inc()
	_ = conn.reply(ctx, &response{ID: req.ID, Result: result})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.SubscriberCount(),
	}
	if s.health != nil {
		body["stats"] = s.health()
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("healthz write failed")
	}
}
