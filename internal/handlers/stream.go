package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"serialcast/pkg/realtime"
)

// StreamOptions configures subscriber sessions created by StreamHandler.
type StreamOptions struct {
	Session realtime.SessionConfig
	// Binary sends WebSocket payloads as binary frames instead of text.
	Binary bool
	Logger *slog.Logger
}

// StreamHandler accepts subscribers over WebSocket and SSE and runs one
// realtime.Session per connection.
type StreamHandler struct {
	registry *realtime.Registry
	opts     StreamOptions
	upgrader websocket.Upgrader
}

func NewStreamHandler(registry *realtime.Registry, opts StreamOptions) *StreamHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StreamHandler{
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is public and read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.websocket)
	r.Get("/ws/", h.websocket)
	r.Get("/events", h.events)
}

func (h *StreamHandler) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.opts.Logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := realtime.NewSession(h.registry, newWSTransport(conn, h.opts.Binary), h.opts.Session, h.opts.Logger)
	conn.SetPingHandler(func(data string) error {
		session.Heartbeat()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		session.Heartbeat()
		return nil
	})

	go readPump(conn, session)
	h.serve(r, session, "websocket")
}

func (h *StreamHandler) events(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	transport := &sseTransport{w: w, rc: http.NewResponseController(w)}
	session := realtime.NewSession(h.registry, transport, h.opts.Session, h.opts.Logger)
	transport.onAlive = session.Heartbeat
	if err := transport.rc.Flush(); err != nil {
		return
	}
	h.serve(r, session, "sse")
}

func (h *StreamHandler) serve(r *http.Request, session *realtime.Session, kind string) {
	logger := h.opts.Logger.With("transport", kind, "remote", r.RemoteAddr)
	err := session.Run(r.Context())
	switch {
	case err == nil:
		logger.Debug("subscriber left", "subscriber", uint64(session.ID()))
	case isExpectedClose(err):
		logger.Debug("subscriber connection closed", "subscriber", uint64(session.ID()), "error", err)
	default:
		logger.Warn("subscriber session failed", "subscriber", uint64(session.ID()), "error", err)
	}
}
