package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"serialcast/internal/viewmodel"
	"serialcast/pkg/realtime"
	"serialcast/views/pages"
)

// FeedInfo describes the serial feed for the index and status pages.
type FeedInfo struct {
	Device    string
	Baud      int
	Frame     string
	StartedAt time.Time
}

type HomeHandler struct {
	registry *realtime.Registry
	info     FeedInfo
}

func NewHomeHandler(registry *realtime.Registry, info FeedInfo) *HomeHandler {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	return &HomeHandler{registry: registry, info: info}
}

func (h *HomeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.home)
	r.Get("/status", h.status)
}

func (h *HomeHandler) home(w http.ResponseWriter, r *http.Request) {
	render(w, r, pages.IndexPage(viewmodel.IndexPage{
		Title:       "Serial Display",
		Device:      h.info.Device,
		Baud:        h.info.Baud,
		SocketPath:  "/ws/",
		EventsPath:  "/events",
		Frame:       h.info.Frame,
		Subscribers: h.registry.Len(),
	}))
}

func (h *HomeHandler) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, viewmodel.Status{
		Device:        h.info.Device,
		Baud:          h.info.Baud,
		Subscribers:   h.registry.Len(),
		StartedAt:     h.info.StartedAt.Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.info.StartedAt).Seconds()),
	})
}
