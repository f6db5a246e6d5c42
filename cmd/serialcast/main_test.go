package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"serialcast/internal/config"
	"serialcast/internal/metrics"
	"serialcast/pkg/realtime"
)

func newTestRouter(t *testing.T) (*httptest.Server, *realtime.Registry) {
	t.Helper()
	stats := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := realtime.NewRegistry(realtime.WithLogger(logger), realtime.WithObserver(stats))
	router, err := newRouter(config.Default(), registry, stats, logger)
	if err != nil {
		t.Fatalf("newRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, registry
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading %s: %v", url, err)
	}
	return resp, string(body)
}

func TestRouter_Routes(t *testing.T) {
	srv, _ := newTestRouter(t)

	cases := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/", "text/html", `data-socket="/ws/"`},
		{"/status", "application/json", `"device":"/dev/ttyUSB0"`},
		{"/static/app.js", "application/javascript", "WebSocket"},
		{"/static/style.css", "text/css", "#output"},
		{"/metrics", "text/plain", "serialcast_subscribers"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp, body := get(t, srv.URL+tc.path)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, tc.contentType) {
				t.Errorf("content type %q, want %q", ct, tc.contentType)
			}
			if !strings.Contains(body, tc.contains) {
				t.Errorf("body does not contain %q", tc.contains)
			}
		})
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	srv, _ := newTestRouter(t)
	resp, _ := get(t, srv.URL+"/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestRouter_WebSocketFeed(t *testing.T) {
	srv, registry := newTestRouter(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	registry.Broadcast(realtime.Payload("hello"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want hello", data)
	}

	_, body := get(t, srv.URL+"/metrics")
	if !strings.Contains(body, "serialcast_subscribers 1") {
		t.Error("subscriber gauge not updated")
	}
}
