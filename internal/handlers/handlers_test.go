package handlers

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"serialcast/internal/viewmodel"
	"serialcast/pkg/realtime"
)

func newTestServer(t *testing.T, opts StreamOptions) (*httptest.Server, *realtime.Registry) {
	t.Helper()
	registry := realtime.NewRegistry()
	r := chi.NewRouter()
	NewHomeHandler(registry, FeedInfo{Device: "/dev/ttyUSB0", Baud: 9600, Frame: "text"}).RegisterRoutes(r)
	NewStreamHandler(registry, opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForLen(t *testing.T, registry *realtime.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry Len %d, want %d", registry.Len(), want)
}

func TestHomeHandler_Index(t *testing.T) {
	srv, _ := newTestServer(t, StreamOptions{})
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type %q", ct)
	}
	if !strings.Contains(string(body), "/dev/ttyUSB0") {
		t.Error("index does not name the device")
	}
}

func TestHomeHandler_Status(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{})
	_, _ = registry.Connect(handleFunc(func(realtime.Payload) error { return nil }))

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var status viewmodel.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Subscribers != 1 || status.Baud != 9600 || status.Device != "/dev/ttyUSB0" {
		t.Errorf("status %+v", status)
	}
}

func TestStreamHandler_WebSocketReceivesBroadcast(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{})
	conn := dial(t, srv)
	waitForLen(t, registry, 1)

	registry.Broadcast(realtime.Payload("temp=21.5\r\n"))
	registry.Broadcast(realtime.Payload{'o', 'k', 0xff})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage || string(data) != "temp=21.5\r\n" {
		t.Errorf("got %d %q", kind, data)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ok\uFFFD" {
		t.Errorf("invalid UTF-8 not replaced: %q", data)
	}
}

func TestStreamHandler_WebSocketKeepsCharacterSplitAcrossReads(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{})
	conn := dial(t, srv)
	waitForLen(t, registry, 1)

	registry.Broadcast(realtime.Payload("21.5\xc2"))
	registry.Broadcast(realtime.Payload("\xb0C\r\n"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got string
	for len(got) < len("21.5°C\r\n") {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %q: %v", got, err)
		}
		got += string(data)
	}
	if got != "21.5°C\r\n" {
		t.Errorf("got %q, want %q", got, "21.5°C\r\n")
	}
}

func TestWSTransport_CompleteText(t *testing.T) {
	cases := []struct {
		name     string
		payloads []string
		want     []string
	}{
		{"ascii", []string{"abc", "def"}, []string{"abc", "def"}},
		{"two byte split", []string{"21.5\xc2", "\xb0C"}, []string{"21.5", "°C"}},
		{"three byte split twice", []string{"\xe2", "\x82", "\xac!"}, []string{"", "", "€!"}},
		{"four byte split", []string{"go \xf0\x9f", "\x98\x80"}, []string{"go ", "😀"}},
		{"stray continuation", []string{"a\x80b"}, []string{"a\uFFFDb"}},
		{"invalid lead not held", []string{"a\xff", "b"}, []string{"a\uFFFD", "b"}},
		{"held bytes that never complete", []string{"x\xc2", "y"}, []string{"x", "\uFFFDy"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &wsTransport{messageType: websocket.TextMessage}
			for i, p := range tc.payloads {
				if got := string(tr.completeText([]byte(p))); got != tc.want[i] {
					t.Errorf("payload %d: got %q, want %q", i, got, tc.want[i])
				}
			}
		})
	}
}

func TestSplitIncompleteRune(t *testing.T) {
	cases := []struct {
		in, complete, tail string
	}{
		{"", "", ""},
		{"abc", "abc", ""},
		{"°", "°", ""},
		{"ab\xc2", "ab", "\xc2"},
		{"ab\xe2\x82", "ab", "\xe2\x82"},
		{"\xf0\x9f\x98", "", "\xf0\x9f\x98"},
		{"ab\xc0", "ab\xc0", ""},
		{"ab\x80\x80\x80", "ab\x80\x80\x80", ""},
	}
	for _, tc := range cases {
		complete, tail := splitIncompleteRune([]byte(tc.in))
		if string(complete) != tc.complete || string(tail) != tc.tail {
			t.Errorf("splitIncompleteRune(%q) = %q, %q; want %q, %q", tc.in, complete, tail, tc.complete, tc.tail)
		}
	}
}

func TestStreamHandler_WebSocketBinary(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{Binary: true})
	conn := dial(t, srv)
	waitForLen(t, registry, 1)

	raw := realtime.Payload{0x00, 0xff, 0x10}
	registry.Broadcast(raw)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != string(raw) {
		t.Errorf("got %d %x, want binary %x", kind, data, raw)
	}
}

func TestStreamHandler_WebSocketCloseDisconnects(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{})
	conn := dial(t, srv)
	waitForLen(t, registry, 1)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForLen(t, registry, 0)
}

func TestStreamHandler_WebSocketIgnoresInboundData(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{})
	conn := dial(t, srv)
	waitForLen(t, registry, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello?")); err != nil {
		t.Fatalf("write: %v", err)
	}
	registry.Broadcast(realtime.Payload("still here"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "still here" {
		t.Errorf("got %q", data)
	}
	if registry.Len() != 1 {
		t.Errorf("Len %d, want 1", registry.Len())
	}
}

func TestStreamHandler_UnresponsiveSubscriberTimesOut(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{Session: realtime.SessionConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		ClientTimeout:     50 * time.Millisecond,
	}})
	// Never reading means the client never answers pings.
	_ = dial(t, srv)
	waitForLen(t, registry, 1)
	waitForLen(t, registry, 0)
}

func TestStreamHandler_RespondingSubscriberStays(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{Session: realtime.SessionConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		ClientTimeout:     50 * time.Millisecond,
	}})
	conn := dial(t, srv)
	go func() {
		// The default ping handler answers with a pong while we read.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitForLen(t, registry, 1)

	time.Sleep(250 * time.Millisecond)
	if registry.Len() != 1 {
		t.Errorf("responsive subscriber dropped, Len %d", registry.Len())
	}
}

func TestStreamHandler_SSE(t *testing.T) {
	srv, registry := newTestServer(t, StreamOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	waitForLen(t, registry, 1)

	payload := realtime.Payload("line one\nline two\r\n")
	registry.Broadcast(payload)

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	want := []string{
		"event: serial",
		"id: " + strconv.Itoa(len(payload)),
		"data: " + base64.StdEncoding.EncodeToString(payload),
	}
	for _, w := range want {
		select {
		case got := <-lines:
			if got != w {
				t.Fatalf("line %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}

	cancel()
	waitForLen(t, registry, 0)
}

func TestIsExpectedClose(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{io.EOF, true},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{errors.Join(errors.New("send"), &websocket.CloseError{Code: websocket.CloseNormalClosure}), true},
		{&websocket.CloseError{Code: websocket.CloseProtocolError}, false},
		{syscall.EPIPE, true},
		{syscall.ECONNRESET, true},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isExpectedClose(tc.err); got != tc.want {
			t.Errorf("isExpectedClose(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

type handleFunc func(realtime.Payload) error

func (f handleFunc) Deliver(p realtime.Payload) error { return f(p) }
