package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"serialcast/pkg/realtime"
)

const (
	// writeWait bounds every write to a subscriber.
	writeWait = 5 * time.Second
	// maxInboundMessage caps what a subscriber may send us; it is discarded anyway.
	maxInboundMessage = 4096
)

var replacementChar = []byte("\uFFFD")

// wsTransport pushes payloads onto a WebSocket connection. Send, Probe and
// Close are called from the session goroutine only; gorilla allows
// WriteControl concurrently with the reader's pong replies.
type wsTransport struct {
	conn        *websocket.Conn
	messageType int
	// pending holds the start of a UTF-8 sequence cut off by the end of the
	// previous payload. Text frames only.
	pending []byte
}

func newWSTransport(conn *websocket.Conn, binary bool) *wsTransport {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return &wsTransport{conn: conn, messageType: messageType}
}

func (t *wsTransport) Send(p realtime.Payload) error {
	data := []byte(p)
	if t.messageType == websocket.TextMessage {
		data = t.completeText(data)
		if len(data) == 0 {
			return nil
		}
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(t.messageType, data)
}

// completeText joins p to any sequence held back from the previous payload,
// holds back a new incomplete trailing sequence, and replaces what is left
// that is not valid UTF-8.
func (t *wsTransport) completeText(p []byte) []byte {
	data := p
	if len(t.pending) > 0 {
		data = make([]byte, 0, len(t.pending)+len(p))
		data = append(data, t.pending...)
		data = append(data, p...)
	}
	complete, tail := splitIncompleteRune(data)
	t.pending = append(t.pending[:0], tail...)
	return bytes.ToValidUTF8(complete, replacementChar)
}

// splitIncompleteRune splits b before a trailing UTF-8 sequence that has a
// valid leading byte but is missing continuation bytes.
func splitIncompleteRune(b []byte) (complete, tail []byte) {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return b, nil
		}
		if !utf8.RuneStart(c) {
			continue
		}
		if c >= 0xc2 && c <= 0xf4 && !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		return b, nil
	}
	return b, nil
}

func (t *wsTransport) Probe() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

// readPump consumes inbound frames so control frames reach their handlers.
// Application messages are discarded. Stops the session when the connection
// closes or fails.
func readPump(conn *websocket.Conn, session *realtime.Session) {
	defer session.Stop()
	conn.SetReadLimit(maxInboundMessage)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// sseTransport streams payloads as server-sent events. Payloads are base64
// encoded since raw bytes may contain line breaks, which end an SSE field.
// The event id counts the payload bytes streamed so far, this event included.
type sseTransport struct {
	w       io.Writer
	rc      *http.ResponseController
	onAlive func()
	offset  int64
}

func (t *sseTransport) Send(p realtime.Payload) error {
	var buf bytes.Buffer
	buf.Grow(base64.StdEncoding.EncodedLen(len(p)) + 24)
	t.offset += int64(len(p))
	buf.WriteString("event: serial\nid: ")
	buf.WriteString(strconv.FormatInt(t.offset, 10))
	buf.WriteString("\ndata: ")
	buf.WriteString(base64.StdEncoding.EncodeToString(p))
	buf.WriteString("\n\n")
	return t.write(buf.Bytes())
}

// Probe writes a comment line. SSE has no pong, so a flushed probe is the
// liveness response.
func (t *sseTransport) Probe() error {
	if err := t.write([]byte(": keepalive\n\n")); err != nil {
		return err
	}
	if t.onAlive != nil {
		t.onAlive()
	}
	return nil
}

func (t *sseTransport) Close() error { return nil }

func (t *sseTransport) write(b []byte) error {
	if err := t.rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := t.w.Write(b); err != nil {
		return err
	}
	return t.rc.Flush()
}

// isExpectedClose reports whether err is a normal way for a subscriber
// connection to end.
func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
