package sendq

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wireMessage struct {
	Content       string `json:"content"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
	SentAt        string `json:"sentAt"`
}

// WebSocketTransport sends messages over a live websocket channel, dialing
// lazily and redialing after any send failure. Each Send is one delivery
// attempt; the queue decides whether and when to retry.
type WebSocketTransport struct {
	url          string
	httpClient   *http.Client
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketTransport(url string, httpClient *http.Client) *WebSocketTransport {
	return &WebSocketTransport{
		url:          strings.TrimSpace(url),
		httpClient:   httpClient,
		dialTimeout:  10 * time.Second,
		writeTimeout: 10 * time.Second,
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, msg OutboundMessage) error {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	wire := wireMessage{
		Content:       msg.Content,
		AttachmentRef: msg.AttachmentRef,
		SentAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := wsjson.Write(wctx, conn, wire); err != nil {
		t.dropConn(conn)
		return err
	}
	return nil
}

func (t *WebSocketTransport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	dctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
	})
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

// dropConn discards a connection after a failed write so the next send
// redials instead of reusing a broken channel.
func (t *WebSocketTransport) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close(websocket.StatusAbnormalClosure, "send failed")
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "session ended")
}
