package aibridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the message transport to the AI service. *websocket.Conn
// satisfies it. Close must be safe to call while a write is blocked; a
// Conn that also has SetWriteDeadline gets a deadline before every write.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// DialFunc opens a Conn to url.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// WebsocketDial is the default DialFunc.
func WebsocketDial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: time.Second,
	}
	conn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

func (o *Orchestrator) header() http.Header {
	h := http.Header{}
	if o.cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+o.cfg.AuthToken)
	}
	h.Set("ngrok-skip-browser-warning", "true")
	h.Set("User-Agent", "Asterisk-AI-Client")
	return h
}
