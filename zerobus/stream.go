package zerobus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// errUnauthorized marks a 401 from the endpoint, either at the handshake
// or as an in-stream error frame.
var errUnauthorized = errors.New("stream unauthorized")

// streamConfig carries the transport knobs a stream needs.
type streamConfig struct {
	// scheme is wss in production; tests run ws.
	scheme string
	// proxyURL overrides environment proxy discovery when set.
	proxyURL string
	// dialTimeout bounds the handshake.
	dialTimeout time.Duration
	// writeTimeout bounds a single frame write.
	writeTimeout time.Duration
}

func (c *streamConfig) withDefaults() {
	if c.scheme == "" {
		c.scheme = "wss"
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = 15 * time.Second
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = 30 * time.Second
	}
}

// stream is one open websocket to the ingestion endpoint for a single
// table. It is owned by the sender task; no other task touches the
// connection.
type stream struct {
	conn *websocket.Conn
	cfg  streamConfig
}

// openStream dials the endpoint, authenticates with the bearer token and
// performs the open handshake for the table.
func openStream(ctx context.Context, target Target, bearer string, cfg streamConfig) (*stream, error) {
	cfg.withDefaults()

	u := url.URL{
		Scheme: cfg.scheme,
		Host:   target.EndpointHost,
		Path:   "/api/2.0/zerobus/streams/" + url.PathEscape(target.Table),
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.dialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if cfg.proxyURL != "" {
		proxy, err := url.Parse(cfg.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxy)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errUnauthorized
		}
		return nil, fmt.Errorf("failed to dial stream: %w", err)
	}

	s := &stream{conn: conn, cfg: cfg}
	if err := s.write(wireMessage{Type: msgOpen, Table: target.Table}); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := s.read(cfg.dialTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Type == msgError && reply.Code == codeUnauthorized {
		conn.Close()
		return nil, errUnauthorized
	}
	if reply.Type != msgOpened {
		conn.Close()
		return nil, fmt.Errorf("unexpected open reply %q: %s", reply.Type, reply.Message)
	}
	return s, nil
}

func (s *stream) write(msg wireMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write stream frame: %w", err)
	}
	return nil
}

// read returns the next server frame within the deadline.
func (s *stream) read(timeout time.Duration) (wireMessage, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wireMessage{}, err
	}
	var msg wireMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return wireMessage{}, fmt.Errorf("failed to read stream frame: %w", err)
	}
	return msg, nil
}

// close sends a best-effort close frame and tears the connection down.
func (s *stream) close() {
	_ = s.write(wireMessage{Type: msgClose})
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
}
