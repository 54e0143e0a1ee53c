package wsnet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/circle-free/graffiti/internal/transport"
	"github.com/gorilla/websocket"
)

// NewStream opens a protocol stream to a linked peer.
func (h *Host) NewStream(ctx context.Context, peer, protocol string) (transport.Stream, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, transport.ErrClosed
	}
	l, ok := h.links[peer]
	h.mu.Unlock()
	if !ok || l.addr == "" {
		return nil, fmt.Errorf("%w: %s", transport.ErrNotConnected, peer)
	}

	q := url.Values{}
	q.Set("protocol", protocol)
	q.Set("from", h.cfg.ID)
	u := url.URL{Scheme: "ws", Host: l.addr, Path: streamPath, RawQuery: q.Encode()}
	conn, resp, err := h.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s on %s", transport.ErrProtocolUnknown, protocol, peer)
		}
		return nil, fmt.Errorf("wsnet: stream %s to %s: %w", protocol, peer, err)
	}
	return &stream{conn: conn, remote: peer}, nil
}

func (h *Host) serveStream(w http.ResponseWriter, r *http.Request) {
	protocol := r.URL.Query().Get("protocol")
	from := r.URL.Query().Get("from")
	h.mu.Lock()
	handler, ok := h.handlers[protocol]
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "unknown protocol", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("protocol", protocol).Msg("stream upgrade failed")
		return
	}
	s := &stream{conn: conn, remote: from}
	defer s.Close()
	handler(s)
}

// stream adapts a websocket connection to a byte stream. Each Write is one
// binary message; Read drains messages in order and reports io.EOF once the
// remote end closes normally.
type stream struct {
	conn   *websocket.Conn
	remote string

	rmu    sync.Mutex
	reader io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Stream = (*stream)(nil)

func (s *stream) RemotePeer() string { return s.remote }

func (s *stream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if s.reader == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *stream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.wmu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
