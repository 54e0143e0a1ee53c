package wsnet

import (
	"slices"
	"sync"
	"time"

	"github.com/circle-free/graffiti/internal/transport"
	"github.com/gorilla/websocket"
)

// link is the long-lived control connection to one peer.
type link struct {
	host   *Host
	peer   string
	addr   string
	dialer string
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	protocols []string
	topics    map[string]struct{}
}

func (l *link) send(env envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return writeEnvelope(l.conn, env)
}

func (l *link) subscribed(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.topics[topic]
	return ok
}

func (l *link) protocolList() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.protocols)
}

func (l *link) readLoop() {
	defer l.host.detach(l)
	defer l.conn.Close()

	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.host.log.Debug().Err(err).Str("peer", l.peer).Msg("link read ended")
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch env.Type {
		case envPublish:
			l.host.deliver(transport.Message{From: l.peer, Topic: env.Topic, Data: env.Data})
		case envSubscribe:
			l.mu.Lock()
			l.topics[env.Topic] = struct{}{}
			l.mu.Unlock()
		case envUnsubscribe:
			l.mu.Lock()
			delete(l.topics, env.Topic)
			l.mu.Unlock()
		case envProtocols:
			l.mu.Lock()
			l.protocols = env.Protocols
			l.mu.Unlock()
			l.host.emit(transport.CapabilityEvent{Peer: l.peer, Protocols: slices.Clone(env.Protocols), Connected: true})
		default:
			l.host.log.Debug().Str("peer", l.peer).Str("type", env.Type).Msg("ignoring envelope")
		}
	}
}

func (l *link) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		l.writeMu.Lock()
		err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		l.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
