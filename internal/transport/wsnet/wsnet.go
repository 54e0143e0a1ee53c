// Package wsnet is the network transport: every pair of peers shares one
// websocket link that carries gossip and control envelopes, and each
// protocol stream gets its own websocket. Peers learn about each other from
// the peer lists exchanged in the link handshake.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	linkPath   = "/p2p/link"
	streamPath = "/p2p/stream"

	subscriptionBuffer = 256
	capabilityBuffer   = 64

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 3 * pingInterval

	// Envelopes carry frames of up to 8 MiB as base64.
	linkReadLimit = 12 << 20
)

type Config struct {
	ID string
	// Listen is the local address to accept links on; empty disables it.
	Listen string
	// Advertise is the address other peers should dial. Defaults to the
	// bound listen address.
	Advertise string
	// Peers are bootstrap addresses kept connected by Maintain.
	Peers          []string
	DialTimeout    time.Duration
	RedialInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RedialInterval <= 0 {
		c.RedialInterval = 15 * time.Second
	}
}

type envelope struct {
	Type      string     `json:"type"`
	Peer      string     `json:"peer,omitempty"`
	Addr      string     `json:"addr,omitempty"`
	Protocols []string   `json:"protocols,omitempty"`
	Topics    []string   `json:"topics,omitempty"`
	Peers     []peerInfo `json:"peers,omitempty"`
	Topic     string     `json:"topic,omitempty"`
	Data      []byte     `json:"data,omitempty"`
}

const (
	envHello       = "hello"
	envPublish     = "publish"
	envSubscribe   = "subscribe"
	envUnsubscribe = "unsubscribe"
	envProtocols   = "protocols"
)

type peerInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Peers are not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Host implements transport.Host over websockets.
type Host struct {
	cfg    Config
	log    zerolog.Logger
	ln     net.Listener
	srv    *http.Server
	dialer *websocket.Dialer
	addr   string

	mu       sync.Mutex
	closed   bool
	links    map[string]*link
	handlers map[string]transport.StreamHandler
	subs     map[string]map[*subscription]struct{}
	capSubs  map[int]chan transport.CapabilityEvent
	capNext  int
	dialing  map[string]bool
}

var _ transport.Host = (*Host)(nil)

// New binds the listener, if any, and starts serving links and streams.
func New(cfg Config) (*Host, error) {
	if cfg.ID == "" {
		return nil, errors.New("wsnet: empty host id")
	}
	cfg.setDefaults()
	h := &Host{
		cfg:      cfg,
		log:      logging.Component("wsnet"),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		links:    make(map[string]*link),
		handlers: make(map[string]transport.StreamHandler),
		subs:     make(map[string]map[*subscription]struct{}),
		capSubs:  make(map[int]chan transport.CapabilityEvent),
		dialing:  make(map[string]bool),
	}
	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("wsnet: listen %s: %w", cfg.Listen, err)
		}
		h.ln = ln
		h.addr = ln.Addr().String()
		mux := http.NewServeMux()
		mux.HandleFunc(linkPath, h.serveLink)
		mux.HandleFunc(streamPath, h.serveStream)
		h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.log.Error().Err(err).Msg("listener stopped")
			}
		}()
	}
	if cfg.Advertise != "" {
		h.addr = cfg.Advertise
	}
	h.log = h.log.With().Str("host", cfg.ID).Logger()
	return h, nil
}

func (h *Host) ID() string { return h.cfg.ID }

// Addr is the advertised address, empty for dial-only hosts.
func (h *Host) Addr() string { return h.addr }

// Maintain dials the bootstrap peers now and again every RedialInterval
// until ctx is done.
func (h *Host) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.RedialInterval)
	defer ticker.Stop()
	for {
		for _, addr := range h.cfg.Peers {
			if h.linkedAddr(addr) {
				continue
			}
			if err := h.Connect(ctx, addr); err != nil && ctx.Err() == nil {
				h.log.Debug().Err(err).Str("addr", addr).Msg("bootstrap dial failed")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Host) linkedAddr(addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.links {
		if l.addr == addr {
			return true
		}
	}
	return false
}

// Connect dials a link to the peer listening at addr.
func (h *Host) Connect(ctx context.Context, addr string) error {
	if addr == "" || addr == h.addr {
		return nil
	}
	h.mu.Lock()
	if h.closed || h.dialing[addr] {
		h.mu.Unlock()
		return nil
	}
	h.dialing[addr] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.dialing, addr)
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.DialTimeout)
	defer cancel()
	u := url.URL{Scheme: "ws", Host: addr, Path: linkPath}
	conn, _, err := h.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("wsnet: dial %s: %w", addr, err)
	}
	conn.SetReadLimit(linkReadLimit)
	if err := writeEnvelope(conn, h.hello()); err != nil {
		conn.Close()
		return fmt.Errorf("wsnet: hello to %s: %w", addr, err)
	}
	remote, err := readHello(conn, h.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("wsnet: hello from %s: %w", addr, err)
	}
	if remote.Peer == h.cfg.ID {
		conn.Close()
		return nil
	}
	if remote.Addr == "" {
		remote.Addr = addr
	}
	h.attach(conn, remote, h.cfg.ID)
	return nil
}

func (h *Host) serveLink(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("link upgrade failed")
		return
	}
	conn.SetReadLimit(linkReadLimit)
	remote, err := readHello(conn, h.cfg.DialTimeout)
	if err != nil || remote.Peer == h.cfg.ID {
		conn.Close()
		return
	}
	if err := writeEnvelope(conn, h.hello()); err != nil {
		conn.Close()
		return
	}
	h.attach(conn, remote, remote.Peer)
}

func (h *Host) hello() envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	env := envelope{
		Type:      envHello,
		Peer:      h.cfg.ID,
		Addr:      h.addr,
		Protocols: h.protocolsLocked(),
	}
	for topic, set := range h.subs {
		if len(set) > 0 {
			env.Topics = append(env.Topics, topic)
		}
	}
	for id, l := range h.links {
		if l.addr != "" {
			env.Peers = append(env.Peers, peerInfo{ID: id, Addr: l.addr})
		}
	}
	return env
}

// attach registers a handshaken link. When both sides dial each other at
// once, each keeps the link dialed by the smaller id.
func (h *Host) attach(conn *websocket.Conn, remote envelope, dialer string) {
	l := &link{
		host:      h,
		peer:      remote.Peer,
		addr:      remote.Addr,
		dialer:    dialer,
		conn:      conn,
		protocols: remote.Protocols,
		topics:    make(map[string]struct{}),
	}
	for _, t := range remote.Topics {
		l.topics[t] = struct{}{}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	old, exists := h.links[l.peer]
	if exists {
		preferred := min(h.cfg.ID, l.peer)
		if old.dialer == preferred || l.dialer != preferred {
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
	h.links[l.peer] = l
	h.mu.Unlock()
	if exists {
		old.conn.Close()
	}

	h.log.Info().Str("peer", l.peer).Str("addr", l.addr).Msg("peer connected")
	h.emit(transport.CapabilityEvent{Peer: l.peer, Protocols: slices.Clone(l.protocols), Connected: true})
	go l.readLoop()
	go l.pingLoop()

	for _, p := range remote.Peers {
		if p.ID == h.cfg.ID || h.hasLink(p.ID) {
			continue
		}
		go func(addr string) {
			if err := h.Connect(context.Background(), addr); err != nil {
				h.log.Debug().Err(err).Str("addr", addr).Msg("peer exchange dial failed")
			}
		}(p.Addr)
	}
}

func (h *Host) hasLink(peer string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.links[peer]
	return ok
}

func (h *Host) detach(l *link) {
	h.mu.Lock()
	current := h.links[l.peer] == l
	if current {
		delete(h.links, l.peer)
	}
	h.mu.Unlock()
	if current {
		h.log.Info().Str("peer", l.peer).Msg("peer disconnected")
		h.emit(transport.CapabilityEvent{Peer: l.peer})
	}
}

func (h *Host) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.links))
	for id := range h.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Host) protocolsLocked() []string {
	out := make([]string, 0, len(h.handlers))
	for p := range h.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (h *Host) SetStreamHandler(protocol string, handler transport.StreamHandler) {
	h.mu.Lock()
	h.handlers[protocol] = handler
	h.mu.Unlock()
	h.announceProtocols()
}

func (h *Host) RemoveStreamHandler(protocol string) {
	h.mu.Lock()
	delete(h.handlers, protocol)
	h.mu.Unlock()
	h.announceProtocols()
}

func (h *Host) announceProtocols() {
	h.mu.Lock()
	env := envelope{Type: envProtocols, Protocols: h.protocolsLocked()}
	h.mu.Unlock()
	h.broadcast(env)
}

func (h *Host) linksSnapshot() []*link {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		out = append(out, l)
	}
	return out
}

func (h *Host) broadcast(env envelope) {
	for _, l := range h.linksSnapshot() {
		if err := l.send(env); err != nil {
			h.log.Debug().Err(err).Str("peer", l.peer).Str("type", env.Type).Msg("control send failed")
		}
	}
}

func (h *Host) CapabilityEvents() (<-chan transport.CapabilityEvent, func()) {
	ch := make(chan transport.CapabilityEvent, capabilityBuffer)
	h.mu.Lock()
	id := h.capNext
	h.capNext++
	h.capSubs[id] = ch
	for _, l := range h.links {
		h.emitTo(ch, transport.CapabilityEvent{Peer: l.peer, Protocols: l.protocolList(), Connected: true})
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.capSubs[id]; ok {
				delete(h.capSubs, id)
				close(c)
			}
		})
	}
}

func (h *Host) emit(ev transport.CapabilityEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.capSubs {
		h.emitTo(ch, ev)
	}
}

func (h *Host) emitTo(ch chan transport.CapabilityEvent, ev transport.CapabilityEvent) {
	select {
	case ch <- ev:
	default:
		h.log.Warn().Str("peer", ev.Peer).Msg("capability subscriber full, event dropped")
	}
}

func (h *Host) Subscribe(topic string) (transport.Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, transport.ErrClosed
	}
	s := &subscription{host: h, topic: topic, ch: make(chan transport.Message, subscriptionBuffer)}
	first := len(h.subs[topic]) == 0
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*subscription]struct{})
	}
	h.subs[topic][s] = struct{}{}
	h.mu.Unlock()
	if first {
		h.broadcast(envelope{Type: envSubscribe, Topic: topic})
	}
	return s, nil
}

func (h *Host) Subscribers(topic string) []string {
	var out []string
	for _, l := range h.linksSnapshot() {
		if l.subscribed(topic) {
			out = append(out, l.peer)
		}
	}
	sort.Strings(out)
	return out
}

// Publish sends data to every linked peer subscribed to topic. It fails only
// when there were subscribers and none could be reached.
func (h *Host) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	env := envelope{Type: envPublish, Topic: topic, Data: data}
	var errs []error
	sent := 0
	for _, l := range h.linksSnapshot() {
		if !l.subscribed(topic) {
			continue
		}
		if err := l.send(env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.peer, err))
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) > 0 {
		return fmt.Errorf("wsnet: publish %s: %w", topic, errors.Join(errs...))
	}
	return nil
}

func (h *Host) deliver(msg transport.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[msg.Topic] {
		select {
		case s.ch <- msg:
		default:
			h.log.Warn().Str("topic", msg.Topic).Str("peer", msg.From).Msg("subscription full, message dropped")
		}
	}
}

func (h *Host) unsubscribe(s *subscription) {
	h.mu.Lock()
	set, ok := h.subs[s.topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, live := set[s]; !live {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	close(s.ch)
	last := len(set) == 0
	h.mu.Unlock()
	if last {
		h.broadcast(envelope{Type: envUnsubscribe, Topic: s.topic})
	}
}

// Close stops the listener and drops every link.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	var err error
	if h.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = h.srv.Shutdown(ctx)
		cancel()
	}
	for _, l := range links {
		l.conn.Close()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, topic)
	}
	for id, ch := range h.capSubs {
		close(ch)
		delete(h.capSubs, id)
	}
	return err
}

type subscription struct {
	host  *Host
	topic string
	ch    chan transport.Message
}

func (s *subscription) Messages() <-chan transport.Message { return s.ch }
func (s *subscription) Cancel()                            { s.host.unsubscribe(s) }

func writeEnvelope(conn *websocket.Conn, env envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

func readHello(conn *websocket.Conn, timeout time.Duration) (envelope, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		return envelope{}, err
	}
	conn.SetReadDeadline(time.Time{})
	if env.Type != envHello || env.Peer == "" {
		return envelope{}, fmt.Errorf("wsnet: expected hello, got %q", env.Type)
	}
	return env, nil
}
