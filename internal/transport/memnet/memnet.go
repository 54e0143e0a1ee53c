// Package memnet is an in-process transport. Hosts on one Network reach each
// other only through links created with Connect; streams are net.Pipe pairs.
package memnet

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sort"
	"sync"

	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/transport"
	"github.com/rs/zerolog"
)

const (
	subscriptionBuffer = 256
	capabilityBuffer   = 64
)

type Network struct {
	mu    sync.Mutex
	hosts map[string]*Host
	links map[string]map[string]struct{}
}

func NewNetwork() *Network {
	return &Network{
		hosts: make(map[string]*Host),
		links: make(map[string]map[string]struct{}),
	}
}

// NewHost registers a host under id. Ids must be unique on the network.
func (n *Network) NewHost(id string) (*Host, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.hosts[id]; dup {
		return nil, fmt.Errorf("memnet: host %q already exists", id)
	}
	h := &Host{
		id:       id,
		net:      n,
		handlers: make(map[string]transport.StreamHandler),
		subs:     make(map[string]map[*subscription]struct{}),
		capSubs:  make(map[int]chan transport.CapabilityEvent),
		log:      logging.Component("memnet").With().Str("host", id).Logger(),
	}
	n.hosts[id] = h
	n.links[id] = make(map[string]struct{})
	return h, nil
}

// Connect links a and b and notifies both of the other's protocols.
func (n *Network) Connect(a, b string) error {
	n.mu.Lock()
	ha, okA := n.hosts[a]
	hb, okB := n.hosts[b]
	if !okA || !okB || a == b {
		n.mu.Unlock()
		return fmt.Errorf("memnet: cannot connect %q and %q", a, b)
	}
	if _, linked := n.links[a][b]; linked {
		n.mu.Unlock()
		return nil
	}
	n.links[a][b] = struct{}{}
	n.links[b][a] = struct{}{}
	n.mu.Unlock()

	ha.emit(transport.CapabilityEvent{Peer: b, Protocols: hb.protocols(), Connected: true})
	hb.emit(transport.CapabilityEvent{Peer: a, Protocols: ha.protocols(), Connected: true})
	return nil
}

func (n *Network) Disconnect(a, b string) {
	n.mu.Lock()
	_, linked := n.links[a][b]
	delete(n.links[a], b)
	delete(n.links[b], a)
	ha, hb := n.hosts[a], n.hosts[b]
	n.mu.Unlock()
	if !linked {
		return
	}
	ha.emit(transport.CapabilityEvent{Peer: b})
	hb.emit(transport.CapabilityEvent{Peer: a})
}

func (n *Network) neighbors(id string) []*Host {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Host, 0, len(n.links[id]))
	for peer := range n.links[id] {
		out = append(out, n.hosts[peer])
	}
	return out
}

func (n *Network) neighbor(id, peer string) (*Host, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.links[id][peer]; !ok {
		return nil, false
	}
	return n.hosts[peer], true
}

func (n *Network) remove(id string) []*Host {
	n.mu.Lock()
	defer n.mu.Unlock()
	var peers []*Host
	for peer := range n.links[id] {
		delete(n.links[peer], id)
		peers = append(peers, n.hosts[peer])
	}
	delete(n.links, id)
	delete(n.hosts, id)
	return peers
}

// Host implements transport.Host on a Network.
type Host struct {
	id  string
	net *Network
	log zerolog.Logger

	mu       sync.Mutex
	closed   bool
	handlers map[string]transport.StreamHandler
	subs     map[string]map[*subscription]struct{}
	capSubs  map[int]chan transport.CapabilityEvent
	capNext  int
}

var _ transport.Host = (*Host)(nil)

func (h *Host) ID() string { return h.id }

func (h *Host) protocols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.handlers))
	for p := range h.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (h *Host) Peers() []string {
	var out []string
	for _, p := range h.net.neighbors(h.id) {
		out = append(out, p.id)
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
	protos := h.protocols()
	for _, peer := range h.net.neighbors(h.id) {
		peer.emit(transport.CapabilityEvent{Peer: h.id, Protocols: protos, Connected: true})
	}
}

func (h *Host) handler(protocol string) (transport.StreamHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, ok := h.handlers[protocol]
	return fn, ok
}

func (h *Host) NewStream(ctx context.Context, peer, protocol string) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, ok := h.net.neighbor(h.id, peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNotConnected, peer)
	}
	fn, ok := remote.handler(protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", transport.ErrProtocolUnknown, protocol, peer)
	}
	local, far := net.Pipe()
	go fn(&stream{Conn: far, remote: h.id})
	return &stream{Conn: local, remote: peer}, nil
}

func (h *Host) CapabilityEvents() (<-chan transport.CapabilityEvent, func()) {
	ch := make(chan transport.CapabilityEvent, capabilityBuffer)
	h.mu.Lock()
	id := h.capNext
	h.capNext++
	h.capSubs[id] = ch
	h.mu.Unlock()

	for _, peer := range h.net.neighbors(h.id) {
		h.emitTo(ch, transport.CapabilityEvent{Peer: peer.id, Protocols: peer.protocols(), Connected: true})
	}

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
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	s := &subscription{host: h, topic: topic, ch: make(chan transport.Message, subscriptionBuffer)}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*subscription]struct{})
	}
	h.subs[topic][s] = struct{}{}
	return s, nil
}

func (h *Host) subscribed(topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic]) > 0
}

func (h *Host) Subscribers(topic string) []string {
	var out []string
	for _, p := range h.net.neighbors(h.id) {
		if p.subscribed(topic) {
			out = append(out, p.id)
		}
	}
	sort.Strings(out)
	return out
}

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
	for _, p := range h.net.neighbors(h.id) {
		p.deliver(transport.Message{From: h.id, Topic: topic, Data: slices.Clone(data)})
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

// Close disconnects the host from every peer and releases its channels.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	for _, p := range h.net.remove(h.id) {
		p.emit(transport.CapabilityEvent{Peer: h.id})
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
	return nil
}

type subscription struct {
	host  *Host
	topic string
	ch    chan transport.Message
	once  sync.Once
}

func (s *subscription) Messages() <-chan transport.Message { return s.ch }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.host.mu.Lock()
		defer s.host.mu.Unlock()
		if set, ok := s.host.subs[s.topic]; ok {
			if _, live := set[s]; live {
				delete(set, s)
				close(s.ch)
			}
		}
	})
}

type stream struct {
	net.Conn
	remote string
}

func (s *stream) RemotePeer() string { return s.remote }
