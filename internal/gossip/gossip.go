// Package gossip is the broadcast half of replication: every peer subscribes
// to one topic and announces paths, walls, display names and liveness stats
// on it. Delivery is best-effort; anti-entropy repairs what gossip loses.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/metrics"
	"github.com/circle-free/graffiti/internal/protocol"
	"github.com/circle-free/graffiti/internal/transport"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("gossip: channel closed")

// Handler receives decoded messages. Calls are made from the channel's Run
// goroutine, one at a time.
type Handler interface {
	OnPath(from string, msg protocol.Path)
	OnWall(from string, msg protocol.Wall)
	OnPeerUpdate(from string, msg protocol.UpdatePeer)
	OnStats(from string, msg protocol.Stats)
}

// Channel owns the subscription to protocol.GossipTopic.
type Channel struct {
	ps      transport.PubSub
	handler Handler
	sub     transport.Subscription
	log     zerolog.Logger

	mu           sync.Mutex
	subscribers  map[string]struct{}
	onSubscriber func(peer string)
}

// New subscribes to the gossip topic. Messages are only dispatched once Run
// is called.
func New(ps transport.PubSub, h Handler) (*Channel, error) {
	sub, err := ps.Subscribe(protocol.GossipTopic)
	if err != nil {
		return nil, fmt.Errorf("gossip: subscribe: %w", err)
	}
	return &Channel{
		ps:          ps,
		handler:     h,
		sub:         sub,
		log:         logging.Component("gossip"),
		subscribers: make(map[string]struct{}),
	}, nil
}

// OnNewSubscriber registers fn to be told about peers that newly appear on
// the topic. The subscriber set is refreshed on connection changes (see
// WatchPeers) and whenever a message arrives from a peer not yet seen.
func (c *Channel) OnNewSubscriber(fn func(peer string)) {
	c.mu.Lock()
	c.onSubscriber = fn
	c.mu.Unlock()
}

// Run dispatches incoming messages until ctx is done or the subscription is
// cancelled.
func (c *Channel) Run(ctx context.Context) error {
	msgs := c.sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			c.dispatch(m)
		}
	}
}

func (c *Channel) dispatch(m transport.Message) {
	msg, err := protocol.Unmarshal(m.Data)
	if err != nil {
		metrics.RecordGossip("in", "unknown", "malformed")
		c.log.Warn().Err(err).Str("peer", m.From).Msg("dropping malformed message")
		return
	}
	kind := protocol.TypeName(msg.MessageType())
	metrics.RecordGossip("in", kind, "ok")
	c.log.Debug().Str("peer", m.From).Str("type", kind).Msg("received")
	if !c.seen(m.From) {
		c.RefreshSubscribers()
	}

	switch v := msg.(type) {
	case protocol.Path:
		c.handler.OnPath(m.From, v)
	case protocol.Wall:
		c.handler.OnWall(m.From, v)
	case protocol.UpdatePeer:
		c.handler.OnPeerUpdate(m.From, v)
	case protocol.Stats:
		c.handler.OnStats(m.From, v)
	default:
		// SYNC_REQUEST belongs on direct streams.
		c.log.Warn().Str("peer", m.From).Str("type", kind).Msg("unexpected message on gossip topic")
	}
}

// Publish broadcasts one message. A failure leaves local state untouched.
func (c *Channel) Publish(ctx context.Context, m protocol.Message) error {
	kind := protocol.TypeName(m.MessageType())
	data, err := protocol.Marshal(m)
	if err != nil {
		metrics.RecordGossip("out", kind, "error")
		return fmt.Errorf("gossip: encode %s: %w", kind, err)
	}
	if err := c.ps.Publish(ctx, protocol.GossipTopic, data); err != nil {
		metrics.RecordGossip("out", kind, "error")
		c.log.Warn().Err(err).Str("type", kind).Msg("broadcast failed")
		return fmt.Errorf("gossip: publish %s: %w", kind, err)
	}
	metrics.RecordGossip("out", kind, "ok")
	return nil
}

func (c *Channel) PublishPath(ctx context.Context, wallID string, rec dag.PathRecord) error {
	return c.Publish(ctx, protocol.Path{
		WallID:       wallID,
		PathID:       rec.ID,
		Payload:      rec.Payload,
		Predecessors: rec.Predecessors,
	})
}

func (c *Channel) PublishWall(ctx context.Context, wallID, name, creator, contentID string) error {
	return c.Publish(ctx, protocol.Wall{WallID: wallID, Name: name, Creator: creator, ContentID: contentID})
}

func (c *Channel) PublishPeer(ctx context.Context, displayName string) error {
	return c.Publish(ctx, protocol.UpdatePeer{DisplayName: displayName})
}

func (c *Channel) PublishStats(ctx context.Context, connected []string, nodeType string) error {
	return c.Publish(ctx, protocol.Stats{ConnectedPeers: connected, NodeType: nodeType})
}

// RefreshSubscribers compares the transport's view of topic subscribers with
// the ones already seen and reports the new ones. Peers that left are
// forgotten so a later return is reported again.
func (c *Channel) RefreshSubscribers() []string {
	current := c.ps.Subscribers(protocol.GossipTopic)
	c.mu.Lock()
	live := make(map[string]struct{}, len(current))
	var fresh []string
	for _, p := range current {
		live[p] = struct{}{}
		if _, seen := c.subscribers[p]; !seen {
			fresh = append(fresh, p)
		}
	}
	c.subscribers = live
	fn := c.onSubscriber
	c.mu.Unlock()

	sort.Strings(fresh)
	for _, p := range fresh {
		c.log.Info().Str("peer", p).Msg("new subscriber")
		if fn != nil {
			fn(p)
		}
	}
	return fresh
}

// WatchPeers refreshes the subscriber set on every capability change of
// host until ctx is done, so a peer that connects while both sides are idle
// is still reported.
func (c *Channel) WatchPeers(ctx context.Context, host transport.StreamHost) error {
	events, cancel := host.CapabilityEvents()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			c.RefreshSubscribers()
		}
	}
}

func (c *Channel) seen(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribers[peer]
	return ok
}

// Close cancels the subscription, which ends Run.
func (c *Channel) Close() {
	c.sub.Cancel()
}
