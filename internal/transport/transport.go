// Package transport defines what the sync engine needs from the network: a
// topic broadcast and protocol-keyed point-to-point streams with capability
// notifications. memnet and wsnet implement it.
package transport

import (
	"context"
	"errors"
	"io"
	"slices"
	"time"
)

var (
	ErrClosed          = errors.New("transport: closed")
	ErrNotConnected    = errors.New("transport: peer not connected")
	ErrProtocolUnknown = errors.New("transport: protocol not supported by peer")
)

// Message is one broadcast delivery.
type Message struct {
	From  string
	Topic string
	Data  []byte
}

type Subscription interface {
	Messages() <-chan Message
	Cancel()
}

// PubSub is a best-effort broadcast: deliveries may be lost, reordered or
// duplicated, and a host never receives its own publications.
type PubSub interface {
	Subscribe(topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribers lists connected peers known to be subscribed to topic.
	Subscribers(topic string) []string
}

type Stream interface {
	io.ReadWriteCloser
	RemotePeer() string
	SetDeadline(t time.Time) error
}

type StreamHandler func(Stream)

// CapabilityEvent reports a peer's protocol set. It fires when a peer
// connects, when its protocols change, and once with Connected false when it
// goes away.
type CapabilityEvent struct {
	Peer      string
	Protocols []string
	Connected bool
}

func (e CapabilityEvent) Supports(protocol string) bool {
	return e.Connected && slices.Contains(e.Protocols, protocol)
}

type StreamHost interface {
	ID() string
	SetStreamHandler(protocol string, h StreamHandler)
	RemoveStreamHandler(protocol string)
	NewStream(ctx context.Context, peer, protocol string) (Stream, error)
	// CapabilityEvents subscribes to capability changes. Events for peers
	// already connected are replayed first. cancel releases the channel.
	CapabilityEvents() (events <-chan CapabilityEvent, cancel func())
	Peers() []string
}

// Host bundles both halves, as every concrete transport provides them.
type Host interface {
	PubSub
	StreamHost
	Close() error
}
