// Package event carries engine notifications to consumers such as the
// control API. An Event is a tagged union selected by Kind.
package event

import (
	"sync"
	"time"

	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/metrics"
	"github.com/rs/zerolog"
)

type Kind int

const (
	PathReceived Kind = iota + 1
	WallDiscovered
	PeerRenamed
	SyncCompleted
)

func (k Kind) String() string {
	switch k {
	case PathReceived:
		return "path_received"
	case WallDiscovered:
		return "wall_discovered"
	case PeerRenamed:
		return "peer_renamed"
	case SyncCompleted:
		return "sync_completed"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event fields are populated according to Kind:
//
//	PathReceived:   WallID, Path, Source, PeerID
//	WallDiscovered: WallID, WallName, Creator, ContentID, PeerID
//	PeerRenamed:    PeerID, DisplayName
//	SyncCompleted:  WallID, PeerID, Sync
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	WallID string `json:"wall_id,omitempty"`
	PeerID string `json:"peer_id,omitempty"`

	Path   *dag.PathRecord `json:"path,omitempty"`
	Source string          `json:"source,omitempty"`

	WallName  string `json:"wall_name,omitempty"`
	Creator   string `json:"creator,omitempty"`
	ContentID string `json:"content_id,omitempty"`

	DisplayName string `json:"display_name,omitempty"`

	Sync *SyncStats `json:"sync,omitempty"`
}

// SyncStats tallies one anti-entropy exchange.
type SyncStats struct {
	Received int    `json:"received"`
	Inserted int    `json:"inserted"`
	Err      string `json:"error,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	log    zerolog.Logger
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  logging.Component("event"),
	}
}

// Subscribe returns a channel with the given buffer and a cancel func that
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.RecordEventDropped()
			b.log.Warn().Int("subscriber", id).Stringer("kind", e.Kind).Msg("subscriber full, event dropped")
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
