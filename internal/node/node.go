// Package node assembles a running graffiti peer from its configuration and
// supervises its background loops.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/circle-free/graffiti/internal/antientropy"
	"github.com/circle-free/graffiti/internal/blob"
	"github.com/circle-free/graffiti/internal/config"
	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/event"
	"github.com/circle-free/graffiti/internal/gossip"
	"github.com/circle-free/graffiti/internal/identity"
	"github.com/circle-free/graffiti/internal/kv"
	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/metrics"
	"github.com/circle-free/graffiti/internal/protocol"
	"github.com/circle-free/graffiti/internal/transport"
	"github.com/circle-free/graffiti/internal/transport/memnet"
	"github.com/circle-free/graffiti/internal/transport/wsnet"
	"github.com/circle-free/graffiti/internal/wall"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const nodeType = "peer"

// Options replace components New would otherwise build from the config.
type Options struct {
	Identity *identity.Identity
	Host     transport.Host
	KV       kv.Store
	Blobs    blob.Store
}

// PeerInfo is what this node has learned about another peer.
type PeerInfo struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	Connected      bool      `json:"connected"`
	NodeType       string    `json:"node_type,omitempty"`
	ConnectedPeers []string  `json:"connected_peers,omitempty"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
}

type Node struct {
	cfg  config.Config
	id   *identity.Identity
	log  zerolog.Logger
	bus  *event.Bus
	host transport.Host
	ws   *wsnet.Host

	store kv.Store
	blobs blob.Store

	walls  *wall.Registry
	gossip *gossip.Channel
	sync   *antientropy.Service
	stats  *gossip.StatsBroadcaster

	closers []io.Closer

	mu    sync.RWMutex
	name  string
	peers map[string]*PeerInfo
}

// New opens storage, loads the identity and wires the replication stack.
// Nothing talks to the network until Run.
func New(ctx context.Context, cfg config.Config, opts Options) (*Node, error) {
	metrics.Register()
	n := &Node{
		cfg:   cfg,
		log:   logging.Component("node"),
		bus:   event.NewBus(),
		peers: make(map[string]*PeerInfo),
	}
	ready := false
	defer func() {
		if !ready {
			n.closeAll()
		}
	}()

	var err error

	n.id = opts.Identity
	if n.id == nil {
		id, generated, err := identity.Load(cfg.IdentityPath())
		if err != nil {
			return nil, err
		}
		if generated {
			n.log.Info().Str("path", cfg.IdentityPath()).Msg("generated new identity")
		}
		n.id = id
	}
	n.name = identity.DisplayName(n.id.DID, cfg.DisplayName)
	n.log = n.log.With().Str("peer", n.id.DID).Logger()

	if n.store = opts.KV; n.store == nil {
		if n.store, err = openKV(ctx, cfg); err != nil {
			return nil, err
		}
	}
	n.closers = append(n.closers, n.store)

	if n.blobs = opts.Blobs; n.blobs == nil {
		if n.blobs, err = n.openBlobs(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if c, ok := n.blobs.(io.Closer); ok {
		n.closers = append(n.closers, c)
	}

	n.walls, err = wall.Open(ctx, wall.Config{
		Creator:   n.id.DID,
		SaveDelay: cfg.SaveDelay,
		Policy:    cfg.Merge.Policy,
		Unknown:   cfg.Merge.Unknown,
		OnUnknown: func(_, peer string, _ []string) { n.sync.Trigger(peer) },
	}, n.store, n.blobs, n.bus)
	if err != nil {
		return nil, err
	}

	if n.host = opts.Host; n.host == nil {
		if n.host, err = n.openHost(cfg); err != nil {
			return nil, err
		}
	}
	n.closers = append(n.closers, n.host)

	if n.gossip, err = gossip.New(n.host, n); err != nil {
		return nil, err
	}
	n.walls.SetPublisher(n.gossip)
	n.gossip.OnNewSubscriber(n.onNewSubscriber)

	n.sync = antientropy.New(n.host, n.walls, n.bus, antientropy.Config{
		Timeout:           cfg.Sync.Timeout,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		Burst:             cfg.Sync.Burst,
	})
	if cfg.StatsInterval > 0 {
		n.stats = gossip.NewStatsBroadcaster(n.gossip, n.host.Peers, nodeType, cfg.StatsInterval)
	}
	n.log.Info().Str("name", n.name).Str("wall", n.walls.CurrentID()).Msg("node ready")
	ready = true
	return n, nil
}

func openKV(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.KV.Backend {
	case "badger":
		return kv.OpenBadger(kv.DefaultBadgerConfig(filepath.Join(cfg.DataDir, "kv")))
	case "redis":
		rc := kv.RedisConfig{Addr: cfg.KV.RedisAddr, DB: cfg.KV.RedisDB, Prefix: cfg.KV.RedisPrefix}
		if strings.HasPrefix(rc.Addr, "redis://") || strings.HasPrefix(rc.Addr, "rediss://") {
			rc.URL, rc.Addr = rc.Addr, ""
		}
		return kv.OpenRedis(ctx, rc)
	case "files":
		return kv.OpenFiles(filepath.Join(cfg.DataDir, "kv"))
	}
	return nil, fmt.Errorf("%w: kv backend %q", config.ErrInvalid, cfg.KV.Backend)
}

func (n *Node) openBlobs(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "local":
		return blob.NewLocal(filepath.Join(cfg.DataDir, "blobs"))
	case "kubo":
		k := blob.NewKubo(cfg.Blob.KuboAPI, cfg.Blob.KuboPin)
		if !k.IsAvailable(ctx) {
			// Snapshots fail until the daemon comes up; gossip and sync do not need it.
			n.log.Warn().Str("api", cfg.Blob.KuboAPI).Msg("kubo daemon not reachable")
		}
		return k, nil
	case "gcs":
		return blob.NewGCS(ctx, cfg.Blob.GCSBucket, cfg.Blob.GCSPrefix, cfg.Blob.GCSCredentials)
	}
	return nil, fmt.Errorf("%w: blob backend %q", config.ErrInvalid, cfg.Blob.Backend)
}

func (n *Node) openHost(cfg config.Config) (transport.Host, error) {
	switch cfg.Transport.Kind {
	case "ws":
		ws, err := wsnet.New(wsnet.Config{
			ID:        n.id.DID,
			Listen:    cfg.Transport.Listen,
			Advertise: cfg.Transport.Advertise,
			Peers:     cfg.Transport.Peers,
		})
		if err != nil {
			return nil, err
		}
		n.ws = ws
		return ws, nil
	case "mem":
		// A lone in-process host: useful for trying the API without peers.
		return memnet.NewNetwork().NewHost(n.id.DID)
	}
	return nil, fmt.Errorf("%w: transport %q", config.ErrInvalid, cfg.Transport.Kind)
}

// Run starts the background loops and blocks until ctx is done or one of
// them fails. The node is flushed and closed before Run returns.
func (n *Node) Run(ctx context.Context) error {
	n.sync.Start()
	if n.stats != nil {
		n.stats.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.gossip.Run(gctx) })
	g.Go(func() error { return n.gossip.WatchPeers(gctx, n.host) })
	g.Go(func() error { return n.sync.Watch(gctx) })
	if n.ws != nil {
		g.Go(func() error { return n.ws.Maintain(gctx) })
	}
	g.Go(func() error {
		n.announce(gctx)
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	if cerr := n.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close stops the loops started by Run, flushes pending wall writes and
// releases storage and transport.
func (n *Node) Close() error {
	if n.stats != nil {
		n.stats.Stop()
		n.stats = nil
	}
	n.sync.Stop()
	n.gossip.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := n.walls.Close(ctx)
	n.bus.Close()
	return errors.Join(err, n.closeAll())
}

func (n *Node) closeAll() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// announce tells the topic who this node is and which walls it has.
func (n *Node) announce(ctx context.Context) {
	if err := n.gossip.PublishPeer(ctx, n.DisplayName()); err != nil {
		n.log.Debug().Err(err).Msg("name announcement failed")
	}
	for _, w := range n.walls.Walls() {
		if err := n.gossip.PublishWall(ctx, w.ID, w.Name, w.Creator, w.ContentID); err != nil {
			n.log.Debug().Err(err).Str("wall", w.ID).Msg("wall announcement failed")
		}
	}
}

func (n *Node) onNewSubscriber(peer string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Sync.Timeout)
	defer cancel()
	n.announce(ctx)
	if n.cfg.Merge.Unknown == wall.UnknownSync {
		n.sync.Trigger(peer)
	}
}

func (n *Node) ID() string                 { return n.id.DID }
func (n *Node) Bus() *event.Bus            { return n.bus }
func (n *Node) Walls() *wall.Registry      { return n.walls }
func (n *Node) Sync() *antientropy.Service { return n.sync }

func (n *Node) DisplayName() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

// Rename changes this node's display name and announces it.
func (n *Node) Rename(ctx context.Context, name string) error {
	name = identity.DisplayName(n.id.DID, name)
	n.mu.Lock()
	n.name = name
	n.mu.Unlock()
	return n.gossip.PublishPeer(ctx, name)
}

// CreateWall creates and switches to a new wall. Exchanges for the previous
// wall are cancelled.
func (n *Node) CreateWall(ctx context.Context, name string) (wall.Info, error) {
	info, err := n.walls.CreateWall(ctx, name)
	n.sync.CancelInflight()
	return info, err
}

func (n *Node) SetWall(ctx context.Context, id string) ([]dag.PathRecord, error) {
	prev := n.walls.CurrentID()
	recs, err := n.walls.SetWall(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev != id {
		n.sync.CancelInflight()
	}
	return recs, nil
}

func (n *Node) DeleteWall(ctx context.Context, id string) error {
	return n.walls.DeleteWall(ctx, id)
}

func (n *Node) ListWalls() []wall.Info { return n.walls.Walls() }
func (n *Node) CurrentWall() wall.Info { return n.walls.Current() }

func (n *Node) Paths(id string) ([]dag.PathRecord, error) {
	return n.walls.Paths(id)
}

func (n *Node) Subscribe(buffer int) (<-chan event.Event, func()) {
	return n.bus.Subscribe(buffer)
}

func (n *Node) AddPath(ctx context.Context, payload []byte) (dag.PathRecord, error) {
	return n.walls.AddLocalPath(ctx, payload)
}

func (n *Node) SnapshotWall(ctx context.Context, id string) (string, error) {
	return n.walls.SnapshotWall(ctx, id)
}

// Peers merges what gossip taught us with the transport's connected set.
func (n *Node) Peers() []PeerInfo {
	connected := make(map[string]bool)
	for _, p := range n.host.Peers() {
		connected[p] = true
	}
	n.mu.RLock()
	out := make([]PeerInfo, 0, len(n.peers)+len(connected))
	for id, p := range n.peers {
		info := *p
		info.Connected = connected[id]
		delete(connected, id)
		out = append(out, info)
	}
	n.mu.RUnlock()
	for id := range connected {
		out = append(out, PeerInfo{ID: id, DisplayName: identity.Petname(id), Connected: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (n *Node) peerLocked(id string) *PeerInfo {
	p, ok := n.peers[id]
	if !ok {
		p = &PeerInfo{ID: id, DisplayName: identity.Petname(id)}
		n.peers[id] = p
	}
	p.LastSeen = time.Now().UTC()
	return p
}

func (n *Node) OnPath(from string, msg protocol.Path) {
	rec := dag.PathRecord{ID: msg.PathID, Payload: msg.Payload, Predecessors: msg.Predecessors}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Sync.Timeout)
	defer cancel()
	_, err := n.walls.ApplyRemote(ctx, msg.WallID, rec, "gossip", from)
	switch {
	case errors.Is(err, wall.ErrWallNotFound):
		n.log.Debug().Str("wall", msg.WallID).Str("path", msg.PathID).Str("from", from).Msg("path for unknown wall dropped")
	case err != nil:
		n.log.Warn().Err(err).Str("wall", msg.WallID).Str("path", msg.PathID).Str("from", from).Msg("path rejected")
	}
}

func (n *Node) OnWall(from string, msg protocol.Wall) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Sync.Timeout)
	defer cancel()
	n.walls.DiscoverWall(ctx, wall.Info{
		ID:        msg.WallID,
		Name:      msg.Name,
		Creator:   msg.Creator,
		ContentID: msg.ContentID,
	}, from)
}

func (n *Node) OnPeerUpdate(from string, msg protocol.UpdatePeer) {
	name := identity.DisplayName(from, msg.DisplayName)
	n.mu.Lock()
	p := n.peerLocked(from)
	changed := p.DisplayName != name
	p.DisplayName = name
	n.mu.Unlock()
	if changed {
		n.log.Info().Str("from", from).Str("name", name).Msg("peer renamed")
	}
	n.bus.Publish(event.Event{Kind: event.PeerRenamed, PeerID: from, DisplayName: name})
}

func (n *Node) OnStats(from string, msg protocol.Stats) {
	n.mu.Lock()
	p := n.peerLocked(from)
	p.NodeType = msg.NodeType
	p.ConnectedPeers = msg.ConnectedPeers
	n.mu.Unlock()
	n.log.Debug().Str("from", from).Int("connected", len(msg.ConnectedPeers)).Msg("peer stats")
}
