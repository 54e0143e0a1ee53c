package node

import (
	"context"
	"testing"
	"time"

	"github.com/circle-free/graffiti/internal/blob"
	"github.com/circle-free/graffiti/internal/config"
	"github.com/circle-free/graffiti/internal/event"
	"github.com/circle-free/graffiti/internal/identity"
	"github.com/circle-free/graffiti/internal/kv"
	"github.com/circle-free/graffiti/internal/testutil/testlog"
	"github.com/circle-free/graffiti/internal/transport/memnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	node *Node
	stop func()
}

func startNode(t *testing.T, net *memnet.Network, blobs blob.Store, name string) peer {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	host, err := net.NewHost(id.DID)
	require.NoError(t, err)
	store, err := kv.OpenBadger(kv.InMemoryBadgerConfig())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Transport.Kind = "mem"
	cfg.DisplayName = name
	cfg.SaveDelay = 20 * time.Millisecond
	cfg.Sync.Timeout = 2 * time.Second

	n, err := New(context.Background(), cfg, Options{Identity: id, Host: host, KV: store, Blobs: blobs})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		require.NoError(t, <-done)
	}
	t.Cleanup(stop)
	return peer{node: n, stop: stop}
}

func pathIDs(t *testing.T, n *Node, wallID string) []string {
	t.Helper()
	recs, err := n.Walls().Paths(wallID)
	require.NoError(t, err)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func TestTwoPeersConverge(t *testing.T) {
	testlog.Start(t)
	net := memnet.NewNetwork()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	a := startNode(t, net, blobs, "alice")
	b := startNode(t, net, blobs, "bob")
	ctx := context.Background()

	// Written before the peers meet: only anti-entropy can deliver these.
	for i := 0; i < 5; i++ {
		_, err := a.node.AddPath(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	events, cancel := b.node.Bus().Subscribe(64)
	defer cancel()
	require.NoError(t, net.Connect(a.node.ID(), b.node.ID()))

	require.Eventually(t, func() bool {
		return len(pathIDs(t, b.node, "default")) == 5
	}, 3*time.Second, 10*time.Millisecond)

	// Live paths travel over gossip, in both directions.
	_, err = b.node.AddPath(ctx, []byte("from b"))
	require.NoError(t, err)
	_, err = a.node.AddPath(ctx, []byte("from a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(pathIDs(t, a.node, "default")) == 7 && len(pathIDs(t, b.node, "default")) == 7
	}, 3*time.Second, 10*time.Millisecond)

	var sawSync bool
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == event.SyncCompleted && ev.Sync.Inserted == 5 {
			sawSync = true
		}
	}
	assert.True(t, sawSync)
}

func TestWallDiscoveryAndSnapshotFetch(t *testing.T) {
	testlog.Start(t)
	net := memnet.NewNetwork()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	a := startNode(t, net, blobs, "alice")
	b := startNode(t, net, blobs, "bob")
	require.NoError(t, net.Connect(a.node.ID(), b.node.ID()))
	ctx := context.Background()

	info, err := a.node.CreateWall(ctx, "Mural")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := a.node.AddPath(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
	cid, err := a.node.SnapshotWall(ctx, info.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, w := range b.node.Walls().Walls() {
			if w.ID == info.ID && w.ContentID == cid {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	recs, err := b.node.SetWall(ctx, info.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Equal(t, pathIDs(t, a.node, info.ID), pathIDs(t, b.node, info.ID))
}

func TestLateJoinerLearnsExistingWalls(t *testing.T) {
	testlog.Start(t)
	net := memnet.NewNetwork()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	a := startNode(t, net, blobs, "alice")
	b := startNode(t, net, blobs, "bob")
	ctx := context.Background()

	// Created while alone, so the only announcement went nowhere.
	lobby, err := a.node.CreateWall(ctx, "Lobby")
	require.NoError(t, err)
	require.NoError(t, net.Connect(a.node.ID(), b.node.ID()))

	require.Eventually(t, func() bool {
		for _, w := range b.node.Walls().Walls() {
			if w.ID == lobby.ID && w.Name == "Lobby" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// Later paths on that wall now have somewhere to land.
	rec, err := a.node.AddPath(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, id := range pathIDs(t, b.node, lobby.ID) {
			if id == rec.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRenameReachesPeers(t *testing.T) {
	testlog.Start(t)
	net := memnet.NewNetwork()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	a := startNode(t, net, blobs, "alice")
	b := startNode(t, net, blobs, "")
	require.NoError(t, net.Connect(a.node.ID(), b.node.ID()))

	assert.Equal(t, identity.Petname(b.node.ID()), b.node.DisplayName())
	events, cancel := a.node.Bus().Subscribe(8)
	defer cancel()
	require.NoError(t, b.node.Rename(context.Background(), "bobby"))

	require.Eventually(t, func() bool {
		for _, p := range a.node.Peers() {
			if p.ID == b.node.ID() && p.DisplayName == "bobby" {
				return p.Connected
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	var renamed bool
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == event.PeerRenamed && ev.PeerID == b.node.ID() && ev.DisplayName == "bobby" {
			renamed = true
		}
	}
	assert.True(t, renamed)
}

func TestRestartKeepsPaths(t *testing.T) {
	testlog.Start(t)
	net := memnet.NewNetwork()
	id, err := identity.Generate()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Transport.Kind = "mem"
	cfg.KV.Backend = "files"
	cfg.SaveDelay = time.Hour

	open := func() *Node {
		host, err := net.NewHost(id.DID)
		require.NoError(t, err)
		n, err := New(context.Background(), cfg, Options{Identity: id, Host: host})
		require.NoError(t, err)
		return n
	}

	n := open()
	rec, err := n.AddPath(context.Background(), []byte("kept"))
	require.NoError(t, err)
	require.NoError(t, n.Close())

	n = open()
	defer n.Close()
	recs, err := n.Walls().Paths(n.Walls().CurrentID())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
	assert.Empty(t, recs[0].Predecessors)
}
