package antientropy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/event"
	"github.com/circle-free/graffiti/internal/protocol"
	"github.com/circle-free/graffiti/internal/testutil/testlog"
	"github.com/circle-free/graffiti/internal/transport"
	"github.com/circle-free/graffiti/internal/transport/memnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// graphStore is a single-process Store over plain graphs.
type graphStore struct {
	mu      sync.Mutex
	current string
	walls   map[string]*dag.Graph
	onApply func(n int)
	applied int
}

func newGraphStore(walls ...string) *graphStore {
	s := &graphStore{current: walls[0], walls: make(map[string]*dag.Graph)}
	for _, w := range walls {
		s.walls[w] = dag.NewGraph(dag.MergeClaimed)
	}
	return s
}

func (s *graphStore) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *graphStore) setCurrent(id string) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}

func (s *graphStore) graph(id string) (*dag.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.walls[id]
	if !ok {
		return nil, fmt.Errorf("no wall %s", id)
	}
	return g, nil
}

func (s *graphStore) KnownIDs(_ context.Context, id string) ([]string, error) {
	g, err := s.graph(id)
	if err != nil {
		return nil, err
	}
	return g.IDs(), nil
}

func (s *graphStore) Diff(_ context.Context, id string, known []string) ([]dag.PathRecord, error) {
	g, err := s.graph(id)
	if err != nil {
		return nil, err
	}
	return g.DiffAgainst(known), nil
}

func (s *graphStore) ApplyRemote(_ context.Context, id string, rec dag.PathRecord, _, _ string) (dag.MergeResult, error) {
	g, err := s.graph(id)
	if err != nil {
		return dag.MergeResult{}, err
	}
	res, err := g.AddRemote(rec)
	s.mu.Lock()
	s.applied++
	n, hook := s.applied, s.onApply
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return res, err
}

type side struct {
	host  *memnet.Host
	store *graphStore
	svc   *Service
}

func setup(t *testing.T, cfg Config, walls ...string) (*memnet.Network, side, side) {
	t.Helper()
	testlog.Start(t)
	n := memnet.NewNetwork()
	mk := func(id string) side {
		h, err := n.NewHost(id)
		require.NoError(t, err)
		t.Cleanup(func() { h.Close() })
		st := newGraphStore(walls...)
		svc := New(h, st, nil, cfg)
		svc.Start()
		return side{host: h, store: st, svc: svc}
	}
	return n, mk("a"), mk("b")
}

func fill(t *testing.T, g *dag.Graph, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, ok := g.AddLocal(fmt.Sprintf("p%03d", i), []byte{byte(i)})
		require.True(t, ok)
	}
}

func snapshot(t *testing.T, s *graphStore, wall string) []byte {
	t.Helper()
	g, err := s.graph(wall)
	require.NoError(t, err)
	data, err := dag.EncodeSnapshot(g)
	require.NoError(t, err)
	return data
}

func TestBackfillReachesEqualSnapshots(t *testing.T) {
	n, a, b := setup(t, Config{}, "w")
	ga, _ := a.store.graph("w")
	fill(t, ga, 20)
	gb, _ := b.store.graph("w")
	// b already holds a prefix.
	recs, err := ga.OrderedSnapshot()
	require.NoError(t, err)
	_, err = gb.Load(recs[:5])
	require.NoError(t, err)

	require.NoError(t, n.Connect("a", "b"))
	res, err := b.svc.Sync(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 15, res.Received)
	assert.Equal(t, 15, res.Inserted)
	assert.Equal(t, snapshot(t, a.store, "w"), snapshot(t, b.store, "w"))

	res, err = b.svc.Sync(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, res.Received)
}

func TestUnknownWallYieldsNothing(t *testing.T) {
	n, a, b := setup(t, Config{}, "w")
	ga, _ := a.store.graph("w")
	fill(t, ga, 3)
	b.store.mu.Lock()
	b.store.walls["other"] = dag.NewGraph(dag.MergeClaimed)
	b.store.mu.Unlock()
	b.store.setCurrent("other")

	require.NoError(t, n.Connect("a", "b"))
	res, err := b.svc.Sync(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, res.Received)
}

func TestWallSwitchAbortsKeepingProgress(t *testing.T) {
	n, a, b := setup(t, Config{}, "w", "x")
	ga, _ := a.store.graph("w")
	fill(t, ga, 10)
	b.store.onApply = func(n int) {
		if n == 3 {
			b.store.setCurrent("x")
		}
	}

	require.NoError(t, n.Connect("a", "b"))
	res, err := b.svc.Sync(context.Background(), "a")
	assert.ErrorIs(t, err, ErrWallChanged)
	assert.Equal(t, 3, res.Inserted)
	gb, _ := b.store.graph("w")
	assert.Equal(t, 3, gb.Len())
}

func TestCancelInflight(t *testing.T) {
	n, a, b := setup(t, Config{}, "w")
	ga, _ := a.store.graph("w")
	fill(t, ga, 10)
	b.store.onApply = func(n int) {
		if n == 2 {
			b.svc.CancelInflight()
		}
	}

	require.NoError(t, n.Connect("a", "b"))
	res, err := b.svc.Sync(context.Background(), "a")
	assert.ErrorIs(t, err, ErrWallChanged)
	assert.GreaterOrEqual(t, res.Inserted, 2)
	assert.Less(t, res.Inserted, 10)
}

func TestUnresponsivePeerTimesOut(t *testing.T) {
	n, a, b := setup(t, Config{Timeout: 100 * time.Millisecond}, "w")
	hungUp := make(chan error, 1)
	// Reads the request and then never answers.
	a.host.SetStreamHandler(protocol.DirectProtocolID, func(st transport.Stream) {
		defer st.Close()
		if _, err := protocol.ReadMessage(st); err != nil {
			hungUp <- err
			return
		}
		_, err := st.Read(make([]byte, 1))
		hungUp <- err
	})
	require.NoError(t, n.Connect("a", "b"))

	start := time.Now()
	res, err := b.svc.Sync(context.Background(), "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, res.Received)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-hungUp:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("initiator left the stream open")
	}
}

func TestResponderRateLimit(t *testing.T) {
	n, a, b := setup(t, Config{RequestsPerSecond: 0.001, Burst: 1}, "w")
	ga, _ := a.store.graph("w")
	fill(t, ga, 4)
	require.NoError(t, n.Connect("a", "b"))

	res, err := b.svc.Sync(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Received)

	c, err := n.NewHost("c")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, n.Connect("a", "c"))
	cs := newGraphStore("w")
	res, err = New(c, cs, nil, Config{}).Sync(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, res.Received)
}

func TestWatchSyncsNewlyCapablePeers(t *testing.T) {
	n, a, b := setup(t, Config{}, "w")
	ga, _ := a.store.graph("w")
	fill(t, ga, 5)

	bus := event.NewBus()
	b.svc.bus = bus
	events, cancel := bus.Subscribe(4)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.svc.Watch(ctx) }()

	require.NoError(t, n.Connect("a", "b"))
	select {
	case ev := <-events:
		assert.Equal(t, event.SyncCompleted, ev.Kind)
		assert.Equal(t, "a", ev.PeerID)
		assert.Equal(t, 5, ev.Sync.Inserted)
		assert.Empty(t, ev.Sync.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no sync after connect")
	}

	stop()
	assert.NoError(t, <-done)
}

func TestBecameCapableOnlyOnce(t *testing.T) {
	testlog.Start(t)
	svc := New(nil, newGraphStore("w"), nil, Config{})
	ev := func(connected bool, protos ...string) bool {
		return svc.becameCapable(transportEvent("p", connected, protos...))
	}
	assert.False(t, ev(true))
	assert.True(t, ev(true, "/graffiti/direct/1.0.0"))
	assert.False(t, ev(true, "/graffiti/direct/1.0.0", "/x"))
	assert.False(t, ev(false))
	assert.True(t, ev(true, "/graffiti/direct/1.0.0"))
}

func transportEvent(peer string, connected bool, protos ...string) transport.CapabilityEvent {
	return transport.CapabilityEvent{Peer: peer, Protocols: protos, Connected: connected}
}
