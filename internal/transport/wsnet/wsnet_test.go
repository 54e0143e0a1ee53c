package wsnet

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/circle-free/graffiti/internal/testutil/testlog"
	"github.com/circle-free/graffiti/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T, id string, peers ...string) *Host {
	t.Helper()
	h, err := New(Config{ID: id, Listen: "127.0.0.1:0", Peers: peers, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestLinkAndPublish(t *testing.T) {
	testlog.Start(t)
	a := newHost(t, "a")
	b := newHost(t, "b")

	sub, err := b.Subscribe("topic")
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background(), b.Addr()))

	waitFor(t, func() bool { return len(a.Subscribers("topic")) == 1 })
	assert.Equal(t, []string{"b"}, a.Peers())
	waitFor(t, func() bool { return len(b.Peers()) == 1 })

	require.NoError(t, a.Publish(context.Background(), "topic", []byte("hello")))
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "a", msg.From)
		assert.Equal(t, "hello", string(msg.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	sub.Cancel()
	waitFor(t, func() bool { return len(a.Subscribers("topic")) == 0 })
}

func TestSimultaneousDialKeepsOneLink(t *testing.T) {
	testlog.Start(t)
	a := newHost(t, "a")
	b := newHost(t, "b")

	done := make(chan error, 2)
	go func() { done <- a.Connect(context.Background(), b.Addr()) }()
	go func() { done <- b.Connect(context.Background(), a.Addr()) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	waitFor(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	})
	a.mu.Lock()
	dialer := a.links["b"].dialer
	a.mu.Unlock()
	assert.Equal(t, "a", dialer)
}

func TestPeerExchange(t *testing.T) {
	testlog.Start(t)
	a := newHost(t, "a")
	b := newHost(t, "b")
	c := newHost(t, "c")

	require.NoError(t, a.Connect(context.Background(), b.Addr()))
	waitFor(t, func() bool { return len(b.Peers()) == 1 })
	require.NoError(t, c.Connect(context.Background(), b.Addr()))

	waitFor(t, func() bool { return len(c.Peers()) == 2 })
	assert.Equal(t, []string{"a", "b"}, c.Peers())
}

func TestStreamsAndCapabilities(t *testing.T) {
	testlog.Start(t)
	a := newHost(t, "a")
	b := newHost(t, "b")
	b.SetStreamHandler("/echo", func(s transport.Stream) {
		defer s.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		s.Write(buf)
		s.Write([]byte("!"))
	})

	events, cancel := a.CapabilityEvents()
	defer cancel()
	require.NoError(t, a.Connect(context.Background(), b.Addr()))

	select {
	case ev := <-events:
		assert.Equal(t, "b", ev.Peer)
		assert.True(t, ev.Supports("/echo"))
	case <-time.After(3 * time.Second):
		t.Fatal("no capability event")
	}

	s, err := a.NewStream(context.Background(), "b", "/echo")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "b", s.RemotePeer())
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello!", string(got))

	_, err = a.NewStream(context.Background(), "b", "/missing")
	assert.ErrorIs(t, err, transport.ErrProtocolUnknown)
	_, err = a.NewStream(context.Background(), "zz", "/echo")
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	b.RemoveStreamHandler("/echo")
	select {
	case ev := <-events:
		assert.False(t, ev.Supports("/echo"))
		assert.True(t, ev.Connected)
	case <-time.After(3 * time.Second):
		t.Fatal("no protocol update")
	}

	require.NoError(t, b.Close())
	select {
	case ev := <-events:
		assert.Equal(t, "b", ev.Peer)
		assert.False(t, ev.Connected)
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestMaintainDialsBootstrapPeers(t *testing.T) {
	testlog.Start(t)
	b := newHost(t, "b")
	a := newHost(t, "a", b.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Maintain(ctx) }()

	waitFor(t, func() bool { return len(a.Peers()) == 1 })
	cancel()
	assert.NoError(t, <-done)
}
