// Package antientropy repairs what gossip misses. When a peer newly offers
// the direct protocol, this side sends the ids it knows for the current wall
// and the peer streams back every record missing from that set, parents
// before children.
package antientropy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/event"
	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/metrics"
	"github.com/circle-free/graffiti/internal/protocol"
	"github.com/circle-free/graffiti/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrWallChanged = errors.New("antientropy: current wall changed")
	ErrStopped     = errors.New("antientropy: service stopped")
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 10
)

// Store is the wall state an exchange reads and merges into.
type Store interface {
	CurrentID() string
	KnownIDs(ctx context.Context, wallID string) ([]string, error)
	Diff(ctx context.Context, wallID string, known []string) ([]dag.PathRecord, error)
	ApplyRemote(ctx context.Context, wallID string, rec dag.PathRecord, source, peer string) (dag.MergeResult, error)
}

type Config struct {
	Timeout time.Duration
	// RequestsPerSecond and Burst bound how many incoming requests this
	// process answers.
	RequestsPerSecond float64
	Burst             int
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
}

// Result tallies one initiated exchange.
type Result struct {
	WallID   string
	Peer     string
	Received int
	Inserted int
}

type Service struct {
	host    transport.StreamHost
	store   Store
	bus     *event.Bus
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	runCtx   context.Context
	inflight map[uint64]context.CancelCauseFunc
	nextID   uint64
	syncing  map[string]bool
	capable  map[string]bool
}

func New(host transport.StreamHost, store Store, bus *event.Bus, cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		host:     host,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:      logging.Component("antientropy"),
		runCtx:   context.Background(),
		inflight: make(map[uint64]context.CancelCauseFunc),
		syncing:  make(map[string]bool),
		capable:  make(map[string]bool),
	}
}

// Start registers the responder for protocol.DirectProtocolID.
func (s *Service) Start() {
	s.host.SetStreamHandler(protocol.DirectProtocolID, s.Handle)
}

// Stop unregisters the responder and cancels running exchanges.
func (s *Service) Stop() {
	s.host.RemoveStreamHandler(protocol.DirectProtocolID)
	s.cancelAll(ErrStopped)
}

// CancelInflight aborts every running exchange. Call it when the current
// wall changes; partial progress is kept.
func (s *Service) CancelInflight() {
	s.cancelAll(ErrWallChanged)
}

func (s *Service) cancelAll(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.inflight {
		cancel(cause)
		delete(s.inflight, id)
	}
}

func (s *Service) track(cancel context.CancelCauseFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.inflight[s.nextID] = cancel
	return s.nextID
}

func (s *Service) untrack(id uint64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Handle answers one SYNC_REQUEST: read the request, write a PATH frame for
// every record the requester lacks, close.
func (s *Service) Handle(st transport.Stream) {
	defer st.Close()
	peer := st.RemotePeer()
	start := time.Now()
	log := s.log.With().Str("peer", peer).Str("role", "responder").Logger()

	if !s.limiter.Allow() {
		metrics.RecordSyncSession("responder", "limited", 0, time.Since(start))
		log.Warn().Msg("sync request rate limited")
		return
	}
	ctx, cancel := context.WithDeadline(context.Background(), start.Add(s.cfg.Timeout))
	defer cancel()
	if err := st.SetDeadline(start.Add(s.cfg.Timeout)); err != nil {
		log.Debug().Err(err).Msg("set deadline")
	}

	msg, err := protocol.ReadMessage(st)
	if err != nil {
		metrics.RecordSyncSession("responder", "error", 0, time.Since(start))
		log.Warn().Err(err).Msg("reading sync request")
		return
	}
	req, ok := msg.(protocol.SyncRequest)
	if !ok {
		metrics.RecordSyncSession("responder", "error", 0, time.Since(start))
		log.Warn().Str("type", protocol.TypeName(msg.MessageType())).Msg("expected sync request")
		return
	}

	recs, err := s.store.Diff(ctx, req.WallID, req.KnownIDs)
	if err != nil {
		metrics.RecordSyncSession("responder", "unknown_wall", 0, time.Since(start))
		log.Debug().Err(err).Str("wall", req.WallID).Msg("nothing to send")
		return
	}
	sent := 0
	for _, rec := range recs {
		err := protocol.WriteMessage(st, protocol.Path{
			WallID:       req.WallID,
			PathID:       rec.ID,
			Payload:      rec.Payload,
			Predecessors: rec.Predecessors,
		})
		if err != nil {
			metrics.RecordSyncSession("responder", "error", sent, time.Since(start))
			log.Warn().Err(err).Str("wall", req.WallID).Int("sent", sent).Msg("writing path")
			return
		}
		sent++
	}
	metrics.RecordSyncSession("responder", "ok", sent, time.Since(start))
	log.Debug().Str("wall", req.WallID).Int("known", len(req.KnownIDs)).Int("sent", sent).Msg("sync served")
}

// Sync runs one exchange with peer for the current wall. Records merged
// before an error are kept.
func (s *Service) Sync(ctx context.Context, peer string) (Result, error) {
	wallID := s.store.CurrentID()
	res := Result{WallID: wallID, Peer: peer}
	start := time.Now()
	log := s.log.With().Str("peer", peer).Str("wall", wallID).Str("role", "initiator").Logger()

	err := s.exchange(ctx, peer, wallID, &res)
	result := "ok"
	if err != nil {
		result = "error"
		log.Warn().Err(err).Int("received", res.Received).Int("inserted", res.Inserted).Msg("sync aborted")
	} else {
		log.Info().Int("received", res.Received).Int("inserted", res.Inserted).Dur("took", time.Since(start)).Msg("sync completed")
	}
	metrics.RecordSyncSession("initiator", result, res.Received, time.Since(start))

	if s.bus != nil {
		stats := &event.SyncStats{Received: res.Received, Inserted: res.Inserted}
		if err != nil {
			stats.Err = err.Error()
		}
		s.bus.Publish(event.Event{Kind: event.SyncCompleted, WallID: wallID, PeerID: peer, Sync: stats})
	}
	return res, err
}

func (s *Service) exchange(ctx context.Context, peer, wallID string, res *Result) error {
	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	id := s.track(cancelCause)
	defer s.untrack(id)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	known, err := s.store.KnownIDs(ctx, wallID)
	if err != nil {
		return err
	}
	st, err := s.host.NewStream(ctx, peer, protocol.DirectProtocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer st.Close()
	if dl, ok := ctx.Deadline(); ok {
		if err := st.SetDeadline(dl); err != nil {
			s.log.Debug().Err(err).Str("peer", peer).Msg("set deadline")
		}
	}
	stop := context.AfterFunc(ctx, func() { st.SetDeadline(time.Now()) })
	defer stop()

	abort := func(err error) error {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}

	if err := protocol.WriteMessage(st, protocol.SyncRequest{WallID: wallID, KnownIDs: known}); err != nil {
		return abort(fmt.Errorf("send request: %w", err))
	}
	for {
		msg, err := protocol.ReadMessage(st)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return abort(fmt.Errorf("read path: %w", err))
		}
		p, ok := msg.(protocol.Path)
		if !ok || p.WallID != wallID {
			s.log.Warn().Str("peer", peer).Str("type", protocol.TypeName(msg.MessageType())).Msg("ignoring unexpected frame")
			continue
		}
		if s.store.CurrentID() != wallID {
			return ErrWallChanged
		}
		res.Received++
		mr, err := s.store.ApplyRemote(ctx, wallID, dag.PathRecord{
			ID:           p.PathID,
			Payload:      p.Payload,
			Predecessors: p.Predecessors,
		}, "sync", peer)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", peer).Str("path", p.PathID).Msg("rejecting record")
			continue
		}
		if mr.Inserted {
			res.Inserted++
		}
	}
}

// Trigger starts a background exchange with peer unless one is already
// running.
func (s *Service) Trigger(peer string) {
	s.mu.Lock()
	if s.syncing[peer] {
		s.mu.Unlock()
		return
	}
	s.syncing[peer] = true
	ctx := s.runCtx
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.syncing, peer)
			s.mu.Unlock()
		}()
		s.Sync(ctx, peer)
	}()
}

// Watch follows capability events and syncs with every peer that newly
// offers the direct protocol. It returns when ctx is done.
func (s *Service) Watch(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	events, cancel := s.host.CapabilityEvents()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if s.becameCapable(ev) {
				s.log.Debug().Str("peer", ev.Peer).Msg("peer gained direct protocol")
				s.Trigger(ev.Peer)
			}
		}
	}
}

func (s *Service) becameCapable(ev transport.CapabilityEvent) bool {
	supports := ev.Supports(protocol.DirectProtocolID)
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.capable[ev.Peer]
	if supports {
		s.capable[ev.Peer] = true
	} else {
		delete(s.capable, ev.Peer)
	}
	return supports && !was
}
