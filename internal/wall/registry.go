// Package wall keeps the set of walls this peer knows, each with its own
// path graph, and which one is current. It persists graphs to the local KV
// store on a debounce timer and snapshots them to the blob store on request.
package wall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/circle-free/graffiti/internal/blob"
	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/event"
	"github.com/circle-free/graffiti/internal/kv"
	"github.com/circle-free/graffiti/internal/logging"
	"github.com/circle-free/graffiti/internal/metrics"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var (
	ErrWallNotFound = errors.New("wall: not found")
	ErrCurrentWall  = errors.New("wall: cannot delete the current wall")
)

const (
	DefaultWallID   = "default"
	DefaultWallName = "Default"

	DefaultSaveDelay = 5 * time.Second

	keyCurrent = "meta/current"
	keyPrefix  = "wall/"
)

func infoKey(id string) string  { return keyPrefix + id + "/info" }
func graphKey(id string) string { return keyPrefix + id + "/graph" }

// Info describes a wall. ContentID is the blob id of its latest snapshot.
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Creator   string `json:"creator"`
	ContentID string `json:"content_id,omitempty"`
}

// Publisher broadcasts registry changes. gossip.Channel implements it.
type Publisher interface {
	PublishPath(ctx context.Context, wallID string, rec dag.PathRecord) error
	PublishWall(ctx context.Context, wallID, name, creator, contentID string) error
}

type Config struct {
	// Creator is recorded on walls created by this peer.
	Creator   string
	SaveDelay time.Duration
	Policy    dag.MergePolicy
	Unknown   UnknownPolicy
	// OnUnknown is called under UnknownSync with the peer that sent a
	// record whose predecessors were missing.
	OnUnknown func(wallID, peer string, ids []string)
}

type entry struct {
	graph *dag.Graph

	mu   sync.Mutex
	info Info
	// cold is set until the stored graph has been merged into graph; a cold
	// entry is never written back.
	cold bool
	// merged is the content id of the last snapshot merged into graph.
	merged string
	dirty  bool
	timer  *time.Timer
}

func (e *entry) snapshotInfo() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

type Registry struct {
	cfg   Config
	store kv.Store
	blobs blob.Store
	bus   *event.Bus
	log   zerolog.Logger

	pubMu sync.RWMutex
	pub   Publisher

	mu      sync.RWMutex
	walls   map[string]*entry
	current string
	closed  bool
}

// Open restores the registry from store: every stored wall is registered,
// the current one is fully loaded, and a default wall is created on first
// run.
func Open(ctx context.Context, cfg Config, store kv.Store, blobs blob.Store, bus *event.Bus) (*Registry, error) {
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}
	r := &Registry{
		cfg:   cfg,
		store: store,
		blobs: blobs,
		bus:   bus,
		log:   logging.Component("wall"),
		walls: make(map[string]*entry),
	}

	keys, err := store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("wall: list stored walls: %w", err)
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, "/info") {
			continue
		}
		info, err := r.readInfo(ctx, k)
		if err != nil {
			r.log.Warn().Err(err).Str("key", k).Msg("skipping unreadable wall info")
			continue
		}
		r.walls[info.ID] = &entry{graph: dag.NewGraph(cfg.Policy), info: info, cold: true}
	}

	current := DefaultWallID
	if raw, err := store.Get(ctx, keyCurrent); err == nil {
		current = string(raw)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("wall: read current wall: %w", err)
	}

	if _, ok := r.walls[current]; !ok {
		if current != DefaultWallID {
			r.log.Warn().Str("wall", current).Msg("stored current wall missing, using default")
			current = DefaultWallID
		}
		if _, ok := r.walls[current]; !ok {
			info := Info{ID: DefaultWallID, Name: DefaultWallName, Creator: cfg.Creator}
			r.walls[current] = &entry{graph: dag.NewGraph(cfg.Policy), info: info}
			if err := r.writeInfo(ctx, info); err != nil {
				return nil, err
			}
		}
	}
	e := r.walls[current]
	if err := r.warm(ctx, e); err != nil {
		return nil, err
	}
	r.current = current
	if err := store.Put(ctx, keyCurrent, []byte(current)); err != nil {
		return nil, fmt.Errorf("wall: store current wall: %w", err)
	}
	r.log.Info().Int("walls", len(r.walls)).Str("wall", current).Msg("registry opened")
	return r, nil
}

// SetPublisher attaches the broadcaster. Until one is set, changes are only
// local.
func (r *Registry) SetPublisher(p Publisher) {
	r.pubMu.Lock()
	r.pub = p
	r.pubMu.Unlock()
}

func (r *Registry) publisher() Publisher {
	r.pubMu.RLock()
	defer r.pubMu.RUnlock()
	return r.pub
}

func (r *Registry) publishWall(ctx context.Context, info Info) error {
	p := r.publisher()
	if p == nil {
		return nil
	}
	if err := p.PublishWall(ctx, info.ID, info.Name, info.Creator, info.ContentID); err != nil {
		return fmt.Errorf("wall %s not yet announced: %w", info.ID, err)
	}
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.walls[id]
	return e, ok
}

// Current returns the current wall.
func (r *Registry) Current() Info {
	r.mu.RLock()
	e := r.walls[r.current]
	r.mu.RUnlock()
	return e.snapshotInfo()
}

func (r *Registry) CurrentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Walls lists every registered wall ordered by id.
func (r *Registry) Walls() []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.walls))
	for _, e := range r.walls {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	out := make([]Info, len(entries))
	for i, e := range entries {
		out[i] = e.snapshotInfo()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Paths returns a wall's records in topological order.
func (r *Registry) Paths(id string) ([]dag.PathRecord, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWallNotFound, id)
	}
	return e.graph.OrderedSnapshot()
}

// KnownIDs is the id set sent in a SYNC_REQUEST for wall id.
func (r *Registry) KnownIDs(ctx context.Context, id string) ([]string, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWallNotFound, id)
	}
	if err := r.loadStored(ctx, e); err != nil {
		return nil, err
	}
	return e.graph.IDs(), nil
}

// Diff returns the records of wall id missing from known.
func (r *Registry) Diff(ctx context.Context, id string, known []string) ([]dag.PathRecord, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWallNotFound, id)
	}
	if err := r.loadStored(ctx, e); err != nil {
		return nil, err
	}
	return e.graph.DiffAgainst(known), nil
}

// CreateWall registers a new empty wall, makes it current and announces it.
// The returned error reports a failed broadcast; the wall exists regardless.
func (r *Registry) CreateWall(ctx context.Context, name string) (Info, error) {
	info := Info{ID: ulid.Make().String(), Name: name, Creator: r.cfg.Creator}
	e := &entry{graph: dag.NewGraph(r.cfg.Policy), info: info}

	r.mu.Lock()
	prev := r.walls[r.current]
	r.walls[info.ID] = e
	r.current = info.ID
	r.mu.Unlock()

	r.scheduleSave(prev)
	if err := r.writeInfo(ctx, info); err != nil {
		r.log.Error().Err(err).Str("wall", info.ID).Msg("persist wall info failed")
	}
	r.writeCurrent(ctx, info.ID)
	r.log.Info().Str("wall", info.ID).Str("name", name).Msg("wall created")
	return info, r.publishWall(ctx, info)
}

// SetWall switches the current wall and returns its records in topological
// order. A wall not in memory is looked up in the KV store, then fetched
// from the blob store by its known content id.
func (r *Registry) SetWall(ctx context.Context, id string) ([]dag.PathRecord, error) {
	r.mu.RLock()
	prev := r.walls[r.current]
	e, ok := r.walls[id]
	r.mu.RUnlock()
	r.scheduleSave(prev)

	if !ok {
		info, err := r.readInfo(ctx, infoKey(id))
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWallNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		e = &entry{graph: dag.NewGraph(r.cfg.Policy), info: info, cold: true}
	}
	if err := r.warm(ctx, e); err != nil {
		return nil, err
	}
	recs, err := e.graph.OrderedSnapshot()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.walls[id]; ok {
		e = existing
	} else {
		r.walls[id] = e
	}
	r.current = id
	r.mu.Unlock()
	r.writeCurrent(ctx, id)
	r.log.Info().Str("wall", id).Int("paths", len(recs)).Msg("current wall switched")
	return recs, nil
}

// warm brings e up to date with everything stored for it: the KV graph and
// then the blob snapshot named by its content id, if that snapshot has not
// been merged yet.
func (r *Registry) warm(ctx context.Context, e *entry) error {
	if err := r.loadStored(ctx, e); err != nil {
		return err
	}
	e.mu.Lock()
	info, merged := e.info, e.merged
	e.mu.Unlock()
	if info.ContentID == "" || info.ContentID == merged {
		return nil
	}

	data, err := r.blobs.Get(ctx, info.ContentID)
	if errors.Is(err, blob.ErrNotFound) {
		// Retried on the next switch.
		r.log.Warn().Str("wall", info.ID).Str("cid", info.ContentID).Msg("snapshot not in blob store yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("wall: load %s from blob: %w", info.ID, err)
	}
	n, err := r.merge(e, data)
	if err != nil {
		return fmt.Errorf("wall: load %s from blob: %w", info.ID, err)
	}
	r.log.Debug().Str("wall", info.ID).Str("cid", info.ContentID).Int("paths", n).Msg("snapshot merged")
	e.mu.Lock()
	e.merged = info.ContentID
	e.mu.Unlock()
	if n > 0 {
		r.scheduleSave(e)
	}
	return nil
}

// loadStored merges the KV copy of a cold entry's graph into memory. It is
// cheap once the entry is warm, so every merge and diff goes through it.
func (r *Registry) loadStored(ctx context.Context, e *entry) error {
	e.mu.Lock()
	cold, id := e.cold, e.info.ID
	e.mu.Unlock()
	if !cold {
		return nil
	}

	data, err := r.store.Get(ctx, graphKey(id))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// Nothing stored yet.
	case err != nil:
		return fmt.Errorf("wall: load %s from kv: %w", id, err)
	default:
		n, err := r.merge(e, data)
		if err != nil {
			return fmt.Errorf("wall: load %s from kv: %w", id, err)
		}
		r.log.Debug().Str("wall", id).Int("paths", n).Msg("wall loaded")
	}
	e.mu.Lock()
	e.cold = false
	e.mu.Unlock()
	return nil
}

func (r *Registry) merge(e *entry, data []byte) (int, error) {
	recs, err := dag.DecodeSnapshot(data)
	if err != nil {
		return 0, err
	}
	return e.graph.Load(recs)
}

// AddLocalPath appends a new path to the current wall and broadcasts it.
// The record is kept even when the broadcast fails.
func (r *Registry) AddLocalPath(ctx context.Context, payload []byte) (dag.PathRecord, error) {
	r.mu.RLock()
	wallID := r.current
	e := r.walls[wallID]
	r.mu.RUnlock()

	id := ulid.Make().String()
	preds, ok := e.graph.AddLocal(id, payload)
	if !ok {
		return dag.PathRecord{}, fmt.Errorf("wall: path id %s already present", id)
	}
	rec := dag.PathRecord{ID: id, Payload: payload, Predecessors: preds}
	metrics.RecordMerge("local", 0)
	r.scheduleSave(e)
	r.log.Debug().Str("wall", wallID).Str("path", id).Strs("preds", preds).Msg("local path added")

	if p := r.publisher(); p != nil {
		if err := p.PublishPath(ctx, wallID, rec); err != nil {
			return rec, fmt.Errorf("path %s not yet synced: %w", id, err)
		}
	}
	return rec, nil
}

// ApplyRemote merges a record received from peer over source ("gossip" or
// "sync"). Records for unknown walls are rejected with ErrWallNotFound. A
// "path received" event is emitted only for the current wall.
func (r *Registry) ApplyRemote(ctx context.Context, wallID string, rec dag.PathRecord, source, peer string) (dag.MergeResult, error) {
	r.mu.RLock()
	e, ok := r.walls[wallID]
	current := r.current == wallID
	r.mu.RUnlock()
	if !ok {
		return dag.MergeResult{}, fmt.Errorf("%w: %s", ErrWallNotFound, wallID)
	}
	if err := r.loadStored(ctx, e); err != nil {
		return dag.MergeResult{}, err
	}

	res, err := e.graph.AddRemote(rec)
	if err != nil {
		return res, err
	}
	if !res.Inserted {
		return res, nil
	}
	metrics.RecordMerge(source, len(res.Unknown))
	r.scheduleSave(e)

	if len(res.Unknown) > 0 {
		switch r.cfg.Unknown {
		case UnknownLog:
			r.log.Warn().Str("wall", wallID).Str("path", rec.ID).Strs("unknown", res.Unknown).Str("peer", peer).Msg("path references unknown predecessors")
		case UnknownSync:
			if r.cfg.OnUnknown != nil && peer != "" {
				r.cfg.OnUnknown(wallID, peer, res.Unknown)
			}
		}
	}

	if current && r.bus != nil {
		stored := dag.PathRecord{ID: rec.ID, Payload: rec.Payload, Predecessors: res.Predecessors}
		r.bus.Publish(event.Event{
			Kind:   event.PathReceived,
			WallID: wallID,
			PeerID: peer,
			Path:   &stored,
			Source: source,
		})
	}
	return res, nil
}

// DiscoverWall handles a WALL announcement. An unknown wall is registered
// with an empty graph; for a known wall only the content id is refreshed.
func (r *Registry) DiscoverWall(ctx context.Context, info Info, peer string) {
	r.mu.Lock()
	e, known := r.walls[info.ID]
	if !known {
		e = &entry{graph: dag.NewGraph(r.cfg.Policy), info: info, cold: true}
		r.walls[info.ID] = e
	}
	r.mu.Unlock()

	if known {
		e.mu.Lock()
		changed := info.ContentID != "" && info.ContentID != e.info.ContentID
		if changed {
			e.info.ContentID = info.ContentID
		}
		updated := e.info
		e.mu.Unlock()
		if changed {
			if err := r.writeInfo(ctx, updated); err != nil {
				r.log.Error().Err(err).Str("wall", info.ID).Msg("persist wall info failed")
			}
		}
		return
	}

	if err := r.writeInfo(ctx, info); err != nil {
		r.log.Error().Err(err).Str("wall", info.ID).Msg("persist wall info failed")
	}
	r.log.Info().Str("wall", info.ID).Str("name", info.Name).Str("peer", peer).Msg("wall discovered")
	if r.bus != nil {
		r.bus.Publish(event.Event{
			Kind:      event.WallDiscovered,
			WallID:    info.ID,
			PeerID:    peer,
			WallName:  info.Name,
			Creator:   info.Creator,
			ContentID: info.ContentID,
		})
	}
}

// SnapshotWall writes the wall's full graph to the blob store, records the
// content id and announces it. Identical graphs yield identical ids.
func (r *Registry) SnapshotWall(ctx context.Context, id string) (string, error) {
	e, ok := r.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWallNotFound, id)
	}
	if err := r.warm(ctx, e); err != nil {
		return "", err
	}
	data, err := dag.EncodeSnapshot(e.graph)
	if err != nil {
		return "", err
	}
	cid, err := r.blobs.Put(ctx, data)
	metrics.RecordPersist("blob", err)
	if err != nil {
		r.log.Error().Err(err).Str("wall", id).Msg("snapshot upload failed")
		return "", fmt.Errorf("wall: snapshot %s: %w", id, err)
	}

	e.mu.Lock()
	e.info.ContentID = cid
	info := e.info
	e.mu.Unlock()
	if err := r.writeInfo(ctx, info); err != nil {
		r.log.Error().Err(err).Str("wall", id).Msg("persist wall info failed")
	}
	r.log.Info().Str("wall", id).Str("cid", cid).Msg("snapshot stored")
	return cid, r.publishWall(ctx, info)
}

// DeleteWall forgets a wall locally. The current wall cannot be deleted.
func (r *Registry) DeleteWall(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.walls[id]
	switch {
	case !ok:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWallNotFound, id)
	case id == r.current:
		r.mu.Unlock()
		return ErrCurrentWall
	}
	delete(r.walls, id)
	r.mu.Unlock()

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.dirty = false
	e.mu.Unlock()

	if err := r.store.Delete(ctx, graphKey(id)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("wall: delete %s: %w", id, err)
	}
	if err := r.store.Delete(ctx, infoKey(id)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("wall: delete %s: %w", id, err)
	}
	r.log.Info().Str("wall", id).Msg("wall deleted")
	return nil
}

// Flush writes every wall with unsaved changes now.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.walls))
	for _, e := range r.walls {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
		if err := r.save(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending writes and stops accepting timer saves.
func (r *Registry) Close(ctx context.Context) error {
	err := r.Flush(ctx)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return err
}

// scheduleSave marks e dirty and (re)arms its single-shot save timer, so a
// burst of mutations produces one write.
func (r *Registry) scheduleSave(e *entry) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = true
	if e.timer == nil {
		e.timer = time.AfterFunc(r.cfg.SaveDelay, func() {
			r.mu.RLock()
			closed := r.closed
			r.mu.RUnlock()
			if closed {
				return
			}
			if err := r.save(context.Background(), e); err != nil {
				r.log.Error().Err(err).Msg("debounced save failed")
			}
		})
		return
	}
	e.timer.Reset(r.cfg.SaveDelay)
}

func (r *Registry) save(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if !e.dirty || e.cold {
		e.mu.Unlock()
		return nil
	}
	e.dirty = false
	id := e.info.ID
	e.mu.Unlock()

	data, err := dag.EncodeSnapshot(e.graph)
	if err == nil {
		err = r.store.Put(ctx, graphKey(id), data)
	}
	metrics.RecordPersist("kv", err)
	if err != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return fmt.Errorf("wall: save %s: %w", id, err)
	}
	r.log.Debug().Str("wall", id).Int("paths", e.graph.Len()).Msg("wall saved")
	return nil
}

func (r *Registry) readInfo(ctx context.Context, key string) (Info, error) {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("wall: decode %s: %w", key, err)
	}
	if info.ID == "" {
		return Info{}, fmt.Errorf("wall: %s has no id", key)
	}
	return info, nil
}

func (r *Registry) writeInfo(ctx context.Context, info Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	err = r.store.Put(ctx, infoKey(info.ID), raw)
	metrics.RecordPersist("kv", err)
	if err != nil {
		return fmt.Errorf("wall: store info %s: %w", info.ID, err)
	}
	return nil
}

func (r *Registry) writeCurrent(ctx context.Context, id string) {
	if err := r.store.Put(ctx, keyCurrent, []byte(id)); err != nil {
		r.log.Error().Err(err).Str("wall", id).Msg("persist current wall failed")
	}
}
