package dag

import (
	"container/heap"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// RootID names the synthetic ancestor present in every graph. It is never
// emitted in snapshots or diffs, and no path may use it as its own id.
const RootID = "@root"

// MaxPredecessors bounds the fan-in of any node this peer creates.
const MaxPredecessors = 3

// PathRecord is one immutable path fragment with its causal parents.
type PathRecord struct {
	ID           string   `json:"id"`
	Payload      []byte   `json:"payload"`
	Predecessors []string `json:"preds"`
}

// MergeResult reports what AddRemote did with one record.
type MergeResult struct {
	Inserted     bool
	Predecessors []string
	// Unknown lists predecessors absent from the graph at merge time. Their
	// forward edges are kept so the ancestor attaches when it arrives.
	Unknown []string
}

// Graph is the path DAG of one wall: an adjacency list over path ids with a
// maintained sink set. All methods are safe for concurrent use.
type Graph struct {
	mu     sync.RWMutex
	policy MergePolicy

	nodes map[string][]byte
	seq   map[string]uint64
	next  uint64
	succ  map[string]map[string]struct{}
	pred  map[string][]string
	sinks map[string]struct{}
}

// NewGraph returns a root-only graph.
func NewGraph(policy MergePolicy) *Graph {
	g := &Graph{
		policy: policy,
		nodes:  map[string][]byte{RootID: nil},
		seq:    map[string]uint64{RootID: 0},
		next:   1,
		succ:   make(map[string]map[string]struct{}),
		pred:   make(map[string][]string),
		sinks:  map[string]struct{}{RootID: {}},
	}
	return g
}

func (g *Graph) Policy() MergePolicy {
	return g.policy
}

// Has reports whether id is a known node. The root is always known.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of non-root nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes) - 1
}

// Record returns the stored record for id.
func (g *Graph) Record(id string) (PathRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id == RootID {
		return PathRecord{}, false
	}
	payload, ok := g.nodes[id]
	if !ok {
		return PathRecord{}, false
	}
	return g.recordLocked(id, payload), true
}

// IDs returns every non-root id, sorted.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes)-1)
	for id := range g.nodes {
		if id != RootID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Edges returns every recorded edge as (from, to), sorted. Edges from ids not
// yet in the graph are included.
func (g *Graph) Edges() [][2]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out [][2]string
	for to, preds := range g.pred {
		for _, from := range preds {
			out = append(out, [2]string{from, to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// Frontier returns the ordered predecessor set a new local node would attach
// under: the sinks by insertion order, then their known parents when fewer
// than MaxPredecessors sinks exist, deduplicated and truncated. It is empty
// on a root-only graph.
func (g *Graph) Frontier() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return external(g.frontierLocked())
}

func (g *Graph) frontierLocked() []string {
	sinks := make([]string, 0, len(g.sinks))
	for id := range g.sinks {
		sinks = append(sinks, id)
	}
	sort.Slice(sinks, func(i, j int) bool {
		return g.seq[sinks[i]] < g.seq[sinks[j]]
	})

	out := make([]string, 0, MaxPredecessors)
	seen := make(map[string]struct{}, MaxPredecessors)
	add := func(id string) {
		if len(out) >= MaxPredecessors {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range sinks {
		add(id)
	}
	if len(out) < MaxPredecessors {
		for _, id := range sinks {
			for _, p := range g.pred[id] {
				// The root only anchors the first node.
				if p == RootID {
					continue
				}
				if _, known := g.nodes[p]; known {
					add(p)
				}
			}
		}
	}
	return out
}

// AddLocal inserts a locally created path under the current frontier and
// returns the chosen predecessors. A known id is a no-op returning false.
func (g *Graph) AddLocal(id string, payload []byte) ([]string, bool) {
	if validateID(id) != nil {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[id]; exists {
		return nil, false
	}
	preds := g.frontierLocked()
	g.insertLocked(id, payload, preds)
	return external(preds), true
}

// AddRemote merges a record received from a peer. A known id is a no-op
// that echoes the claimed predecessors.
func (g *Graph) AddRemote(rec PathRecord) (MergeResult, error) {
	if err := validateID(rec.ID); err != nil {
		return MergeResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[rec.ID]; exists {
		return MergeResult{Predecessors: external(rec.Predecessors)}, nil
	}

	preds := g.mergePredecessorsLocked(rec.Predecessors)
	var unknown []string
	for _, p := range preds {
		if _, known := g.nodes[p]; !known {
			unknown = append(unknown, p)
		}
	}
	g.insertLocked(rec.ID, rec.Payload, preds)
	return MergeResult{
		Inserted:     true,
		Predecessors: external(preds),
		Unknown:      unknown,
	}, nil
}

func (g *Graph) mergePredecessorsLocked(claimed []string) []string {
	out := make([]string, 0, MaxPredecessors)
	seen := make(map[string]struct{}, MaxPredecessors)
	add := func(id string) {
		if len(out) >= MaxPredecessors || id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range claimed {
		add(id)
	}
	// Under MergeClaimed an empty claim attaches to the root like any first
	// node, so every peer stores the same edges.
	if g.policy == MergeUnion {
		for _, id := range g.frontierLocked() {
			add(id)
		}
	}
	return out
}

// Load inserts records with their stored predecessor lists verbatim, skipping
// ids already present. It returns how many were inserted.
func (g *Graph) Load(recs []PathRecord) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if err := validateID(rec.ID); err != nil {
			return n, err
		}
		if _, exists := g.nodes[rec.ID]; exists {
			continue
		}
		g.insertLocked(rec.ID, rec.Payload, dedup(rec.Predecessors))
		n++
	}
	return n, nil
}

func (g *Graph) insertLocked(id string, payload []byte, preds []string) {
	if len(preds) == 0 {
		preds = []string{RootID}
	}
	g.nodes[id] = slices.Clone(payload)
	g.seq[id] = g.next
	g.next++
	g.pred[id] = slices.Clone(preds)
	for _, p := range preds {
		set, ok := g.succ[p]
		if !ok {
			set = make(map[string]struct{})
			g.succ[p] = set
		}
		set[id] = struct{}{}
		delete(g.sinks, p)
	}
	// An ancestor that arrives after its children already has successors.
	if len(g.succ[id]) == 0 {
		g.sinks[id] = struct{}{}
	}
}

func (g *Graph) recordLocked(id string, payload []byte) PathRecord {
	return PathRecord{
		ID:           id,
		Payload:      slices.Clone(payload),
		Predecessors: external(g.pred[id]),
	}
}

// external drops the root marker from a predecessor list. A node whose only
// parent is the root has an empty list outside the graph.
func external(preds []string) []string {
	out := make([]string, 0, len(preds))
	for _, p := range preds {
		if p != RootID {
			out = append(out, p)
		}
	}
	return out
}

// OrderedSnapshot returns every non-root record in topological order, ties
// broken by id so equal graphs yield equal sequences.
func (g *Graph) OrderedSnapshot() ([]PathRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	order, rest := g.topoLocked()
	if len(rest) > 0 {
		return nil, &InconsistencyError{Op: "ordered snapshot", IDs: rest, Err: ErrCycle}
	}
	out := make([]PathRecord, 0, len(order))
	for _, id := range order {
		out = append(out, g.recordLocked(id, g.nodes[id]))
	}
	return out, nil
}

// DiffAgainst returns every non-root record whose id is not in known, parents
// before children. Nodes caught in a cycle are appended in id order.
func (g *Graph) DiffAgainst(known []string) []PathRecord {
	have := make(map[string]struct{}, len(known))
	for _, id := range known {
		have[id] = struct{}{}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	order, rest := g.topoLocked()
	order = append(order, rest...)
	var out []PathRecord
	for _, id := range order {
		if _, ok := have[id]; ok {
			continue
		}
		out = append(out, g.recordLocked(id, g.nodes[id]))
	}
	return out
}

// topoLocked runs Kahn's algorithm over known nodes. Edges from ids not in
// the graph do not count toward in-degree. rest holds the nodes that could
// not be ordered, sorted by id.
func (g *Graph) topoLocked() (order, rest []string) {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		n := 0
		for _, p := range g.pred[id] {
			if _, known := g.nodes[p]; known {
				n++
			}
		}
		indeg[id] = n
	}

	ready := &idHeap{}
	for id, n := range indeg {
		if n == 0 {
			heap.Push(ready, id)
		}
	}
	order = make([]string, 0, len(g.nodes)-1)
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		if id != RootID {
			order = append(order, id)
		}
		for s := range g.succ[id] {
			if _, known := g.nodes[s]; !known {
				continue
			}
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}
	for id, n := range indeg {
		if n > 0 && id != RootID {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return order, rest
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if id == RootID {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidID, id)
	}
	return nil
}

func dedup(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type idHeap []string

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *idHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
