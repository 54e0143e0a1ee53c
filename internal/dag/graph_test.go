package dag

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"
)

func mustAddRemote(t *testing.T, g *Graph, rec PathRecord) MergeResult {
	t.Helper()
	res, err := g.AddRemote(rec)
	if err != nil {
		t.Fatalf("AddRemote(%s): %v", rec.ID, err)
	}
	return res
}

func snapshotIDs(t *testing.T, g *Graph) []string {
	t.Helper()
	recs, err := g.OrderedSnapshot()
	if err != nil {
		t.Fatalf("OrderedSnapshot: %v", err)
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func TestNewGraph_RootOnly(t *testing.T) {
	g := NewGraph(MergeClaimed)
	if g.Len() != 0 {
		t.Fatalf("Len = %d, want 0", g.Len())
	}
	if !g.Has(RootID) {
		t.Fatal("root missing")
	}
	if got := g.Frontier(); len(got) != 0 {
		t.Fatalf("Frontier = %v, want empty", got)
	}
	recs, err := g.OrderedSnapshot()
	if err != nil || len(recs) != 0 {
		t.Fatalf("OrderedSnapshot = %v, %v; want empty", recs, err)
	}
}

func TestAddLocal_Chain(t *testing.T) {
	g := NewGraph(MergeClaimed)
	want := map[string][]string{
		"p1": {},
		"p2": {"p1"},
		"p3": {"p2", "p1"},
		"p4": {"p3", "p2", "p1"},
		"p5": {"p4", "p3", "p2"},
	}
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		preds, ok := g.AddLocal(id, []byte(id))
		if !ok {
			t.Fatalf("AddLocal(%s) not inserted", id)
		}
		if !reflect.DeepEqual(preds, want[id]) {
			t.Errorf("AddLocal(%s) preds = %v, want %v", id, preds, want[id])
		}
	}
}

func TestAddLocal_Duplicate(t *testing.T) {
	g := NewGraph(MergeClaimed)
	g.AddLocal("p1", []byte("a"))
	before := g.Edges()

	preds, ok := g.AddLocal("p1", []byte("changed"))
	if ok || preds != nil {
		t.Fatalf("duplicate AddLocal = %v, %v; want nil, false", preds, ok)
	}
	rec, _ := g.Record("p1")
	if string(rec.Payload) != "a" {
		t.Errorf("payload mutated to %q", rec.Payload)
	}
	if !reflect.DeepEqual(g.Edges(), before) {
		t.Error("edges changed on duplicate insert")
	}
}

func TestAddLocal_BoundedFanIn(t *testing.T) {
	g := NewGraph(MergeClaimed)
	for i := 0; i < 10; i++ {
		mustAddRemote(t, g, PathRecord{ID: fmt.Sprintf("s%02d", i), Predecessors: []string{RootID}})
	}
	preds, ok := g.AddLocal("tip", nil)
	if !ok {
		t.Fatal("not inserted")
	}
	if len(preds) > MaxPredecessors {
		t.Fatalf("len(preds) = %d, want <= %d", len(preds), MaxPredecessors)
	}
	// Oldest sinks first.
	if want := []string{"s00", "s01", "s02"}; !reflect.DeepEqual(preds, want) {
		t.Errorf("preds = %v, want %v", preds, want)
	}
}

func TestAddRemote_Idempotent(t *testing.T) {
	once := NewGraph(MergeClaimed)
	twice := NewGraph(MergeClaimed)
	rec := PathRecord{ID: "p1", Payload: []byte("x"), Predecessors: []string{"p0"}}

	mustAddRemote(t, once, rec)
	mustAddRemote(t, twice, rec)
	res := mustAddRemote(t, twice, rec)
	if res.Inserted {
		t.Error("second AddRemote reported Inserted")
	}
	if !reflect.DeepEqual(res.Predecessors, rec.Predecessors) {
		t.Errorf("duplicate preds = %v, want claimed %v", res.Predecessors, rec.Predecessors)
	}
	if !reflect.DeepEqual(once.Edges(), twice.Edges()) || !reflect.DeepEqual(once.IDs(), twice.IDs()) {
		t.Fatal("graphs differ after duplicate merge")
	}
}

func TestAddRemote_Commutative(t *testing.T) {
	base := PathRecord{ID: "p1", Payload: []byte("base"), Predecessors: []string{RootID}}
	a := PathRecord{ID: "a", Payload: []byte("A"), Predecessors: []string{"p1"}}
	b := PathRecord{ID: "b", Payload: []byte("B"), Predecessors: []string{"p1"}}

	g1 := NewGraph(MergeClaimed)
	g2 := NewGraph(MergeClaimed)
	for _, r := range []PathRecord{base, a, b} {
		mustAddRemote(t, g1, r)
	}
	for _, r := range []PathRecord{base, b, a} {
		mustAddRemote(t, g2, r)
	}
	if !reflect.DeepEqual(g1.IDs(), g2.IDs()) {
		t.Fatalf("nodes differ: %v vs %v", g1.IDs(), g2.IDs())
	}
	if !reflect.DeepEqual(g1.Edges(), g2.Edges()) {
		t.Fatalf("edges differ: %v vs %v", g1.Edges(), g2.Edges())
	}
}

func TestAddRemote_EmptyClaimAttachesToRoot(t *testing.T) {
	g := NewGraph(MergeClaimed)
	g.AddLocal("p1", nil)
	res := mustAddRemote(t, g, PathRecord{ID: "r"})
	if len(res.Predecessors) != 0 {
		t.Errorf("preds = %v, want empty", res.Predecessors)
	}
	want := [][2]string{{RootID, "p1"}, {RootID, "r"}}
	if got := g.Edges(); !reflect.DeepEqual(got, want) {
		t.Errorf("edges = %v, want %v", got, want)
	}
}

func TestRootNeverLeavesTheGraph(t *testing.T) {
	g := NewGraph(MergeClaimed)
	preds, _ := g.AddLocal("p1", []byte("a"))
	if len(preds) != 0 {
		t.Fatalf("first AddLocal preds = %v, want empty", preds)
	}
	mustAddRemote(t, g, PathRecord{ID: "p2", Predecessors: []string{RootID, "p1"}})

	var seen []PathRecord
	snap, err := g.OrderedSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	seen = append(seen, snap...)
	seen = append(seen, g.DiffAgainst(nil)...)
	if rec, ok := g.Record("p1"); ok {
		seen = append(seen, rec)
	}
	for _, rec := range seen {
		for _, p := range rec.Predecessors {
			if p == RootID {
				t.Fatalf("record %s exposes the root: %v", rec.ID, rec.Predecessors)
			}
		}
	}
	for _, id := range g.Frontier() {
		if id == RootID {
			t.Fatal("Frontier exposes the root")
		}
	}

	// A peer loading the emitted records rebuilds the same edges.
	h := NewGraph(MergeClaimed)
	if _, err := h.Load(snap); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g.IDs(), h.IDs()) {
		t.Errorf("ids differ: %v vs %v", g.IDs(), h.IDs())
	}
	hs, _ := h.OrderedSnapshot()
	if !reflect.DeepEqual(snap, hs) {
		t.Errorf("snapshots differ:\n  %+v\n  %+v", snap, hs)
	}
}

func TestAddRemote_UnionPolicy(t *testing.T) {
	g := NewGraph(MergeUnion)
	g.AddLocal("p1", nil)
	res := mustAddRemote(t, g, PathRecord{ID: "r", Predecessors: []string{RootID, RootID}})
	if want := []string{"p1"}; !reflect.DeepEqual(res.Predecessors, want) {
		t.Errorf("preds = %v, want %v", res.Predecessors, want)
	}

	res = mustAddRemote(t, g, PathRecord{ID: "wide", Predecessors: []string{"x1", "x2", "x3", "x4"}})
	if len(res.Predecessors) != MaxPredecessors {
		t.Errorf("len(preds) = %d, want %d", len(res.Predecessors), MaxPredecessors)
	}
}

func TestAddRemote_UnknownPredecessor(t *testing.T) {
	g := NewGraph(MergeClaimed)
	res := mustAddRemote(t, g, PathRecord{ID: "child", Predecessors: []string{"ghost"}})
	if !res.Inserted {
		t.Fatal("not inserted")
	}
	if !reflect.DeepEqual(res.Unknown, []string{"ghost"}) {
		t.Fatalf("Unknown = %v, want [ghost]", res.Unknown)
	}
	if got := snapshotIDs(t, g); !reflect.DeepEqual(got, []string{"child"}) {
		t.Fatalf("snapshot = %v", got)
	}

	res = mustAddRemote(t, g, PathRecord{ID: "ghost", Predecessors: []string{RootID}})
	if len(res.Unknown) != 0 {
		t.Errorf("Unknown = %v, want none", res.Unknown)
	}
	if got := snapshotIDs(t, g); !reflect.DeepEqual(got, []string{"ghost", "child"}) {
		t.Errorf("snapshot = %v, want [ghost child]", got)
	}
	// The late ancestor already has a successor, so it is not a sink.
	if got := g.Frontier(); got[0] != "child" || len(got) != 2 {
		t.Errorf("Frontier = %v, want [child ghost]", got)
	}
}

func TestAddRemote_RejectsReservedIDs(t *testing.T) {
	g := NewGraph(MergeClaimed)
	for _, id := range []string{"", RootID} {
		if _, err := g.AddRemote(PathRecord{ID: id}); !errors.Is(err, ErrInvalidID) {
			t.Errorf("AddRemote(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
	if _, ok := g.AddLocal(RootID, nil); ok {
		t.Error("AddLocal accepted the root id")
	}
	if g.Len() != 0 {
		t.Errorf("Len = %d, want 0", g.Len())
	}
}

func TestOrderedSnapshot_TieBreakByID(t *testing.T) {
	g := NewGraph(MergeClaimed)
	for _, id := range []string{"c", "a", "b"} {
		mustAddRemote(t, g, PathRecord{ID: id, Predecessors: []string{RootID}})
	}
	mustAddRemote(t, g, PathRecord{ID: "0tip", Predecessors: []string{"c"}})
	if got, want := snapshotIDs(t, g), []string{"a", "b", "c", "0tip"}; !reflect.DeepEqual(got, want) {
		t.Errorf("snapshot = %v, want %v", got, want)
	}
}

func TestOrderedSnapshot_Cycle(t *testing.T) {
	g := NewGraph(MergeClaimed)
	mustAddRemote(t, g, PathRecord{ID: "a", Predecessors: []string{"b"}})
	mustAddRemote(t, g, PathRecord{ID: "b", Predecessors: []string{"a"}})
	mustAddRemote(t, g, PathRecord{ID: "ok", Predecessors: []string{RootID}})

	_, err := g.OrderedSnapshot()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
	var ie *InconsistencyError
	if !errors.As(err, &ie) {
		t.Fatalf("err %T is not *InconsistencyError", err)
	}
	if !reflect.DeepEqual(ie.IDs, []string{"a", "b"}) {
		t.Errorf("IDs = %v, want [a b]", ie.IDs)
	}

	// The graph stays usable and diffs still return every node.
	if diff := g.DiffAgainst(nil); len(diff) != 3 {
		t.Errorf("len(diff) = %d, want 3", len(diff))
	}
}

func TestDiffAgainst_Completeness(t *testing.T) {
	g := NewGraph(MergeClaimed)
	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	for _, id := range ids {
		g.AddLocal(id, []byte(id))
	}

	for mask := 0; mask < 1<<len(ids); mask++ {
		var known []string
		missing := map[string]bool{}
		for i, id := range ids {
			if mask&(1<<i) != 0 {
				known = append(known, id)
			} else {
				missing[id] = true
			}
		}
		diff := g.DiffAgainst(known)
		if len(diff) != len(missing) {
			t.Fatalf("mask %b: len(diff) = %d, want %d", mask, len(diff), len(missing))
		}
		pos := map[string]int{}
		for i, rec := range diff {
			if !missing[rec.ID] {
				t.Fatalf("mask %b: unexpected %s in diff", mask, rec.ID)
			}
			pos[rec.ID] = i
		}
		for _, rec := range diff {
			for _, p := range rec.Predecessors {
				if pi, ok := pos[p]; ok && pi > pos[rec.ID] {
					t.Fatalf("mask %b: %s listed after its child %s", mask, p, rec.ID)
				}
			}
		}
	}
}

func TestConvergence_TwoPeers(t *testing.T) {
	a := NewGraph(MergeClaimed)
	b := NewGraph(MergeClaimed)

	preds, ok := a.AddLocal("p1", []byte("data1"))
	if !ok {
		t.Fatal("AddLocal failed")
	}
	mustAddRemote(t, b, PathRecord{ID: "p1", Payload: []byte("data1"), Predecessors: preds})

	sa, _ := a.OrderedSnapshot()
	sb, err := b.OrderedSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(sa, sb) {
		t.Errorf("snapshots differ:\n  a: %+v\n  b: %+v", sa, sb)
	}
}

func TestDiffAgainst_Backfill(t *testing.T) {
	a := NewGraph(MergeClaimed)
	b := NewGraph(MergeClaimed)
	for _, id := range []string{"p1", "p2", "p3"} {
		preds, _ := a.AddLocal(id, []byte(id))
		if id == "p1" {
			mustAddRemote(t, b, PathRecord{ID: id, Payload: []byte(id), Predecessors: preds})
		}
	}

	diff := a.DiffAgainst(b.IDs())
	if len(diff) != 2 || diff[0].ID != "p2" || diff[1].ID != "p3" {
		t.Fatalf("diff = %+v, want [p2 p3]", diff)
	}
	for _, rec := range diff {
		mustAddRemote(t, b, rec)
	}

	sa, _ := a.OrderedSnapshot()
	sb, _ := b.OrderedSnapshot()
	if !reflect.DeepEqual(sa, sb) {
		t.Errorf("snapshots differ after backfill:\n  a: %+v\n  b: %+v", sa, sb)
	}
}

func TestRandomMerges_StayAcyclic(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for _, policy := range []MergePolicy{MergeClaimed, MergeUnion} {
		g := NewGraph(policy)
		for i := 0; i < 300; i++ {
			id := fmt.Sprintf("n%03d", i)
			if rng.IntN(2) == 0 {
				if preds, _ := g.AddLocal(id, nil); len(preds) > MaxPredecessors {
					t.Fatalf("%s: fan-in %d", policy, len(preds))
				}
				continue
			}
			known := append(g.IDs(), RootID)
			var claim []string
			for j := rng.IntN(4); j > 0; j-- {
				claim = append(claim, known[rng.IntN(len(known))])
			}
			mustAddRemote(t, g, PathRecord{ID: id, Predecessors: claim})
		}
		if _, err := g.OrderedSnapshot(); err != nil {
			t.Fatalf("%s: OrderedSnapshot: %v", policy, err)
		}
	}
}
