package dag

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestCanonicalJSON_SortedKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"a":2,"b":1}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_NestedObjects(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": "first",
	}
	got, err := CanonicalJSON(input)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"a":"first","z":{"a":2,"b":1}}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_ArraysPreserved(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"arr": []any{3, 1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"arr":[3,1,2]}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_LargeIntegers(t *testing.T) {
	// float64 round-tripping would lose the low digits.
	got, err := CanonicalJSON(map[string]any{"n": uint64(1<<62 + 1)})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"n":4611686018427387905}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_SpecialCharacters(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"msg": "hello \"world\"\nnewline"})
	if err != nil {
		t.Fatal(err)
	}
	var check map[string]any
	if err := json.Unmarshal(got, &check); err != nil {
		t.Fatalf("output is not valid JSON: %s", got)
	}
	if check["msg"] != "hello \"world\"\nnewline" {
		t.Errorf("round-trip value mismatch: %v", check["msg"])
	}
}

func TestEncodeSnapshot_Empty(t *testing.T) {
	got, err := EncodeSnapshot(NewGraph(MergeClaimed))
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"paths":[],"v":1}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncodeSnapshot_OrderIndependent(t *testing.T) {
	a := NewGraph(MergeClaimed)
	b := NewGraph(MergeClaimed)
	recs := []PathRecord{
		{ID: "p1", Payload: []byte("one"), Predecessors: []string{RootID}},
		{ID: "p2", Payload: []byte("two"), Predecessors: []string{"p1"}},
		{ID: "p3", Payload: []byte("three"), Predecessors: []string{"p1"}},
	}
	for _, r := range recs {
		mustAddRemote(t, a, r)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		mustAddRemote(t, b, recs[i])
	}

	ea, err := EncodeSnapshot(a)
	if err != nil {
		t.Fatal(err)
	}
	eb, err := EncodeSnapshot(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ea) != string(eb) {
		t.Fatalf("encodings differ:\n  a: %s\n  b: %s", ea, eb)
	}
}

func TestGraphFromSnapshot_Roundtrip(t *testing.T) {
	g := NewGraph(MergeClaimed)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		g.AddLocal(id, []byte("data-"+id))
	}
	data, err := EncodeSnapshot(g)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := GraphFromSnapshot(data, MergeClaimed)
	if err != nil {
		t.Fatalf("GraphFromSnapshot: %v", err)
	}
	want, _ := g.OrderedSnapshot()
	got, err := restored.OrderedSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(restored.Frontier(), g.Frontier()) {
		t.Errorf("frontier = %v, want %v", restored.Frontier(), g.Frontier())
	}
}

func TestDecodeSnapshot_Rejects(t *testing.T) {
	cases := map[string]string{
		"garbage":     `not json`,
		"bad version": `{"v":9,"paths":[]}`,
	}
	for name, in := range cases {
		if _, err := DecodeSnapshot([]byte(in)); !errors.Is(err, ErrSnapshot) {
			t.Errorf("%s: err = %v, want ErrSnapshot", name, err)
		}
	}
	if _, err := GraphFromSnapshot([]byte(`{"v":1,"paths":[{"id":"@root"}]}`), MergeClaimed); !errors.Is(err, ErrSnapshot) {
		t.Errorf("root record: err = %v, want ErrSnapshot", err)
	}
}
