package dag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// SnapshotVersion is the current snapshot envelope version.
const SnapshotVersion = 1

// Snapshot is the serialized form of a whole graph, records in topological
// order.
type Snapshot struct {
	V     int          `json:"v"`
	Paths []PathRecord `json:"paths"`
}

// EncodeSnapshot serializes g as canonical JSON. Equal graphs encode to equal
// bytes, so their content ids match.
func EncodeSnapshot(g *Graph) ([]byte, error) {
	recs, err := g.OrderedSnapshot()
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []PathRecord{}
	}
	return CanonicalJSON(Snapshot{V: SnapshotVersion, Paths: recs})
}

// DecodeSnapshot parses bytes produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) ([]PathRecord, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	if snap.V != SnapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrSnapshot, snap.V)
	}
	return snap.Paths, nil
}

// GraphFromSnapshot rebuilds a graph from encoded snapshot bytes.
func GraphFromSnapshot(data []byte, policy MergePolicy) (*Graph, error) {
	recs, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	g := NewGraph(policy)
	if _, err := g.Load(recs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	return g, nil
}

// CanonicalJSON produces a deterministic JSON encoding with sorted keys and
// no insignificant whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalEncode(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalEncode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := canonicalEncode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalEncode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(val.String())
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
