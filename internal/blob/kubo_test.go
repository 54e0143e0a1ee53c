package blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeKubo implements the three RPC endpoints Kubo uses, keyed by the same
// CIDs ComputeCID produces.
func fakeKubo(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	blobs := map[string][]byte{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/id", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"ID": "fake"})
	})
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("raw-leaves") != "true" {
			http.Error(w, "expected raw leaves", http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		id, _ := ContentID(data)
		mu.Lock()
		blobs[id] = data
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"Hash": id})
	})
	mux.HandleFunc("/api/v0/cat", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		data, ok := blobs[r.URL.Query().Get("arg")]
		mu.Unlock()
		if !ok {
			http.Error(w, "block not found", http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestKubo_PutGet(t *testing.T) {
	srv := fakeKubo(t)
	k := NewKubo(srv.URL+"/api/v0/", false)
	ctx := context.Background()

	if !k.IsAvailable(ctx) {
		t.Fatal("fake daemon not available")
	}
	id, err := k.Put(ctx, []byte("snapshot"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	want, _ := ContentID([]byte("snapshot"))
	if id != want {
		t.Errorf("id = %s, want %s", id, want)
	}
	got, err := k.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "snapshot" {
		t.Errorf("got %q", got)
	}
}

func TestKubo_GetMissing(t *testing.T) {
	srv := fakeKubo(t)
	k := NewKubo(srv.URL+"/api/v0", false)
	id, _ := ContentID([]byte("absent"))
	if _, err := k.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestKubo_Unavailable(t *testing.T) {
	k := NewKubo("http://127.0.0.1:1/api/v0", false)
	if k.IsAvailable(context.Background()) {
		t.Fatal("expected unavailable")
	}
}
