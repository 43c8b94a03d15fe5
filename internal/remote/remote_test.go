package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func testClientFor(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(&Config{BaseURL: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSemanticSearch(t *testing.T) {
	c := testClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc/semantic_search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req semanticSearchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TargetUserID != "u1" || len(req.QueryEmbedding) != 3 {
			t.Errorf("bad request: %+v", req)
		}
		json.NewEncoder(w).Encode([]Hit{
			{ID: "r1", Kind: "fact", Text: "location city Austin", Score: 0.91},
		})
	}))

	hits, err := c.SemanticSearch(context.Background(), []float32{1, 0, 0}, "u1", 0.5, 10)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Score != 0.91 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestSemanticSearchEmptyEmbedding(t *testing.T) {
	c := testClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	if _, err := c.SemanticSearch(context.Background(), nil, "u1", 0.5, 10); err == nil {
		t.Fatal("expected error for empty embedding")
	}
}

func TestSemanticSearchFunctionMissing(t *testing.T) {
	bodies := []string{
		`{"code":"42883","message":"function public.semantic_search(vector) does not exist"}`,
		`{"message":"function semantic_search does not exist"}`,
	}
	for _, body := range bodies {
		c := testClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, body, http.StatusNotFound)
		}))
		_, err := c.SemanticSearch(context.Background(), []float32{1}, "u1", 0.5, 10)
		if !errors.Is(err, ErrFunctionMissing) {
			t.Fatalf("body %q: got %v, want ErrFunctionMissing", body, err)
		}
	}
}

func TestSemanticSearchPlainNotFoundIsNotMissingFunction(t *testing.T) {
	c := testClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such route", http.StatusNotFound)
	}))
	_, err := c.SemanticSearch(context.Background(), []float32{1}, "u1", 0.5, 10)
	if err == nil || errors.Is(err, ErrFunctionMissing) {
		t.Fatalf("generic 404 must not read as missing function: %v", err)
	}
}

func TestKeywordSearchDefaultScore(t *testing.T) {
	c := testClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Hit{
			{ID: "k1", Kind: "message", Text: "austin weather chat"},
			{ID: "k2", Kind: "message", Text: "austin tacos", Score: 0.8},
		})
	}))

	hits, err := c.KeywordSearch(context.Background(), "austin", "u1", 10)
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if hits[0].Score != DefaultKeywordScore {
		t.Fatalf("unscored hit should get default score, got %v", hits[0].Score)
	}
	if hits[1].Score != 0.8 {
		t.Fatalf("scored hit overwritten: %v", hits[1].Score)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]string{}
	c := testClientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		userID := r.URL.Path[len("/profile/"):]
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			stored[userID] = string(body)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			payload, ok := stored[userID]
			if !ok {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, payload)
		}
	}))
	ctx := context.Background()

	if _, err := c.FetchProfile(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.PushProfile(ctx, "u1", `{"name":"sam"}`); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := c.FetchProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != `{"name":"sam"}` {
		t.Fatalf("got %q", got)
	}
}

func TestCapabilityCacheProbesOnce(t *testing.T) {
	var probes int32
	cache := NewCapabilityCache()
	probe := func(context.Context) error {
		atomic.AddInt32(&probes, 1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.Available(context.Background(), "semantic_search", probe) {
				t.Error("capability should be available")
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&probes); got != 1 {
		t.Fatalf("probe ran %d times, want 1", got)
	}

	// Cached: further calls never probe again.
	cache.Available(context.Background(), "semantic_search", probe)
	if got := atomic.LoadInt32(&probes); got != 1 {
		t.Fatalf("probe re-ran after caching: %d", got)
	}
}

func TestCapabilityCacheMissingSticks(t *testing.T) {
	var probes int32
	cache := NewCapabilityCache()
	probe := func(context.Context) error {
		atomic.AddInt32(&probes, 1)
		return ErrFunctionMissing
	}

	for i := 0; i < 3; i++ {
		if cache.Available(context.Background(), "semantic_search", probe) {
			t.Fatal("missing function must read unavailable")
		}
	}
	if got := atomic.LoadInt32(&probes); got != 1 {
		t.Fatalf("missing result should stick, probe ran %d times", got)
	}
}

func TestCapabilityCacheTransientErrorRetries(t *testing.T) {
	var probes int32
	cache := NewCapabilityCache()
	failing := func(context.Context) error {
		atomic.AddInt32(&probes, 1)
		return fmt.Errorf("connection refused")
	}

	if cache.Available(context.Background(), "semantic_search", failing) {
		t.Fatal("transient failure should read unavailable now")
	}
	// Not cached: a later healthy probe flips it to available.
	healthy := func(context.Context) error { return nil }
	if !cache.Available(context.Background(), "semantic_search", healthy) {
		t.Fatal("capability should become available after recovery")
	}
}
