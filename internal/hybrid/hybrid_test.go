package hybrid

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/remote"
	"github.com/recallkit/recall/internal/vault"
)

type stubEmbedder struct {
	delay time.Duration
	err   error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	v := make([]float32, 384)
	v[0] = 1
	return v, nil
}

type fakeRemote struct {
	semanticHits  []remote.Hit
	keywordHits   []remote.Hit
	semanticErr   error
	keywordErr    error
	semanticCalls int32
	keywordCalls  int32
}

func (f *fakeRemote) SemanticSearch(_ context.Context, _ []float32, _ string, _ float64, _ int) ([]remote.Hit, error) {
	atomic.AddInt32(&f.semanticCalls, 1)
	if f.semanticErr != nil {
		return nil, f.semanticErr
	}
	return f.semanticHits, nil
}

func (f *fakeRemote) KeywordSearch(_ context.Context, _, _ string, _ int) ([]remote.Hit, error) {
	atomic.AddInt32(&f.keywordCalls, 1)
	if f.keywordErr != nil {
		return nil, f.keywordErr
	}
	return f.keywordHits, nil
}

func seededIndex(t *testing.T, n int) *index.Manager {
	t.Helper()
	m := index.NewManager(nil, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		err := m.IndexMessage(ctx, &vault.Message{
			ID: fmt.Sprintf("local-%d", i), SessionID: "s1", UserID: "u1",
			Role: "user", Content: "austin weather update", CreatedAt: now,
		}, false)
		if err != nil {
			t.Fatalf("seeding index: %v", err)
		}
	}
	return m
}

func TestRemoteTierInvokedWhenLocalThin(t *testing.T) {
	rc := &fakeRemote{keywordHits: []remote.Hit{
		{ID: "r1", Kind: "message", Text: "austin forecast", Score: 0.6},
	}}
	s := NewSearcher(seededIndex(t, 2), &stubEmbedder{}, rc)

	results, stats, err := s.Search(context.Background(), "austin weather", Options{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !stats.RemoteConsulted {
		t.Fatal("2 local results < 5: remote tier must be consulted")
	}
	if atomic.LoadInt32(&rc.keywordCalls) == 0 {
		t.Fatal("remote keyword search never invoked")
	}
	found := false
	for _, r := range results {
		if r.ID == "r1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("remote hit missing from merged results: %+v", results)
	}
}

func TestRemoteTierSkippedWhenLocalSufficient(t *testing.T) {
	rc := &fakeRemote{}
	s := NewSearcher(seededIndex(t, 6), &stubEmbedder{}, rc)

	_, stats, err := s.Search(context.Background(), "austin weather", Options{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if stats.RemoteConsulted {
		t.Fatal("6 local results ≥ 5: remote tier must be skipped")
	}
	if atomic.LoadInt32(&rc.keywordCalls) != 0 {
		t.Fatal("remote keyword search should not have run")
	}
}

func TestForceRemoteAlwaysConsultsRemote(t *testing.T) {
	rc := &fakeRemote{keywordHits: []remote.Hit{
		{ID: "r1", Kind: "message", Text: "austin forecast", Score: 0.7},
	}}
	s := NewSearcher(seededIndex(t, 6), &stubEmbedder{}, rc)

	results, stats, err := s.Search(context.Background(), "austin weather",
		Options{UserID: "u1", Limit: 10, ForceRemote: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !stats.RemoteConsulted {
		t.Fatal("ForceRemote must consult the remote tier")
	}
	// ForceRemote skips the local tiers entirely.
	for _, r := range results {
		if r.Source != "remote" {
			t.Fatalf("expected only remote results, got %+v", r)
		}
	}
}

func TestRemoteErrorsFailOpen(t *testing.T) {
	rc := &fakeRemote{
		semanticErr: fmt.Errorf("network down"),
		keywordErr:  fmt.Errorf("network down"),
	}
	s := NewSearcher(seededIndex(t, 2), &stubEmbedder{}, rc)

	results, _, err := s.Search(context.Background(), "austin weather", Options{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("remote failures must not surface: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("local results must survive remote failure: %+v", results)
	}
}

func TestEmbeddingTimeoutSkipsRemoteSemantic(t *testing.T) {
	rc := &fakeRemote{semanticHits: []remote.Hit{{ID: "sem", Score: 0.95}}}
	cfg := DefaultConfig()
	cfg.EmbeddingTimeout = 20 * time.Millisecond
	s := NewSearcher(seededIndex(t, 0), &stubEmbedder{delay: 500 * time.Millisecond}, rc, WithConfig(cfg))

	// First call probes the capability (fast path via probe vector), then
	// query embedding times out and the semantic tier is skipped.
	_, stats, err := s.Search(context.Background(), "austin weather", Options{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !stats.SemanticSkipped {
		t.Fatal("embedding timeout must mark the semantic tier skipped")
	}
	if stats.RemoteSemantic != 0 {
		t.Fatal("semantic hits should not arrive after timeout skip")
	}
}

func TestMissingRPCDowngradesToKeywordOnly(t *testing.T) {
	rc := &fakeRemote{
		semanticErr: remote.ErrFunctionMissing,
		keywordHits: []remote.Hit{{ID: "kw", Kind: "message", Text: "austin", Score: 0.8}},
	}
	s := NewSearcher(seededIndex(t, 0), &stubEmbedder{}, rc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := s.Search(ctx, "austin weather", Options{UserID: "u1", Limit: 10})
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
	}

	// One probe call, never retried; keyword tier keeps running.
	if got := atomic.LoadInt32(&rc.semanticCalls); got != 1 {
		t.Fatalf("missing RPC should be probed exactly once, got %d calls", got)
	}
	if atomic.LoadInt32(&rc.keywordCalls) != 3 {
		t.Fatal("keyword tier should run on every call")
	}
}

func TestMergeDedupesKeepingHigherScore(t *testing.T) {
	rc := &fakeRemote{keywordHits: []remote.Hit{
		{ID: "local-0", Kind: "message", Text: "austin weather update", Score: 0.9},
		{ID: "weak", Kind: "message", Text: "barely related", Score: 0.3},
	}}
	s := NewSearcher(seededIndex(t, 1), &stubEmbedder{}, rc)

	results, _, err := s.Search(context.Background(), "austin", Options{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	var dup int
	for _, r := range results {
		if r.ID == "local-0" {
			dup++
			// Local keyword match scores 1.0, above the remote duplicate's 0.9.
			if r.Score != 1.0 {
				t.Fatalf("dedupe must keep the higher score, got %v", r.Score)
			}
		}
		if r.ID == "weak" {
			t.Fatal("results below combine threshold must be dropped")
		}
	}
	if dup != 1 {
		t.Fatalf("expected exactly one merged entry for local-0, got %d", dup)
	}
}

func TestOfflineSkipsRemote(t *testing.T) {
	rc := &fakeRemote{}
	s := NewSearcher(seededIndex(t, 0), &stubEmbedder{}, rc,
		WithOnlineCheck(func() bool { return false }))

	_, stats, err := s.Search(context.Background(), "austin", Options{UserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if stats.RemoteConsulted {
		t.Fatal("offline searches must never consult the remote tier")
	}
}
