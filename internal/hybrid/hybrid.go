// Package hybrid merges local and remote search tiers.
//
// Local results come first: they are fast and work offline. The remote
// tier is consulted only when local signal is thin or explicitly forced,
// and every remote failure fails open — the caller always gets the local
// results, never a partial-tier error.
package hybrid

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/index"
	"github.com/recallkit/recall/internal/remote"
)

// Mode selects which local search paths run.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// Defaults for orchestrator tuning.
const (
	// LocalMinResults is the local hit count below which the remote tier
	// is consulted.
	LocalMinResults = 5

	// CombineThreshold drops merged results scoring below it.
	CombineThreshold = 0.5

	// EmbeddingTimeout bounds query embedding for the remote semantic path.
	EmbeddingTimeout = 3 * time.Second

	// semanticCapability names the remote RPC in the capability cache.
	semanticCapability = "semantic_search"
)

// Result is a merged search hit.
type Result struct {
	ID     string
	Kind   string
	Text   string
	Score  float64
	Source string
}

// Stats reports which tiers contributed to a search.
type Stats struct {
	LocalKeyword    int
	LocalSemantic   int
	RemoteSemantic  int
	RemoteKeyword   int
	RemoteConsulted bool
	SemanticSkipped bool
	Elapsed         time.Duration
}

// Options controls a single search call.
type Options struct {
	UserID      string
	Limit       int
	Mode        Mode
	ForceRemote bool
}

// RemoteSearcher is the slice of the remote client the orchestrator uses.
type RemoteSearcher interface {
	SemanticSearch(ctx context.Context, embedding []float32, userID string, threshold float64, maxResults int) ([]remote.Hit, error)
	KeywordSearch(ctx context.Context, query, userID string, limit int) ([]remote.Hit, error)
}

// Config tunes the orchestrator.
type Config struct {
	LocalMinResults  int
	CombineThreshold float64
	EmbeddingTimeout time.Duration
	FallbackEnabled  bool
	SemanticThreshold float64 // forwarded to local semantic + remote RPC
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		LocalMinResults:   LocalMinResults,
		CombineThreshold:  CombineThreshold,
		EmbeddingTimeout:  EmbeddingTimeout,
		FallbackEnabled:   true,
		SemanticThreshold: 0.5,
	}
}

// Searcher orchestrates local and remote search tiers.
type Searcher struct {
	index    *index.Manager
	embedder index.Embedder
	remote   RemoteSearcher
	caps     *remote.CapabilityCache
	online   func() bool
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Searcher) { s.cfg = cfg }
}

// WithOnlineCheck injects connectivity detection. The default assumes
// online whenever a remote client is configured.
func WithOnlineCheck(fn func() bool) Option {
	return func(s *Searcher) { s.online = fn }
}

// WithLogger sets the searcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// NewSearcher creates an orchestrator. remote and embedder may be nil;
// the corresponding tiers are then skipped.
func NewSearcher(idx *index.Manager, embedder index.Embedder, rc RemoteSearcher, opts ...Option) *Searcher {
	s := &Searcher{
		index:    idx,
		embedder: embedder,
		remote:   rc,
		caps:     remote.NewCapabilityCache(),
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
	}
	s.online = func() bool { return s.remote != nil }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search runs the hybrid search. The error return covers only local
// precondition failures; remote-tier problems degrade silently to the
// local result set.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]Result, Stats, error) {
	start := time.Now()
	stats := Stats{}

	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}

	scope := index.Scope{UserID: opts.UserID}
	var results []Result

	if !opts.ForceRemote {
		if opts.Mode == ModeKeyword || opts.Mode == ModeHybrid {
			for _, r := range s.index.SearchKeyword(query, scope, opts.Limit) {
				results = append(results, Result{ID: r.ID, Kind: string(r.Kind), Text: r.Text, Score: r.Score, Source: r.Source})
				stats.LocalKeyword++
			}
		}
		if opts.Mode == ModeSemantic || opts.Mode == ModeHybrid {
			semantic, err := s.index.SearchSemantic(ctx, query, scope, opts.Limit, s.cfg.SemanticThreshold)
			if err != nil {
				// Semantic path unavailable; keyword results still stand.
				s.logger.Warn("local semantic search unavailable", "error", err)
				stats.SemanticSkipped = true
			}
			for _, r := range semantic {
				results = append(results, Result{ID: r.ID, Kind: string(r.Kind), Text: r.Text, Score: r.Score, Source: r.Source})
				stats.LocalSemantic++
			}
		}
	}

	localCount := len(dedupe(results))
	needRemote := opts.ForceRemote ||
		(s.cfg.FallbackEnabled && s.online() && localCount < s.cfg.LocalMinResults)

	if needRemote && s.remote != nil && opts.UserID != "" {
		stats.RemoteConsulted = true
		remoteHits := s.searchRemote(ctx, query, opts, &stats)
		for _, h := range remoteHits {
			results = append(results, Result{ID: h.ID, Kind: h.Kind, Text: h.Text, Score: h.Score, Source: "remote"})
		}
	}

	merged := dedupe(results)
	filtered := merged[:0]
	for _, r := range merged {
		if r.Score >= s.cfg.CombineThreshold {
			filtered = append(filtered, r)
		}
	}
	sortResults(filtered)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	stats.Elapsed = time.Since(start)
	return filtered, stats, nil
}

// searchRemote runs remote semantic and keyword searches concurrently.
// Both paths fail open: errors are logged and contribute zero results.
func (s *Searcher) searchRemote(ctx context.Context, query string, opts Options, stats *Stats) []remote.Hit {
	var mu sync.Mutex
	var hits []remote.Hit

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if !s.semanticAvailable(gctx, opts.UserID) {
			mu.Lock()
			stats.SemanticSkipped = true
			mu.Unlock()
			return nil
		}
		queryVec := s.embedWithTimeout(gctx, query)
		if queryVec == nil {
			mu.Lock()
			stats.SemanticSkipped = true
			mu.Unlock()
			return nil
		}
		remoteHits, err := s.remote.SemanticSearch(gctx, queryVec, opts.UserID, s.cfg.SemanticThreshold, opts.Limit)
		if err != nil {
			s.logger.Warn("remote semantic search failed", "error", err)
			return nil
		}
		mu.Lock()
		stats.RemoteSemantic = len(remoteHits)
		hits = append(hits, remoteHits...)
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		remoteHits, err := s.remote.KeywordSearch(gctx, query, opts.UserID, opts.Limit)
		if err != nil {
			s.logger.Warn("remote keyword search failed", "error", err)
			return nil
		}
		mu.Lock()
		stats.RemoteKeyword = len(remoteHits)
		hits = append(hits, remoteHits...)
		mu.Unlock()
		return nil
	})

	g.Wait()
	return hits
}

// semanticAvailable probes the remote RPC once per process.
func (s *Searcher) semanticAvailable(ctx context.Context, userID string) bool {
	if s.embedder == nil {
		return false
	}
	return s.caps.Available(ctx, semanticCapability, func(ctx context.Context) error {
		probe := make([]float32, embed.DefaultDimensions)
		probe[0] = 1
		_, err := s.remote.SemanticSearch(ctx, probe, userID, 0.99, 1)
		return err
	})
}

// embedWithTimeout embeds query, yielding nil on timeout or failure.
// The in-flight embed may keep running after its result is discarded.
func (s *Searcher) embedWithTimeout(ctx context.Context, query string) []float32 {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.EmbeddingTimeout)
	defer cancel()

	type outcome struct {
		vec []float32
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		vec, err := s.embedder.Embed(tctx, query)
		ch <- outcome{vec, err}
	}()

	select {
	case <-tctx.Done():
		s.logger.Warn("query embedding timed out, skipping remote semantic tier")
		return nil
	case o := <-ch:
		if o.err != nil {
			s.logger.Warn("query embedding failed, skipping remote semantic tier", "error", o.err)
			return nil
		}
		return o.vec
	}
}

// dedupe collapses results by ID, keeping the higher score.
func dedupe(results []Result) []Result {
	byID := make(map[string]Result, len(results))
	order := make([]string, 0, len(results))
	for _, r := range results {
		existing, ok := byID[r.ID]
		if !ok {
			byID[r.ID] = r
			order = append(order, r.ID)
			continue
		}
		if r.Score > existing.Score {
			byID[r.ID] = r
		}
	}
	out := make([]Result, 0, len(byID))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		delta := results[i].Score - results[j].Score
		if math.Abs(delta) <= 1e-12 {
			return results[i].ID < results[j].ID
		}
		return delta > 0
	})
}
