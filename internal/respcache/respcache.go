// Package respcache caches question/answer pairs across sessions.
//
// Lookup runs in tiers: exact match on the normalized question, then
// token-similarity at or above SimilarThreshold counts as a hit, and the
// band between SuggestionThreshold and SimilarThreshold yields a
// non-committal suggestion the caller may surface without trusting.
//
// Writes are gated: a question must be asked MinAsksBeforeCache times
// before its answer is stored, so one-off questions never occupy a slot.
// Compound questions are never cached at all — their answers are too
// context-dependent to replay.
package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recallkit/recall/internal/kv"
	"github.com/recallkit/recall/internal/tokenize"
)

// Cache tuning constants.
const (
	// SimilarThreshold is the token similarity at which a near-match
	// counts as a cache hit.
	SimilarThreshold = 0.90

	// SuggestionThreshold bounds the suggestion band from below.
	SuggestionThreshold = 0.70

	// MinAsksBeforeCache is how many times a question must be asked
	// before its answer is cached.
	MinAsksBeforeCache = 3

	// MaxEntries caps the stored entry count; the least recently used
	// entries are trimmed on save.
	MaxEntries = 100

	// MaxAge expires entries at load time.
	MaxAge = 7 * 24 * time.Hour

	// SaveDebounce coalesces bursts of writes into one persistence pass.
	SaveDebounce = 5 * time.Second

	storageKey     = "respcache:state"
	storageVersion = 1
)

// Outcome classifies a lookup result.
type Outcome string

const (
	OutcomeExact      Outcome = "exact"
	OutcomeSimilar    Outcome = "similar"
	OutcomeSuggestion Outcome = "suggestion"
	OutcomeMiss       Outcome = "miss"
)

// Entry is one cached question/answer pair.
type Entry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Hits      int       `json:"hits"`
}

// Lookup is the result of a cache probe.
type Lookup struct {
	Outcome    Outcome
	Entry      *Entry // copy; nil on miss
	Similarity float64
}

type state struct {
	Version int            `json:"version"`
	Entries []Entry        `json:"entries"`
	Asks    map[string]int `json:"asks"`
}

// Cache is a persisted, bounded question/answer cache.
type Cache struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry // keyed by normalized question
	asks    map[string]int    // ask frequency, also keyed normalized

	saveMu    sync.Mutex
	dirty     bool
	saveTimer *time.Timer
	debounce  time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithDebounce overrides the persistence debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(c *Cache) { c.debounce = d }
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over store. Call Load before first use to restore
// persisted state.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*Entry),
		asks:     make(map[string]int),
		debounce: SaveDebounce,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores persisted state, dropping entries older than MaxAge.
// A missing key starts empty; a corrupt payload is logged and discarded.
func (c *Cache) Load(ctx context.Context) error {
	raw, err := c.store.Get(ctx, storageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var st state
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		c.logger.Warn("response cache state corrupt, starting empty", "error", err)
		return nil
	}

	cutoff := c.now().Add(-MaxAge)
	expired := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry, len(st.Entries))
	for i := range st.Entries {
		e := st.Entries[i]
		if e.CreatedAt.Before(cutoff) {
			expired++
			continue
		}
		c.entries[tokenize.Normalize(e.Question)] = &e
	}
	c.asks = st.Asks
	if c.asks == nil {
		c.asks = make(map[string]int)
	}
	if expired > 0 {
		c.logger.Debug("expired cached answers dropped", "count", expired)
	}
	return nil
}

// Get probes the cache for question. Exact and similar outcomes bump the
// entry's hit count; a suggestion leaves the cache untouched. Compound
// questions always miss.
func (c *Cache) Get(question string) Lookup {
	if IsCompoundQuestion(question) {
		return Lookup{Outcome: OutcomeMiss}
	}
	norm := tokenize.Normalize(question)
	if norm == "" {
		return Lookup{Outcome: OutcomeMiss}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[norm]; ok {
		e.Hits++
		e.LastUsed = c.now()
		cp := *e
		c.markDirty()
		return Lookup{Outcome: OutcomeExact, Entry: &cp, Similarity: 1}
	}

	// Nearest stored question by token similarity, ties broken by the
	// lexically smaller normalized key for reproducibility.
	questionTokens := tokenize.TokenSet(question)
	bestSim := 0.0
	bestKey := ""
	for key, e := range c.entries {
		sim := tokenize.Jaccard(questionTokens, tokenize.TokenSet(e.Question))
		if sim > bestSim || (sim == bestSim && sim > 0 && key < bestKey) {
			bestSim = sim
			bestKey = key
		}
	}

	switch {
	case bestSim >= SimilarThreshold:
		e := c.entries[bestKey]
		e.Hits++
		e.LastUsed = c.now()
		cp := *e
		c.markDirty()
		return Lookup{Outcome: OutcomeSimilar, Entry: &cp, Similarity: bestSim}
	case bestSim >= SuggestionThreshold:
		cp := *c.entries[bestKey]
		return Lookup{Outcome: OutcomeSuggestion, Entry: &cp, Similarity: bestSim}
	default:
		return Lookup{Outcome: OutcomeMiss}
	}
}

// Put records an answered question. Each call counts as one ask; the
// answer is stored only once the question has been asked
// MinAsksBeforeCache times. Compound questions are never stored.
// Returns true when the answer was (re)cached.
func (c *Cache) Put(question, answer string) bool {
	if IsCompoundQuestion(question) {
		return false
	}
	norm := tokenize.Normalize(question)
	if norm == "" || strings.TrimSpace(answer) == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.asks[norm]++
	if c.asks[norm] < MinAsksBeforeCache {
		c.markDirty() // ask counts persist too
		return false
	}

	now := c.now()
	if e, ok := c.entries[norm]; ok {
		e.Answer = answer
		e.LastUsed = now
	} else {
		c.entries[norm] = &Entry{
			Question:  question,
			Answer:    answer,
			CreatedAt: now,
			LastUsed:  now,
		}
	}
	c.markDirty()
	return true
}

// Len reports the stored entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// AskCount reports how many times question has been recorded via Put.
func (c *Cache) AskCount(question string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asks[tokenize.Normalize(question)]
}

// Flush persists immediately, cancelling any pending debounce.
func (c *Cache) Flush(ctx context.Context) error {
	c.saveMu.Lock()
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	c.dirty = false
	c.saveMu.Unlock()
	return c.save(ctx)
}

// markDirty schedules a debounced save. Callers hold c.mu.
func (c *Cache) markDirty() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if c.dirty {
		return
	}
	c.dirty = true
	c.saveTimer = time.AfterFunc(c.debounce, func() {
		c.saveMu.Lock()
		c.dirty = false
		c.saveTimer = nil
		c.saveMu.Unlock()
		if err := c.save(context.Background()); err != nil {
			c.logger.Warn("response cache save failed", "error", err)
		}
	})
}

// save serializes state, trimming to MaxEntries by least recent use.
func (c *Cache) save(ctx context.Context) error {
	c.mu.Lock()
	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, *e)
	}
	asks := make(map[string]int, len(c.asks))
	for k, v := range c.asks {
		asks[k] = v
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastUsed.Equal(entries[j].LastUsed) {
			return entries[i].LastUsed.After(entries[j].LastUsed)
		}
		return entries[i].Question < entries[j].Question
	})
	if len(entries) > MaxEntries {
		trimmed := entries[MaxEntries:]
		entries = entries[:MaxEntries]
		c.mu.Lock()
		for i := range trimmed {
			delete(c.entries, tokenize.Normalize(trimmed[i].Question))
		}
		c.mu.Unlock()
	}

	payload, err := json.Marshal(state{Version: storageVersion, Entries: entries, Asks: asks})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, storageKey, string(payload))
}

var numberedItem = regexp.MustCompile(`(?:^|\s)\d+[.)]\s`)

// interrogatives mark question clauses when splitting compound questions.
var interrogatives = []string{"what", "when", "where", "which", "why", "how", "who", "can", "could", "should", "does", "is "}

// IsCompoundQuestion reports whether text asks more than one question:
// multiple question marks, a numbered list, or two interrogative clauses
// joined by a connective.
func IsCompoundQuestion(text string) bool {
	if strings.Count(text, "?") > 1 {
		return true
	}
	if len(numberedItem.FindAllString(text, 2)) >= 2 {
		return true
	}

	lower := strings.ToLower(text)
	for _, conn := range []string{" and ", " also ", "; "} {
		parts := strings.Split(lower, conn)
		if len(parts) < 2 {
			continue
		}
		clauses := 0
		for _, p := range parts {
			for _, q := range interrogatives {
				if strings.HasPrefix(strings.TrimSpace(p), q) {
					clauses++
					break
				}
			}
		}
		if clauses >= 2 {
			return true
		}
	}
	return false
}
