// Package index maintains the local search index over messages and facts:
// an in-memory inverted keyword index, an embedding list for semantic
// search, and relational maps by session, category, and user.
//
// The index is a disposable projection of the vault. Snapshots persist
// through the kv substrate with debounced writes; a missing or corrupt
// snapshot loads as an empty index and can be rebuilt from the vault.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/recallkit/recall/internal/embed"
	"github.com/recallkit/recall/internal/kv"
	"github.com/recallkit/recall/internal/tokenize"
	"github.com/recallkit/recall/internal/vault"
)

// Kind discriminates indexed entity types.
type Kind string

const (
	KindMessage Kind = "message"
	KindFact    Kind = "fact"
)

// SaveDebounce coalesces snapshot writes during bursty indexing.
const SaveDebounce = 5 * time.Second

// snapshotKey is the kv key holding the serialized index.
const snapshotKey = "index:snapshot"

// rebuildMessageLimit bounds how much conversation history a full rebuild
// pulls back into the index.
const rebuildMessageLimit = 1000

// Embedder is the slice of the embedding provider the index needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Entry is one indexed entity.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result is a scored index hit.
type Result struct {
	ID     string
	Kind   Kind
	Text   string
	Score  float64
	Source string // "local_keyword" or "local_semantic"
}

// Scope restricts a search to a user, session, or category.
// Zero-value fields match everything.
type Scope struct {
	UserID    string
	SessionID string
	Category  string
}

func (s Scope) matches(e *Entry) bool {
	if s.UserID != "" && e.UserID != s.UserID {
		return false
	}
	if s.SessionID != "" && e.SessionID != s.SessionID {
		return false
	}
	if s.Category != "" && e.Category != s.Category {
		return false
	}
	return true
}

// Stats holds index observability counts.
type Stats struct {
	Entries       int
	Messages      int
	Facts         int
	KeywordTokens int
	Embedded      int
}

// Manager owns the index maps. All map access is mutex-guarded; searches
// may interleave with indexing and observe a partially updated index,
// which is acceptable for a derived cache.
type Manager struct {
	mu         sync.RWMutex
	byID       map[string]*Entry
	byKeyword  map[string]map[string]struct{}
	bySession  map[string]map[string]struct{}
	byCategory map[string]map[string]struct{}
	byUser     map[string]map[string]struct{}
	embeddings []embed.Candidate // purged then re-appended on re-index

	embedder Embedder
	store    kv.Store
	logger   *slog.Logger

	saveMu    sync.Mutex
	saveTimer *time.Timer
	dirty     bool
	debounce  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithDebounce overrides the snapshot debounce interval (testing).
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) { m.debounce = d }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty index backed by store, embedding through e.
// Both may be nil: a nil store disables persistence, a nil embedder
// disables semantic indexing and search.
func NewManager(store kv.Store, e Embedder, opts ...Option) *Manager {
	m := &Manager{
		byID:       make(map[string]*Entry),
		byKeyword:  make(map[string]map[string]struct{}),
		bySession:  make(map[string]map[string]struct{}),
		byCategory: make(map[string]map[string]struct{}),
		byUser:     make(map[string]map[string]struct{}),
		embedder:   e,
		store:      store,
		logger:     slog.Default(),
		debounce:   SaveDebounce,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IndexMessage adds or replaces a message in the index.
// With withEmbedding set and an embedder configured, the message text is
// embedded; embedding failure degrades to keyword-only indexing.
func (m *Manager) IndexMessage(ctx context.Context, msg *vault.Message, withEmbedding bool) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	e := &Entry{
		ID:        msg.ID,
		Kind:      KindMessage,
		Text:      msg.Content,
		UserID:    msg.UserID,
		SessionID: msg.SessionID,
		UpdatedAt: msg.CreatedAt,
	}
	m.embedInto(ctx, e, withEmbedding)
	m.put(e)
	m.markDirty()
	return nil
}

// IndexFact adds or replaces a fact in the index.
func (m *Manager) IndexFact(ctx context.Context, f *vault.Fact, withEmbedding bool) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e := &Entry{
		ID:        f.ID,
		Kind:      KindFact,
		Text:      f.Text(),
		UserID:    f.UserID,
		Category:  f.Category,
		UpdatedAt: f.UpdatedAt,
	}
	m.embedInto(ctx, e, withEmbedding)
	m.put(e)
	m.markDirty()
	return nil
}

// IndexMessages batch-indexes messages. Individual failures are logged and
// skipped; the batch continues.
func (m *Manager) IndexMessages(ctx context.Context, msgs []*vault.Message, withEmbedding bool) int {
	indexed := 0
	for _, msg := range msgs {
		if err := m.IndexMessage(ctx, msg, withEmbedding); err != nil {
			m.logger.Warn("skipping message in batch index", "id", msg.ID, "error", err)
			continue
		}
		indexed++
	}
	return indexed
}

// IndexFacts batch-indexes facts. Individual failures are logged and
// skipped; the batch continues.
func (m *Manager) IndexFacts(ctx context.Context, facts []*vault.Fact, withEmbedding bool) int {
	indexed := 0
	for _, f := range facts {
		if err := m.IndexFact(ctx, f, withEmbedding); err != nil {
			m.logger.Warn("skipping fact in batch index", "id", f.ID, "error", err)
			continue
		}
		indexed++
	}
	return indexed
}

func (m *Manager) embedInto(ctx context.Context, e *Entry, withEmbedding bool) {
	if !withEmbedding || m.embedder == nil {
		return
	}
	vec, err := m.embedder.Embed(ctx, e.Text)
	if err != nil {
		// Semantic path unavailable; keyword indexing still proceeds.
		m.logger.Warn("embedding failed, indexing keyword-only", "id", e.ID, "error", err)
		return
	}
	e.Embedding = vec
}

// put installs an entry in every map, purging any previous version first so
// the embedding list never holds duplicate vectors for one ID.
func (m *Manager) put(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(e.ID)

	m.byID[e.ID] = e
	for _, tok := range tokenize.Tokenize(e.Text) {
		set, ok := m.byKeyword[tok]
		if !ok {
			set = make(map[string]struct{})
			m.byKeyword[tok] = set
		}
		set[e.ID] = struct{}{}
	}
	addRelation(m.bySession, e.SessionID, e.ID)
	addRelation(m.byCategory, e.Category, e.ID)
	addRelation(m.byUser, e.UserID, e.ID)
	if len(e.Embedding) > 0 {
		m.embeddings = append(m.embeddings, embed.Candidate{ID: e.ID, Vector: e.Embedding})
	}
}

// Remove deletes an entry from all maps. Removing an unknown ID is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, ok := m.byID[id]
	if ok {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	if ok {
		m.markDirty()
	}
}

func (m *Manager) removeLocked(id string) {
	old, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	for _, tok := range tokenize.Tokenize(old.Text) {
		if set, ok := m.byKeyword[tok]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byKeyword, tok)
			}
		}
	}
	dropRelation(m.bySession, old.SessionID, id)
	dropRelation(m.byCategory, old.Category, id)
	dropRelation(m.byUser, old.UserID, id)

	// Filter-then-append: purge the old vector before any re-add.
	kept := m.embeddings[:0]
	for _, c := range m.embeddings {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	m.embeddings = kept
}

func addRelation(rel map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := rel[key]
	if !ok {
		set = make(map[string]struct{})
		rel[key] = set
	}
	set[id] = struct{}{}
}

func dropRelation(rel map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if set, ok := rel[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(rel, key)
		}
	}
}

// SearchKeyword scores entries by the fraction of query tokens they match.
// Results are scope-filtered, sorted by score descending (ties by ID
// ascending), and truncated to limit.
func (m *Manager) SearchKeyword(query string, scope Scope, limit int) []Result {
	tokens := tokenize.Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make(map[string]int)
	for _, tok := range tokens {
		for id := range m.byKeyword[tok] {
			hits[id]++
		}
	}

	results := make([]Result, 0, len(hits))
	for id, count := range hits {
		e, ok := m.byID[id]
		if !ok || !scope.matches(e) {
			continue
		}
		results = append(results, Result{
			ID:     e.ID,
			Kind:   e.Kind,
			Text:   e.Text,
			Score:  float64(count) / float64(len(tokens)),
			Source: "local_keyword",
		})
	}

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// SearchSemantic embeds the query and ranks scope-filtered entries by
// cosine similarity. An embedding failure propagates so callers can fall
// back to keyword-only search.
func (m *Manager) SearchSemantic(ctx context.Context, query string, scope Scope, limit int, threshold float64) ([]Result, error) {
	if m.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	if limit <= 0 {
		limit = 10
	}

	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	m.mu.RLock()
	candidates := make([]embed.Candidate, 0, len(m.embeddings))
	for _, c := range m.embeddings {
		if e, ok := m.byID[c.ID]; ok && scope.matches(e) {
			candidates = append(candidates, c)
		}
	}
	m.mu.RUnlock()

	matches := embed.FindMostSimilar(queryVec, candidates, limit, threshold)

	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		e, ok := m.byID[match.ID]
		if !ok {
			continue
		}
		results = append(results, Result{
			ID:     e.ID,
			Kind:   e.Kind,
			Text:   e.Text,
			Score:  match.Similarity,
			Source: "local_semantic",
		})
	}
	return results, nil
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

// Get returns the indexed entry for id, or nil.
func (m *Manager) Get(id string) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// Len returns the number of indexed entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Stats reports index size counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Entries:       len(m.byID),
		KeywordTokens: len(m.byKeyword),
		Embedded:      len(m.embeddings),
	}
	for _, e := range m.byID {
		switch e.Kind {
		case KindMessage:
			s.Messages++
		case KindFact:
			s.Facts++
		}
	}
	return s
}

// Clear empties the index and deletes the persisted snapshot.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.byID = make(map[string]*Entry)
	m.byKeyword = make(map[string]map[string]struct{})
	m.bySession = make(map[string]map[string]struct{})
	m.byCategory = make(map[string]map[string]struct{})
	m.byUser = make(map[string]map[string]struct{})
	m.embeddings = nil
	m.mu.Unlock()

	m.saveMu.Lock()
	m.dirty = false
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()

	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, snapshotKey); err != nil {
		return fmt.Errorf("deleting index snapshot: %w", err)
	}
	return nil
}

// Rebuild repopulates the index from the vault, proving the index is a
// disposable projection. The existing contents are discarded first.
func (m *Manager) Rebuild(ctx context.Context, v vault.Vault, userID string, withEmbedding bool) error {
	if err := m.Clear(ctx); err != nil {
		return err
	}

	facts, err := v.AllFacts(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading facts for rebuild: %w", err)
	}
	m.IndexFacts(ctx, facts, withEmbedding)

	msgs, err := v.RecentMessages(ctx, userID, rebuildMessageLimit)
	if err != nil {
		return fmt.Errorf("loading messages for rebuild: %w", err)
	}
	m.IndexMessages(ctx, msgs, withEmbedding)

	return m.Save(ctx)
}

// snapshot is the serialized index form. Only byID entries are stored;
// keyword, relational, and embedding structures are derived and rebuilt
// on load.
type snapshot struct {
	Version int      `json:"version"`
	Entries []*Entry `json:"entries"`
}

// Save writes the snapshot now and clears the dirty flag.
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.mu.RLock()
	snap := snapshot{Version: 1, Entries: make([]*Entry, 0, len(m.byID))}
	for _, e := range m.byID {
		snap.Entries = append(snap.Entries, e)
	}
	m.mu.RUnlock()

	// Deterministic snapshot bytes for a given index state.
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling index snapshot: %w", err)
	}
	if err := m.store.Set(ctx, snapshotKey, string(data)); err != nil {
		return fmt.Errorf("writing index snapshot: %w", err)
	}

	m.saveMu.Lock()
	m.dirty = false
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()
	return nil
}

// Load reconstructs the index from the persisted snapshot. A missing or
// corrupt snapshot is not an error: the index simply starts empty.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	data, err := m.store.Get(ctx, snapshotKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading index snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		m.logger.Warn("corrupt index snapshot, starting empty", "error", err)
		return nil
	}

	for _, e := range snap.Entries {
		if e.ID == "" {
			continue
		}
		m.put(e)
	}
	return nil
}

// markDirty schedules a debounced snapshot write. Repeated calls within
// the debounce window coalesce into a single save.
func (m *Manager) markDirty() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.dirtyLocked()
}

func (m *Manager) dirtyLocked() {
	m.dirty = true
	if m.store == nil || m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(m.debounce, func() {
		m.saveMu.Lock()
		m.saveTimer = nil
		dirty := m.dirty
		m.saveMu.Unlock()
		if !dirty {
			return
		}
		if err := m.Save(context.Background()); err != nil {
			m.logger.Warn("debounced index save failed", "error", err)
		}
	})
}

// Flush cancels any pending debounce timer and writes the snapshot if the
// index is dirty. Call before shutdown.
func (m *Manager) Flush(ctx context.Context) error {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	dirty := m.dirty
	m.saveMu.Unlock()

	if !dirty {
		return nil
	}
	return m.Save(ctx)
}
