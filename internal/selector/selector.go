// Package selector builds a token-budgeted context for a goal: it scores
// candidate slices from the vault, applies policy filters, packs a budget
// deterministically, and fingerprints the final selection.
//
// For fixed inputs the output order and hash are reproducible across runs:
// every sort has an explicit total order and no step depends on wall-clock
// beyond the candidates' own timestamps.
package selector

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/recallkit/recall/internal/tokenize"
	"github.com/recallkit/recall/internal/vault"
)

// Kind discriminates context slice types.
type Kind string

const (
	KindFact       Kind = "fact"
	KindMessage    Kind = "message"
	KindNote       Kind = "note"
	KindPreference Kind = "preference"
)

// Tuning constants.
const (
	// AlwaysIncludeThreshold forces slices at or above this priority into
	// the selection regardless of budget competition.
	AlwaysIncludeThreshold = 0.95

	// DefaultAlpha weights the heuristic semantic score against keyword
	// overlap.
	DefaultAlpha = 0.7

	// priorityBoostMax caps the relevance boost earned from priority.
	priorityBoostMax = 0.20

	// DefaultTokenBudget bounds the packed context size.
	DefaultTokenBudget = 1500

	// DefaultIncludePII admits slices up to this sensitivity level.
	DefaultIncludePII = 2

	// RecentMessageCount is how many recent messages become candidates.
	RecentMessageCount = 10

	// messagePriority and messagePII apply to all message slices.
	messagePriority = 0.5
	messagePII      = 1

	// hashLength is the truncated hex length of the selection fingerprint.
	hashLength = 12

	// hashTextPrefix is how much slice text feeds the fingerprint.
	hashTextPrefix = 20
)

// Slice is one scored, budgeted unit of retrievable context.
type Slice struct {
	ID        string
	Kind      Kind
	Text      string
	Priority  float64 // base importance in [0,1]
	Tokens    int
	PII       int // 0 public … 3 highly sensitive
	Consent   string
	Score     float64 // recomputed per query
	Category  string
	Predicate string
	Decay     float64 // relevance decay multiplier; 0 means unset
	Role      string
	UpdatedAt time.Time
}

// Options controls a selection call.
type Options struct {
	TokenBudget    int
	IncludePII     int
	RespectConsent bool
	Alpha          float64
}

// DefaultOptions returns the standard selection options.
func DefaultOptions() Options {
	return Options{
		TokenBudget:    DefaultTokenBudget,
		IncludePII:     DefaultIncludePII,
		RespectConsent: true,
		Alpha:          DefaultAlpha,
	}
}

func (o Options) normalized() Options {
	if o.TokenBudget <= 0 {
		o.TokenBudget = DefaultTokenBudget
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = DefaultAlpha
	}
	if o.IncludePII < 0 {
		o.IncludePII = 0
	}
	if o.IncludePII > 3 {
		o.IncludePII = 3
	}
	return o
}

// Meta describes a selection result.
type Meta struct {
	Hash           string
	TotalTokens    int
	Goal           string
	Timestamp      time.Time
	Considered     int
	AlwaysIncluded int
}

// Result is the packed context.
type Result struct {
	Slices []Slice
	Meta   Meta
}

// Selector scores and packs context slices from a vault.
type Selector struct {
	vault  vault.Vault
	logger *slog.Logger
}

// New creates a Selector over v.
func New(v vault.Vault, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{vault: v, logger: logger}
}

// Select builds the context for goal. Steps run strictly in order:
// gather, score, policy-filter, partition, sort, pack, hash.
func (s *Selector) Select(ctx context.Context, goal, userID string, opts Options) (*Result, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("empty goal")
	}
	opts = opts.normalized()

	candidates, err := s.gather(ctx, userID)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		candidates[i].Score = scoreSlice(goal, &candidates[i], opts.Alpha)
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if c.PII > opts.IncludePII {
			continue
		}
		if opts.RespectConsent && c.Consent == vault.ConsentNeverUpload {
			continue
		}
		kept = append(kept, c)
	}

	var alwaysInclude, ranked []Slice
	for _, c := range kept {
		if c.Priority >= AlwaysIncludeThreshold {
			alwaysInclude = append(alwaysInclude, c)
		} else {
			ranked = append(ranked, c)
		}
	}

	sortRanked(alwaysInclude)
	sortRanked(ranked)

	selected := pack(append(alwaysInclude, ranked...), opts.TokenBudget)

	totalTokens := 0
	for _, sl := range selected {
		totalTokens += sl.Tokens
	}

	return &Result{
		Slices: selected,
		Meta: Meta{
			Hash:           Hash(selected),
			TotalTokens:    totalTokens,
			Goal:           goal,
			Timestamp:      time.Now().UTC(),
			Considered:     len(candidates),
			AlwaysIncluded: len(alwaysInclude),
		},
	}, nil
}

// gather turns vault facts and recent messages into candidate slices.
func (s *Selector) gather(ctx context.Context, userID string) ([]Slice, error) {
	facts, err := s.vault.AllFacts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gathering facts: %w", err)
	}
	msgs, err := s.vault.RecentMessages(ctx, userID, RecentMessageCount)
	if err != nil {
		return nil, fmt.Errorf("gathering messages: %w", err)
	}

	slices := make([]Slice, 0, len(facts)+len(msgs))
	for _, f := range facts {
		text := f.Text()
		kind := KindFact
		if f.Category == "preference" {
			kind = KindPreference
		}
		slices = append(slices, Slice{
			ID:        f.ID,
			Kind:      kind,
			Text:      text,
			Priority:  f.Confidence,
			Tokens:    tokenize.EstimateTokens(text),
			PII:       f.PIILevel,
			Consent:   f.ConsentScope,
			Category:  f.Category,
			Predicate: f.Predicate,
			Decay:     s.vault.FactRelevance(f),
			UpdatedAt: f.UpdatedAt,
		})
	}
	for _, m := range msgs {
		slices = append(slices, Slice{
			ID:        m.ID,
			Kind:      KindMessage,
			Text:      m.Content,
			Priority:  messagePriority,
			Tokens:    tokenize.EstimateTokens(m.Content),
			PII:       messagePII,
			Consent:   vault.ConsentDefault,
			Role:      m.Role,
			UpdatedAt: m.CreatedAt,
		})
	}
	return slices, nil
}

// scoreSlice computes alpha-weighted relevance: a heuristic semantic score
// blended with Jaccard keyword overlap, multiplied by the decay factor,
// then boosted up to 20% by priority.
//
// The semantic component is deliberately a cheap, explainable heuristic
// (containment plus category/predicate matches), not an embedding
// similarity: selection must work offline with no model in the loop.
func scoreSlice(goal string, sl *Slice, alpha float64) float64 {
	semantic := heuristicSemantic(goal, sl)
	keyword := tokenize.JaccardText(goal, sl.Text)

	score := alpha*semantic + (1-alpha)*keyword

	if sl.Decay > 0 {
		score *= sl.Decay
	}
	score *= 1 + priorityBoostMax*sl.Priority
	return score
}

// heuristicSemantic scores containment and metadata keyword matches.
// Range [0,1].
func heuristicSemantic(goal string, sl *Slice) float64 {
	goalLower := strings.ToLower(goal)
	goalTokens := tokenize.TokenSet(goal)

	score := 0.0

	// Containment bonus: the slice's object/text appearing inside the
	// goal (or vice versa) is a strong signal.
	textLower := strings.ToLower(strings.TrimSpace(sl.Text))
	if textLower != "" &&
		(strings.Contains(goalLower, textLower) || strings.Contains(textLower, goalLower)) {
		score += 0.6
	} else {
		// Partial containment: any individual slice token inside the goal.
		for tok := range tokenize.TokenSet(sl.Text) {
			if _, ok := goalTokens[tok]; ok {
				score += 0.3
				break
			}
		}
	}

	// Category/predicate matches against the goal.
	for _, field := range []string{sl.Category, sl.Predicate} {
		for tok := range tokenize.TokenSet(field) {
			if _, ok := goalTokens[tok]; ok {
				score += 0.2
				break
			}
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// sortRanked orders slices by priority descending, then recency
// descending, then ID ascending. Total and reproducible.
func sortRanked(slices []Slice) {
	sort.SliceStable(slices, func(i, j int) bool {
		if slices[i].Priority != slices[j].Priority {
			return slices[i].Priority > slices[j].Priority
		}
		if !slices[i].UpdatedAt.Equal(slices[j].UpdatedAt) {
			return slices[i].UpdatedAt.After(slices[j].UpdatedAt)
		}
		return slices[i].ID < slices[j].ID
	})
}

// pack greedily fills the token budget in sequence order. The single
// allowed overflow: a first candidate that alone exceeds the budget is
// still included when it carries always-include priority, and packing
// stops there.
func pack(sequence []Slice, budget int) []Slice {
	var selected []Slice
	used := 0
	for i, sl := range sequence {
		if used+sl.Tokens <= budget {
			selected = append(selected, sl)
			used += sl.Tokens
			continue
		}
		if i == 0 && sl.Priority >= AlwaysIncludeThreshold {
			selected = append(selected, sl)
			break
		}
	}
	return selected
}

// Hash fingerprints a selection: slices sorted by ID, rendered as
// "id:text-prefix" pairs joined by "|", SHA-256, first 12 hex chars.
// The same selection always yields the same hash.
func Hash(slices []Slice) string {
	ids := make([]Slice, len(slices))
	copy(ids, slices)
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })

	parts := make([]string, len(ids))
	for i, sl := range ids {
		prefix := sl.Text
		if len(prefix) > hashTextPrefix {
			prefix = prefix[:hashTextPrefix]
		}
		parts[i] = sl.ID + ":" + prefix
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", sum)[:hashLength]
}
