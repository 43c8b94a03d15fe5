package selector

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/recallkit/recall/internal/tokenize"
	"github.com/recallkit/recall/internal/vault"
)

// memVault is a fixed-content vault for selector tests.
type memVault struct {
	facts []*vault.Fact
	msgs  []*vault.Message
}

func (m *memVault) AllFacts(_ context.Context, _ string) ([]*vault.Fact, error) {
	return m.facts, nil
}

func (m *memVault) RecentMessages(_ context.Context, _ string, n int) ([]*vault.Message, error) {
	if n > 0 && len(m.msgs) > n {
		return m.msgs[:n], nil
	}
	return m.msgs, nil
}

func (m *memVault) FactRelevance(f *vault.Fact) float64 {
	return vault.Relevance(f, time.Now().UTC())
}

func fact(id, category, predicate, object string, confidence float64, pii int) *vault.Fact {
	return &vault.Fact{
		ID:           id,
		UserID:       "u1",
		Category:     category,
		Predicate:    predicate,
		Object:       object,
		Confidence:   confidence,
		PIILevel:     pii,
		ConsentScope: vault.ConsentDefault,
		UpdatedAt:    time.Now().UTC(),
	}
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{12}$`)

func TestSelectWeatherScenario(t *testing.T) {
	v := &memVault{facts: []*vault.Fact{
		fact("f-loc", "location", "city", "Austin", 0.97, 1),
	}}
	s := New(v, nil)

	res, err := s.Select(context.Background(), "What's the weather like today?", "u1", DefaultOptions())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Slices) != 1 || res.Slices[0].ID != "f-loc" {
		t.Fatalf("location fact must be selected, got %+v", res.Slices)
	}
	// Confidence 0.97 clears the always-include threshold.
	if res.Meta.AlwaysIncluded != 1 {
		t.Fatalf("AlwaysIncluded = %d, want 1", res.Meta.AlwaysIncluded)
	}
	want := tokenize.EstimateTokens("location city Austin")
	if res.Meta.TotalTokens != want {
		t.Fatalf("TotalTokens = %d, want %d", res.Meta.TotalTokens, want)
	}
	if !hexHash.MatchString(res.Meta.Hash) {
		t.Fatalf("hash %q is not 12 lowercase hex chars", res.Meta.Hash)
	}
}

func TestSelectEmptyGoal(t *testing.T) {
	s := New(&memVault{}, nil)
	if _, err := s.Select(context.Background(), "  ", "u1", DefaultOptions()); err == nil {
		t.Fatal("empty goal must be rejected")
	}
}

func TestSelectDeterministic(t *testing.T) {
	v := &memVault{
		facts: []*vault.Fact{
			fact("f1", "preference", "editor", "vim", 0.8, 0),
			fact("f2", "work", "project", "billing migration", 0.9, 1),
			fact("f3", "location", "city", "Austin", 0.97, 1),
		},
		msgs: []*vault.Message{
			{ID: "m1", UserID: "u1", Role: "user", Content: "how is the billing migration going", CreatedAt: time.Now().UTC()},
		},
	}
	s := New(v, nil)
	ctx := context.Background()

	first, err := s.Select(ctx, "status of the billing migration project", "u1", DefaultOptions())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 5; i++ {
		next, err := s.Select(ctx, "status of the billing migration project", "u1", DefaultOptions())
		if err != nil {
			t.Fatalf("Select run %d: %v", i, err)
		}
		if next.Meta.Hash != first.Meta.Hash {
			t.Fatalf("hash changed between identical runs: %s vs %s", next.Meta.Hash, first.Meta.Hash)
		}
		if len(next.Slices) != len(first.Slices) {
			t.Fatalf("slice count changed: %d vs %d", len(next.Slices), len(first.Slices))
		}
		for j := range next.Slices {
			if next.Slices[j].ID != first.Slices[j].ID {
				t.Fatalf("order changed at %d: %s vs %s", j, next.Slices[j].ID, first.Slices[j].ID)
			}
		}
	}
}

func TestSelectPIIFilter(t *testing.T) {
	v := &memVault{facts: []*vault.Fact{
		fact("public", "work", "team", "platform", 0.8, 0),
		fact("secret", "health", "condition", "asthma", 0.99, 3),
	}}
	s := New(v, nil)

	res, err := s.Select(context.Background(), "platform team health", "u1", DefaultOptions())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, sl := range res.Slices {
		if sl.ID == "secret" {
			t.Fatal("PII level 3 slice leaked past the default filter (max 2)")
		}
	}

	// Raising the ceiling admits it; always-include does not bypass policy,
	// it only bypasses budget competition.
	opts := DefaultOptions()
	opts.IncludePII = 3
	res, err = s.Select(context.Background(), "platform team health", "u1", opts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	found := false
	for _, sl := range res.Slices {
		if sl.ID == "secret" {
			found = true
		}
	}
	if !found {
		t.Fatal("IncludePII=3 should admit the level-3 slice")
	}
}

func TestSelectConsentFilter(t *testing.T) {
	never := fact("priv", "location", "home", "fifth street", 0.99, 1)
	never.ConsentScope = vault.ConsentNeverUpload
	v := &memVault{facts: []*vault.Fact{
		never,
		fact("ok", "location", "city", "Austin", 0.9, 1),
	}}
	s := New(v, nil)

	res, err := s.Select(context.Background(), "where is home located", "u1", DefaultOptions())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, sl := range res.Slices {
		if sl.ID == "priv" {
			t.Fatal("never_upload slice must be excluded when consent is respected")
		}
	}

	opts := DefaultOptions()
	opts.RespectConsent = false
	res, err = s.Select(context.Background(), "where is home located", "u1", opts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	found := false
	for _, sl := range res.Slices {
		if sl.ID == "priv" {
			found = true
		}
	}
	if !found {
		t.Fatal("RespectConsent=false should admit the never_upload slice")
	}
}

func TestSelectBudgetInvariant(t *testing.T) {
	long := strings.Repeat("migration plan detail ", 30)
	var facts []*vault.Fact
	for i := 0; i < 40; i++ {
		facts = append(facts, fact(fmt.Sprintf("f%02d", i), "work", "note", long, 0.8, 0))
	}
	v := &memVault{facts: facts}
	s := New(v, nil)

	opts := DefaultOptions()
	opts.TokenBudget = 300
	res, err := s.Select(context.Background(), "migration plan", "u1", opts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.Meta.TotalTokens > opts.TokenBudget {
		t.Fatalf("budget exceeded: %d > %d", res.Meta.TotalTokens, opts.TokenBudget)
	}
	if len(res.Slices) == 0 {
		t.Fatal("budget has room for at least one slice")
	}
}

func TestSelectOversizedAlwaysIncludeOverflows(t *testing.T) {
	huge := fact("huge", "work", "charter", strings.Repeat("critical constraint ", 100), 0.99, 0)
	v := &memVault{facts: []*vault.Fact{
		huge,
		fact("small", "work", "note", "minor detail", 0.5, 0),
	}}
	s := New(v, nil)

	opts := DefaultOptions()
	opts.TokenBudget = 50
	res, err := s.Select(context.Background(), "critical constraint charter", "u1", opts)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// The sole sanctioned overflow: the first candidate is always-include
	// and alone exceeds the budget. It goes in and packing stops.
	if len(res.Slices) != 1 || res.Slices[0].ID != "huge" {
		t.Fatalf("oversized always-include slice must be the only selection, got %+v", res.Slices)
	}
	if res.Meta.TotalTokens <= opts.TokenBudget {
		t.Fatal("test setup broken: slice should exceed the budget")
	}
}

func TestSelectAlwaysIncludeWinsOverHigherScoringRanked(t *testing.T) {
	// A mandatory fact irrelevant to the goal still precedes highly
	// relevant ranked slices.
	v := &memVault{facts: []*vault.Fact{
		fact("mandatory", "identity", "name", "Sam", 0.98, 1),
		fact("relevant", "work", "project", "billing migration status report", 0.7, 0),
	}}
	s := New(v, nil)

	res, err := s.Select(context.Background(), "billing migration status report", "u1", DefaultOptions())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Slices) < 2 {
		t.Fatalf("both slices fit the budget, got %+v", res.Slices)
	}
	if res.Slices[0].ID != "mandatory" {
		t.Fatalf("always-include slice must come first, got %s", res.Slices[0].ID)
	}
}

func TestSelectMessagesBecomeCandidates(t *testing.T) {
	v := &memVault{msgs: []*vault.Message{
		{ID: "m1", UserID: "u1", Role: "user", Content: "planning the austin trip itinerary", CreatedAt: time.Now().UTC()},
	}}
	s := New(v, nil)

	res, err := s.Select(context.Background(), "austin trip itinerary planning", "u1", DefaultOptions())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Slices) != 1 {
		t.Fatalf("message should be selected, got %+v", res.Slices)
	}
	got := res.Slices[0]
	if got.Kind != KindMessage || got.Priority != messagePriority || got.PII != messagePII {
		t.Fatalf("message slice defaults wrong: %+v", got)
	}
}

func TestHashIndependentOfOrder(t *testing.T) {
	a := Slice{ID: "a", Text: "alpha"}
	b := Slice{ID: "b", Text: "beta"}
	if Hash([]Slice{a, b}) != Hash([]Slice{b, a}) {
		t.Fatal("hash must not depend on slice order")
	}
	if Hash([]Slice{a, b}) == Hash([]Slice{a}) {
		t.Fatal("different selections must hash differently")
	}
}

func TestHashUsesTextPrefix(t *testing.T) {
	long1 := Slice{ID: "x", Text: strings.Repeat("a", 20) + "tail-one"}
	long2 := Slice{ID: "x", Text: strings.Repeat("a", 20) + "tail-two"}
	if Hash([]Slice{long1}) != Hash([]Slice{long2}) {
		t.Fatal("hash should only consider the first 20 chars of text")
	}
}

func TestScorePriorityBoostCapped(t *testing.T) {
	base := Slice{ID: "s", Text: "billing migration", Priority: 0, Decay: 1}
	boosted := base
	boosted.Priority = 1

	low := scoreSlice("billing migration", &base, DefaultAlpha)
	high := scoreSlice("billing migration", &boosted, DefaultAlpha)
	if high <= low {
		t.Fatal("priority must boost the score")
	}
	if ratio := high / low; ratio > 1.2+1e-9 {
		t.Fatalf("boost exceeds 20%%: ratio %v", ratio)
	}
}

func TestBuildContextString(t *testing.T) {
	slices := []Slice{
		{ID: "p1", Kind: KindPreference, Text: "preference editor vim"},
		{ID: "f1", Kind: KindFact, Text: "location city Austin"},
		{ID: "m1", Kind: KindMessage, Role: "assistant", Text: "sure, booking it now"},
	}
	got := BuildContextString(slices)

	for _, want := range []string{
		"## User preferences\n- preference editor vim",
		"## Known facts\n- location city Austin",
		"## Recent conversation\nassistant: sure, booking it now",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing section %q in:\n%s", want, got)
		}
	}

	if BuildContextString(nil) != "" {
		t.Fatal("empty selection renders empty string")
	}
}
