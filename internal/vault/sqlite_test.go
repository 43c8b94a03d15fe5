package vault

import (
	"context"
	"testing"
	"time"
)

func testVault(t *testing.T) *SQLiteVault {
	t.Helper()
	v, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestUpsertFactKeyedByUserCategoryPredicate(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	first, err := v.UpsertFact(ctx, &Fact{
		UserID: "u1", Category: "location", Predicate: "city",
		Object: "Austin", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second, err := v.UpsertFact(ctx, &Fact{
		UserID: "u1", Category: "location", Predicate: "city",
		Object: "Dallas", Confidence: 0.95,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("upsert created a new row: %s vs %s", first.ID, second.ID)
	}
	if second.Object != "Dallas" {
		t.Fatalf("object not updated: %q", second.Object)
	}

	facts, err := v.AllFacts(ctx, "u1")
	if err != nil {
		t.Fatalf("all facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
}

func TestUpsertFactValidation(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	bad := []*Fact{
		{Category: "c", Predicate: "p", Object: "o"},                                       // no user
		{UserID: "u", Predicate: "p", Object: "o"},                                         // no category
		{UserID: "u", Category: "c", Object: "o"},                                          // no predicate
		{UserID: "u", Category: "c", Predicate: "p", Object: "o", Confidence: 1.5},         // bad confidence
		{UserID: "u", Category: "c", Predicate: "p", Object: "o", PIILevel: 7},             // bad pii
	}
	for i, f := range bad {
		if _, err := v.UpsertFact(ctx, f); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestDeleteFactSoftAndHard(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	if _, err := v.UpsertFact(ctx, &Fact{
		UserID: "u1", Category: "diet", Predicate: "preference", Object: "vegetarian", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Soft delete tombstones the fact.
	if err := v.DeleteFact(ctx, "u1", "diet", "preference", false); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if f, _ := v.GetFact(ctx, "u1", "diet", "preference"); f != nil {
		t.Fatal("tombstoned fact still visible")
	}
	stats, _ := v.Stats(ctx)
	if stats.DeletedFacts != 1 {
		t.Fatalf("expected 1 tombstone, got %d", stats.DeletedFacts)
	}

	// Upsert revives the tombstone.
	if _, err := v.UpsertFact(ctx, &Fact{
		UserID: "u1", Category: "diet", Predicate: "preference", Object: "vegan", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("revive: %v", err)
	}
	f, _ := v.GetFact(ctx, "u1", "diet", "preference")
	if f == nil || f.Object != "vegan" {
		t.Fatalf("revived fact wrong: %+v", f)
	}

	// Hard delete removes the row entirely.
	if err := v.DeleteFact(ctx, "u1", "diet", "preference", true); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	stats, _ = v.Stats(ctx)
	if stats.FactCount != 0 || stats.DeletedFacts != 0 {
		t.Fatalf("hard delete left rows: %+v", stats)
	}
}

func TestMessagesAppendOnlyAndRecent(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		_, err := v.AddMessage(ctx, &Message{
			SessionID: "s1", UserID: "u1", Role: "user",
			Content:   "message content",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	recent, err := v.RecentMessages(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 10 {
		t.Fatalf("expected 10 recent messages, got %d", len(recent))
	}
	// Newest first.
	for i := 1; i < len(recent); i++ {
		if recent[i].CreatedAt.After(recent[i-1].CreatedAt) {
			t.Fatal("recent messages not newest-first")
		}
	}

	session, err := v.SessionMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(session) != 15 {
		t.Fatalf("expected 15 session messages, got %d", len(session))
	}
}

func TestFactText(t *testing.T) {
	f := &Fact{Category: "location", Predicate: "city", Object: "Austin"}
	if got := f.Text(); got != "location city Austin" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestRelevanceDecay(t *testing.T) {
	now := time.Now().UTC()

	fresh := &Fact{UpdatedAt: now}
	if r := Relevance(fresh, now); r != 1.0 {
		t.Fatalf("fresh fact relevance = %v, want 1.0", r)
	}

	old := &Fact{UpdatedAt: now.AddDate(0, 0, -30)}
	r := Relevance(old, now)
	if r >= 1.0 || r < minRelevance {
		t.Fatalf("30-day relevance out of range: %v", r)
	}

	ancient := &Fact{UpdatedAt: now.AddDate(-2, 0, 0)}
	if r := Relevance(ancient, now); r != minRelevance {
		t.Fatalf("ancient fact should floor at %v, got %v", minRelevance, r)
	}

	unset := &Fact{}
	if r := Relevance(unset, now); r != 1.0 {
		t.Fatalf("zero UpdatedAt should score 1.0, got %v", r)
	}
}
