// Package vault stores the durable facts and messages that context
// selection draws from.
//
// The vault is the source of truth: the local search index and the response
// cache are disposable projections that can always be rebuilt from here.
package vault

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Consent scopes.
const (
	ConsentDefault     = "default"
	ConsentNeverUpload = "never_upload"
)

// DefaultDecayRate controls how fast fact relevance fades per day.
const DefaultDecayRate = 0.01

// minRelevance floors decayed relevance so old facts stay retrievable.
const minRelevance = 0.2

// Fact is a durable statement about the user, keyed by (user, category,
// predicate). PIILevel runs 0 (public) to 3 (highly sensitive).
type Fact struct {
	ID           string
	UserID       string
	Category     string
	Predicate    string
	Object       string
	Confidence   float64
	PIILevel     int
	ConsentScope string
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Text renders the fact for indexing and scoring.
func (f *Fact) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{f.Category, f.Predicate, f.Object} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Validate checks the fact at the ingestion boundary.
func (f *Fact) Validate() error {
	if strings.TrimSpace(f.UserID) == "" {
		return fmt.Errorf("fact missing user id")
	}
	if strings.TrimSpace(f.Category) == "" {
		return fmt.Errorf("fact missing category")
	}
	if strings.TrimSpace(f.Predicate) == "" {
		return fmt.Errorf("fact missing predicate")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("fact confidence %v out of range [0,1]", f.Confidence)
	}
	if f.PIILevel < 0 || f.PIILevel > 3 {
		return fmt.Errorf("fact pii level %d out of range [0,3]", f.PIILevel)
	}
	return nil
}

// Message is one turn of a conversation. Append-only within a session;
// never mutated after creation.
type Message struct {
	ID        string
	SessionID string
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Validate checks the message at the ingestion boundary.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("message missing session id")
	}
	if strings.TrimSpace(m.Role) == "" {
		return fmt.Errorf("message missing role")
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("message missing content")
	}
	return nil
}

// Vault supplies candidate facts and messages for context selection.
type Vault interface {
	AllFacts(ctx context.Context, userID string) ([]*Fact, error)
	RecentMessages(ctx context.Context, userID string, n int) ([]*Message, error)
	FactRelevance(f *Fact) float64
}

// Relevance computes exponential time decay for a fact as of now.
// A fact updated today scores 1.0; relevance floors at 0.2 so aged facts
// never fully disappear from ranking.
func Relevance(f *Fact, now time.Time) float64 {
	if f.UpdatedAt.IsZero() {
		return 1.0
	}
	ageDays := now.Sub(f.UpdatedAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	r := math.Exp(-DefaultDecayRate * ageDays)
	if r < minRelevance {
		return minRelevance
	}
	return r
}
