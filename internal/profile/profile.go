// Package profile keeps a local-first mirror of per-user profile data.
//
// Reads always prefer the local store; the remote copy is consulted only
// when the profile has never been seen locally. Writes land locally and
// are pushed to the remote side on Sync, so the assistant keeps working
// with a stale or absent backend.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recallkit/recall/internal/kv"
	"github.com/recallkit/recall/internal/remote"
)

// Profile is the user-level context carried across sessions.
type Profile struct {
	UserID      string            `json:"user_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RemoteStore is the remote profile surface the cache mirrors against.
type RemoteStore interface {
	FetchProfile(ctx context.Context, userID string) (string, error)
	PushProfile(ctx context.Context, userID, payload string) error
}

// Cache is the local-first profile store. A nil remote disables mirroring
// entirely; everything then lives in the local kv store.
type Cache struct {
	store  kv.Store
	remote RemoteStore
	logger *slog.Logger

	mu    sync.Mutex
	dirty map[string]bool
}

// New creates a profile cache over store. remote may be nil.
func New(store kv.Store, rc RemoteStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, remote: rc, logger: logger, dirty: make(map[string]bool)}
}

func storageKey(userID string) string { return "profile:" + userID }

// Get returns the profile for userID. Local data wins; a local miss falls
// through to the remote store once, caching whatever it returns.
// kv.ErrNotFound means the profile exists nowhere.
func (c *Cache) Get(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}

	raw, err := c.store.Get(ctx, storageKey(userID))
	switch {
	case err == nil:
		return decode(raw)
	case !errors.Is(err, kv.ErrNotFound):
		return nil, fmt.Errorf("reading local profile: %w", err)
	}

	if c.remote == nil {
		return nil, kv.ErrNotFound
	}

	payload, err := c.remote.FetchProfile(ctx, userID)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		// Remote unreachable and nothing local: surface the miss, not
		// the transport error, so callers treat it like a new user.
		c.logger.Warn("remote profile fetch failed", "user", userID, "error", err)
		return nil, kv.ErrNotFound
	}

	p, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, storageKey(userID), payload); err != nil {
		c.logger.Warn("caching fetched profile failed", "user", userID, "error", err)
	}
	return p, nil
}

// Put stores p locally and marks it for the next Sync.
func (c *Cache) Put(ctx context.Context, p *Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("profile missing user id")
	}
	p.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}
	if err := c.store.Set(ctx, storageKey(p.UserID), string(payload)); err != nil {
		return fmt.Errorf("storing profile: %w", err)
	}

	c.mu.Lock()
	c.dirty[p.UserID] = true
	c.mu.Unlock()
	return nil
}

// SetPreference updates one preference key, creating the profile if absent.
func (c *Cache) SetPreference(ctx context.Context, userID, key, value string) error {
	p, err := c.Get(ctx, userID)
	if errors.Is(err, kv.ErrNotFound) {
		p = &Profile{UserID: userID}
	} else if err != nil {
		return err
	}
	if p.Preferences == nil {
		p.Preferences = make(map[string]string)
	}
	p.Preferences[key] = value
	return c.Put(ctx, p)
}

// Sync pushes locally modified profiles to the remote store. Push
// failures keep the profile dirty for the next attempt; Sync itself only
// errors when the local store is unreadable.
func (c *Cache) Sync(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}

	c.mu.Lock()
	pending := make([]string, 0, len(c.dirty))
	for userID := range c.dirty {
		pending = append(pending, userID)
	}
	c.mu.Unlock()

	for _, userID := range pending {
		raw, err := c.store.Get(ctx, storageKey(userID))
		if errors.Is(err, kv.ErrNotFound) {
			c.clearDirty(userID)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading profile %s for sync: %w", userID, err)
		}
		if err := c.remote.PushProfile(ctx, userID, raw); err != nil {
			c.logger.Warn("profile push failed, will retry", "user", userID, "error", err)
			continue
		}
		c.clearDirty(userID)
	}
	return nil
}

// DirtyCount reports how many profiles await a push.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

func (c *Cache) clearDirty(userID string) {
	c.mu.Lock()
	delete(c.dirty, userID)
	c.mu.Unlock()
}

func decode(payload string) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &p, nil
}
