package vault

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Stats holds observability counts for the vault.
type Stats struct {
	FactCount      int64
	DeletedFacts   int64
	MessageCount   int64
	SessionCount   int64
	DBSizeBytes    int64
}

// SQLiteVault implements Vault on SQLite.
type SQLiteVault struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens a vault database at path.
// Pass ":memory:" for in-memory databases (testing).
func Open(path string) (*SQLiteVault, error) {
	if path == "" {
		return nil, fmt.Errorf("empty vault path")
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating vault directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging vault database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	v := &SQLiteVault{db: db, dbPath: path}
	if err := v.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running vault migrations: %w", err)
	}
	return v, nil
}

// DB exposes the underlying handle so the kv table can share the file.
func (v *SQLiteVault) DB() *sql.DB { return v.db }

// Close closes the database connection.
func (v *SQLiteVault) Close() error { return v.db.Close() }

func (v *SQLiteVault) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			category      TEXT NOT NULL,
			predicate     TEXT NOT NULL,
			object        TEXT NOT NULL,
			confidence    REAL NOT NULL DEFAULT 1.0,
			pii_level     INTEGER NOT NULL DEFAULT 0,
			consent_scope TEXT NOT NULL DEFAULT 'default',
			updated_at    TIMESTAMP NOT NULL,
			deleted_at    TIMESTAMP,
			UNIQUE(user_id, category, predicate)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_user ON facts(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := v.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

// UpsertFact inserts or updates a fact keyed by (user, category, predicate).
// An upsert revives a tombstoned fact. Returns the stored fact with its ID
// and timestamp populated.
func (v *SQLiteVault) UpsertFact(ctx context.Context, f *Fact) (*Fact, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.ConsentScope == "" {
		f.ConsentScope = ConsentDefault
	}
	now := time.Now().UTC()

	_, err := v.db.ExecContext(ctx,
		`INSERT INTO facts (id, user_id, category, predicate, object, confidence, pii_level, consent_scope, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(user_id, category, predicate) DO UPDATE SET
			object = excluded.object,
			confidence = excluded.confidence,
			pii_level = excluded.pii_level,
			consent_scope = excluded.consent_scope,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		f.ID, f.UserID, f.Category, f.Predicate, f.Object,
		f.Confidence, f.PIILevel, f.ConsentScope, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting fact: %w", err)
	}

	// The conflict path keeps the original row ID; read it back.
	stored := &Fact{}
	err = v.db.QueryRowContext(ctx,
		`SELECT id, user_id, category, predicate, object, confidence, pii_level, consent_scope, updated_at
		 FROM facts WHERE user_id = ? AND category = ? AND predicate = ?`,
		f.UserID, f.Category, f.Predicate,
	).Scan(&stored.ID, &stored.UserID, &stored.Category, &stored.Predicate,
		&stored.Object, &stored.Confidence, &stored.PIILevel, &stored.ConsentScope, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reading back fact: %w", err)
	}
	return stored, nil
}

// AllFacts returns the live (non-tombstoned) facts for a user.
func (v *SQLiteVault) AllFacts(ctx context.Context, userID string) ([]*Fact, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, user_id, category, predicate, object, confidence, pii_level, consent_scope, updated_at
		 FROM facts WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY updated_at DESC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f := &Fact{}
		if err := rows.Scan(&f.ID, &f.UserID, &f.Category, &f.Predicate, &f.Object,
			&f.Confidence, &f.PIILevel, &f.ConsentScope, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// GetFact returns a live fact by key, or nil when absent or tombstoned.
func (v *SQLiteVault) GetFact(ctx context.Context, userID, category, predicate string) (*Fact, error) {
	f := &Fact{}
	err := v.db.QueryRowContext(ctx,
		`SELECT id, user_id, category, predicate, object, confidence, pii_level, consent_scope, updated_at
		 FROM facts WHERE user_id = ? AND category = ? AND predicate = ? AND deleted_at IS NULL`,
		userID, category, predicate,
	).Scan(&f.ID, &f.UserID, &f.Category, &f.Predicate, &f.Object,
		&f.Confidence, &f.PIILevel, &f.ConsentScope, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting fact: %w", err)
	}
	return f, nil
}

// DeleteFact tombstones a fact (soft delete). Hard deletes when hard=true.
func (v *SQLiteVault) DeleteFact(ctx context.Context, userID, category, predicate string, hard bool) error {
	var err error
	if hard {
		_, err = v.db.ExecContext(ctx,
			`DELETE FROM facts WHERE user_id = ? AND category = ? AND predicate = ?`,
			userID, category, predicate)
	} else {
		_, err = v.db.ExecContext(ctx,
			`UPDATE facts SET deleted_at = ? WHERE user_id = ? AND category = ? AND predicate = ?`,
			time.Now().UTC(), userID, category, predicate)
	}
	if err != nil {
		return fmt.Errorf("deleting fact: %w", err)
	}
	return nil
}

// AddMessage appends a message. Messages are never mutated after creation.
func (v *SQLiteVault) AddMessage(ctx context.Context, m *Message) (*Message, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := v.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, user_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.UserID, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// RecentMessages returns the user's n most recent messages, newest first.
func (v *SQLiteVault) RecentMessages(ctx context.Context, userID string, n int) ([]*Message, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, created_at
		 FROM messages WHERE user_id = ?
		 ORDER BY created_at DESC, id ASC LIMIT ?`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SessionMessages returns all messages of a session in chronological order.
func (v *SQLiteVault) SessionMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// FactRelevance returns the time-decayed relevance of f.
func (v *SQLiteVault) FactRelevance(f *Fact) float64 {
	return Relevance(f, time.Now().UTC())
}

// Stats reports row counts and database size.
func (v *SQLiteVault) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	queries := []struct {
		sql string
		dst *int64
	}{
		{"SELECT COUNT(*) FROM facts WHERE deleted_at IS NULL", &s.FactCount},
		{"SELECT COUNT(*) FROM facts WHERE deleted_at IS NOT NULL", &s.DeletedFacts},
		{"SELECT COUNT(*) FROM messages", &s.MessageCount},
		{"SELECT COUNT(DISTINCT session_id) FROM messages", &s.SessionCount},
	}
	for _, q := range queries {
		if err := v.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
	}
	if v.dbPath != ":memory:" {
		if info, err := os.Stat(v.dbPath); err == nil {
			s.DBSizeBytes = info.Size()
		}
	}
	return s, nil
}
