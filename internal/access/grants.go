package access

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Effect is the outcome of a per-user permission override.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Override is a persistent per-user permission adjustment applied on top
// of the role table when a session is created.
type Override struct {
	UserID     string    `json:"user_id"`
	Permission string    `json:"permission"`
	Effect     Effect    `json:"effect"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GrantStore persists permission overrides.
type GrantStore interface {
	Overrides(userID string) ([]Override, error)
	SetOverride(o Override) error
	Close() error
}

const grantsSchema = `
CREATE TABLE IF NOT EXISTS permission_overrides (
	user_id TEXT NOT NULL,
	permission TEXT NOT NULL,
	effect TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, permission)
);

CREATE INDEX IF NOT EXISTS idx_overrides_user ON permission_overrides(user_id);
`

// SQLiteGrants stores overrides in a SQLite database.
type SQLiteGrants struct {
	db *sql.DB
}

// OpenSQLiteGrants opens (or creates) the grants database. An empty path
// opens a private in-memory database.
func OpenSQLiteGrants(dbPath string) (*SQLiteGrants, error) {
	dsn := dbPath
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening grants db: %w", err)
	}
	if dbPath == "" {
		// Every pooled connection to :memory: would see its own database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(grantsSchema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteGrants{db: db}, nil
}

// Overrides returns every override recorded for userID.
func (s *SQLiteGrants) Overrides(userID string) ([]Override, error) {
	rows, err := s.db.Query(
		`SELECT user_id, permission, effect, updated_at FROM permission_overrides WHERE user_id = ? ORDER BY permission`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying overrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Override
	for rows.Next() {
		var o Override
		var effect, updated string
		if err := rows.Scan(&o.UserID, &o.Permission, &effect, &updated); err != nil {
			return nil, fmt.Errorf("scanning override: %w", err)
		}
		o.Effect = Effect(effect)
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetOverride upserts the override for (user, permission).
func (s *SQLiteGrants) SetOverride(o Override) error {
	_, err := s.db.Exec(
		`INSERT INTO permission_overrides (user_id, permission, effect, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, permission) DO UPDATE SET effect = excluded.effect, updated_at = excluded.updated_at`,
		o.UserID, o.Permission, string(o.Effect), o.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing override: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteGrants) Close() error {
	return s.db.Close()
}

// memoryGrants is the default store when none is configured.
type memoryGrants struct {
	mu   sync.Mutex
	rows map[string]map[string]Override
}

func newMemoryGrants() *memoryGrants {
	return &memoryGrants{rows: make(map[string]map[string]Override)}
}

func (m *memoryGrants) Overrides(userID string) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Override, 0, len(m.rows[userID]))
	for _, o := range m.rows[userID] {
		out = append(out, o)
	}
	return out, nil
}

func (m *memoryGrants) SetOverride(o Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[o.UserID] == nil {
		m.rows[o.UserID] = make(map[string]Override)
	}
	m.rows[o.UserID][o.Permission] = o
	return nil
}

func (m *memoryGrants) Close() error { return nil }
