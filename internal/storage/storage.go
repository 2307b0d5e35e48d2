// Package storage provides the session store: a SQLite-backed persistence
// layer exposing SQL-shaped session and message tables alongside a generic
// path-keyed document store for everything else (tool-call parts, todo
// lists) that the persistence contract leaves implementation-defined.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// Storage is the session store. Writes are serialized per lock domain (see
// lockFor): appends within one session queue behind each other, but
// sessions never wait on one another in-process. SQLite itself still takes
// a database-level write lock for the instant of each commit; the DSN's
// busy timeout absorbs that contention instead of surfacing "database is
// locked" errors. Reads run lock-free - WAL readers never block on writers.
type Storage struct {
	db *sql.DB

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// lockFor returns the mutex serializing writes for path's lock domain: the
// first two path elements. That makes message appends per-session, part
// writes per-message, and session updates per-project.
func (s *Storage) lockFor(path []string) *sync.Mutex {
	domain := strings.Join(path, "/")
	if len(path) > 2 {
		domain = strings.Join(path[:2], "/")
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[domain]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[domain] = mu
	}
	return mu
}

// New opens (creating if necessary) a SQLite-backed store at basePath. For
// compatibility with callers that pass a directory (the historical file
// store took a directory root), a trailing "conductor.db" is used when
// basePath does not already name a .db file.
func New(basePath string) *Storage {
	dbPath := basePath
	if !strings.HasSuffix(dbPath, ".db") {
		dbPath = filepath.Join(basePath, "conductor.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return &Storage{db: nil}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		// New has no error return in its historical signature; defer the
		// failure to the first operation instead of panicking at startup.
		return &Storage{db: nil}
	}
	// A small pool: WAL lets readers run alongside a writer, and the busy
	// timeout covers the brief window two domains commit at once.
	db.SetMaxOpenConns(4)

	if err := migrate(db); err != nil {
		db.Close()
		return &Storage{db: nil}
	}

	return &Storage{db: db, locks: make(map[string]*sync.Mutex)}
}

func (s *Storage) ready() error {
	if s.db == nil {
		return fmt.Errorf("storage: database not initialized")
	}
	return nil
}

func dirKey(path []string) (dir, key string) {
	if len(path) == 0 {
		return "", ""
	}
	return strings.Join(path[:len(path)-1], "/"), path[len(path)-1]
}

// Get retrieves a value from the document store.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	if err := s.ready(); err != nil {
		return err
	}

	dir, key := dirKey(path)
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE dir = ? AND key = ?`, dir, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Put stores a value in the document store, additionally projecting it into
// the sessions/messages relational tables when path identifies one.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	if err := s.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dir, key := dirKey(path)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (dir, key, data, updated_at) VALUES (?, ?, ?, strftime('%s','now'))
		ON CONFLICT(dir, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, dir, key, data); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}

	if len(path) >= 1 {
		switch path[0] {
		case "session":
			if err := upsertSession(ctx, tx, key, data); err != nil {
				return err
			}
		case "message":
			if err := upsertMessage(ctx, tx, key, data); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// upsertSession projects a Session's well-known columns into the sessions
// table. Unrecognized/future fields still round-trip through the documents
// blob, so projection failures here never lose data, only the derived
// columns used for SQL-shaped queries.
func upsertSession(ctx context.Context, tx *sql.Tx, id string, raw []byte) error {
	var s struct {
		ID             string `json:"id"`
		ProjectID      string `json:"projectID"`
		Directory      string `json:"directory"`
		Title          string `json:"title"`
		ProviderName   string `json:"providerName"`
		ModelName      string `json:"modelName"`
		LastTokenUsage any    `json:"lastTokenUsage"`
		Time           struct {
			Created int64 `json:"created"`
		} `json:"time"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil // not a Session-shaped document; leave relational columns untouched
	}
	if s.ID == "" {
		s.ID = id
	}
	providerName := s.ProviderName
	if providerName == "" {
		providerName = "unknown"
	}
	modelName := s.ModelName
	if modelName == "" {
		modelName = "unknown"
	}
	tokenUsage, _ := json.Marshal(s.LastTokenUsage)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, title, provider_name, model_name, last_token_usage, working_directory, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			provider_name = excluded.provider_name,
			model_name = excluded.model_name,
			last_token_usage = excluded.last_token_usage,
			working_directory = excluded.working_directory,
			data = excluded.data
	`, s.ID, s.ProjectID, s.Title, providerName, modelName, string(tokenUsage), s.Directory, s.Time.Created, raw)
	return err
}

func upsertMessage(ctx context.Context, tx *sql.Tx, id string, raw []byte) error {
	var m struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
		Seq       int64  `json:"seq"`
		Role      string `json:"role"`
		Time      struct {
			Created int64 `json:"created"`
		} `json:"time"`
		Tokens *struct {
			Input  int `json:"input"`
			Output int `json:"output"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	if m.ID == "" {
		m.ID = id
	}
	var inputTokens, outputTokens int
	if m.Tokens != nil {
		inputTokens, outputTokens = m.Tokens.Input, m.Tokens.Output
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, input_tokens, output_tokens, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			seq = excluded.seq,
			role = excluded.role,
			content = excluded.content,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			data = excluded.data
	`, m.ID, m.SessionID, m.Seq, m.Role, string(raw), inputTokens, outputTokens, m.Time.Created, raw)
	return err
}

// Delete removes a value from the document store (and, if it identified a
// session or message, the mirrored relational row).
func (s *Storage) Delete(ctx context.Context, path []string) error {
	if err := s.ready(); err != nil {
		return err
	}
	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	dir, key := dirKey(path)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE dir = ? AND key = ?`, dir, key); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if len(path) >= 1 {
		switch path[0] {
		case "session":
			s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, key)
		case "message":
			s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, key)
		}
	}
	return nil
}

// List returns the distinct child keys one level below path: both
// sub-directories (other dirs prefixed by this one) and leaf document keys
// stored directly at this dir.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	prefix := strings.Join(path, "/")

	seen := make(map[string]bool)
	var items []string

	addChild := func(dir string) {
		rest := strings.TrimPrefix(dir, prefix)
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return
		}
		child := strings.SplitN(rest, "/", 2)[0]
		if !seen[child] {
			seen[child] = true
			items = append(items, child)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT dir FROM documents WHERE dir = ? OR dir LIKE ?`, prefix, prefix+"/%")
	if err != nil {
		return nil, fmt.Errorf("failed to list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, err
		}
		if dir == prefix {
			// Leaf keys directly under this dir are themselves children.
			keyRows, err := s.db.QueryContext(ctx, `SELECT key FROM documents WHERE dir = ?`, prefix)
			if err != nil {
				return nil, err
			}
			for keyRows.Next() {
				var key string
				if err := keyRows.Scan(&key); err == nil && !seen[key] {
					seen[key] = true
					items = append(items, key)
				}
			}
			keyRows.Close()
			continue
		}
		addChild(dir)
	}
	return items, rows.Err()
}

// Scan iterates over all documents stored directly at path.
func (s *Storage) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, data FROM documents WHERE dir = ? ORDER BY key`, strings.Join(path, "/"))
	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return err
		}
		if err := fn(key, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Exists checks if a path exists in the document store.
func (s *Storage) Exists(ctx context.Context, path []string) bool {
	if err := s.ready(); err != nil {
		return false
	}

	dir, key := dirKey(path)
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE dir = ? AND key = ?`, dir, key).Scan(&one)
	return err == nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
