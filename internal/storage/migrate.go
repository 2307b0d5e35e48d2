package storage

import "database/sql"

// migrate brings the schema up to date. Migrations are forward-only: we
// never drop or rename a column, only add what's missing, so a store built
// by an older binary keeps working unmodified (a Session row persisted
// before a column existed reads back with the zero value for that column,
// never an error).
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			provider_name TEXT NOT NULL DEFAULT 'unknown',
			model_name TEXT NOT NULL DEFAULT 'unknown',
			last_token_usage TEXT NOT NULL DEFAULT '{}',
			working_directory TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			role TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,
		// documents backs the generic path-keyed Get/Put/Delete/List/Scan API
		// used for everything the persistence contract leaves
		// implementation-defined: tool-call parts, todo lists, and similar
		// session-scoped documents that don't need their own relational shape.
		`CREATE TABLE IF NOT EXISTS documents (
			dir TEXT NOT NULL,
			key TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (dir, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return ensureColumns(db)
}

// ensureColumns adds columns introduced by later schema revisions to a store
// opened against an older database file. Each entry here documents one
// forward-only migration step.
func ensureColumns(db *sql.DB) error {
	type col struct {
		table, name, decl string
	}
	// no additional columns yet; new revisions append here, e.g.:
	// {"sessions", "agent_name", "TEXT NOT NULL DEFAULT ''"},
	var cols []col

	for _, c := range cols {
		has, err := hasColumn(db, c.table, c.name)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := db.Exec("ALTER TABLE " + c.table + " ADD COLUMN " + c.name + " " + c.decl); err != nil {
			return err
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
