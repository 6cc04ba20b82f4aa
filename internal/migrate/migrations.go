package migrate

import (
	"database/sql"
	"fmt"
	"sort"
)

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "001_core",
		UpSQL: `
CREATE TABLE orders (
	id TEXT PRIMARY KEY,
	creator_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	rate TEXT NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	completed_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	order_id TEXT REFERENCES orders(id),
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	normalized_target TEXT NOT NULL,
	rate TEXT NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	remaining_slots INTEGER NOT NULL CHECK (remaining_slots >= 0),
	completed_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	approval_status TEXT NOT NULL,
	excluded_user_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (remaining_slots + completed_count <= quantity)
);
CREATE INDEX ix_tasks_order ON tasks(order_id);
CREATE INDEX ix_tasks_dup_guard ON tasks(kind, normalized_target);

CREATE TABLE executions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	reserved_at TEXT NOT NULL,
	deadline TEXT NOT NULL,
	submitted_at TEXT,
	proof TEXT,
	reviewer_id TEXT,
	reviewed_at TEXT,
	reject_reason TEXT,
	reward TEXT
);
CREATE UNIQUE INDEX ux_executions_active ON executions(task_id, user_id)
	WHERE status IN ('pending','submitted');
CREATE INDEX ix_executions_user_status ON executions(user_id, status);
CREATE INDEX ix_executions_due ON executions(status, deadline);

CREATE TABLE accounts (
	id TEXT PRIMARY KEY,
	balance TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE ledger_entries (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	amount TEXT NOT NULL,
	reason TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	processed_by TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX ix_ledger_account ON ledger_entries(account_id, created_at);

CREATE TABLE events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	type TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id TEXT,
	actor_id TEXT NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE INDEX ix_events_entity ON events(entity_kind, entity_id);
`,
	},
	{
		Version: 2,
		Name:    "002_api_keys",
		UpSQL: `
CREATE TABLE api_keys (
	id TEXT PRIMARY KEY,
	actor_id TEXT NOT NULL,
	name TEXT,
	key_hash TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);
`,
	},
}

// Migrate applies migrations in order through a schema_version marker.
func Migrate(db *sql.DB) error {
	ms := make([]Migration, len(migrations))
	copy(ms, migrations)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range ms {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}
