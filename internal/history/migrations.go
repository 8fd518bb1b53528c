package history

import (
	migrate "github.com/rubenv/sql-migrate"
)

const migrationTable = "podmon_migrations"

// schema returns the migrations for a driver. The two dialects only differ in
// key and timestamp column types.
func schema(driver string) *migrate.MemoryMigrationSource {
	serial, timestamp := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if driver == "postgres" {
		serial, timestamp = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}

	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "0001_history",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS change_events (
						seq ` + serial + `,
						id TEXT NOT NULL UNIQUE,
						cycle_id TEXT NOT NULL DEFAULT '',
						kind TEXT NOT NULL,
						subject_kind TEXT NOT NULL,
						namespace TEXT NOT NULL DEFAULT '',
						name TEXT NOT NULL,
						old_value TEXT NOT NULL DEFAULT '',
						new_value TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL DEFAULT '',
						occurred_at ` + timestamp + ` NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_change_events_occurred_at ON change_events (occurred_at)`,
					`CREATE INDEX IF NOT EXISTS idx_change_events_subject ON change_events (namespace, name)`,
					`CREATE TABLE IF NOT EXISTS snapshots (
						seq ` + serial + `,
						kind TEXT NOT NULL,
						taken_at ` + timestamp + ` NOT NULL,
						payload TEXT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_snapshots_kind_seq ON snapshots (kind, seq)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS snapshots`,
					`DROP TABLE IF EXISTS change_events`,
				},
			},
			{
				Id: "0002_dispatches_settings",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS dispatches (
						seq ` + serial + `,
						event_id TEXT NOT NULL DEFAULT '',
						event_kind TEXT NOT NULL DEFAULT '',
						subject TEXT NOT NULL DEFAULT '',
						channel TEXT NOT NULL,
						success BOOLEAN NOT NULL,
						attempts INTEGER NOT NULL,
						reason TEXT NOT NULL DEFAULT '',
						sent_at ` + timestamp + ` NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_dispatches_sent_at ON dispatches (sent_at)`,
					`CREATE TABLE IF NOT EXISTS settings (
						key TEXT PRIMARY KEY,
						value TEXT NOT NULL,
						updated_at ` + timestamp + ` NOT NULL
					)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS settings`,
					`DROP TABLE IF EXISTS dispatches`,
				},
			},
		},
	}
}
