package db

import (
	"database/sql"
)

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "Session state and approval decision tables",
		Up:          migration001_sessions,
	})
}

func migration001_sessions(database *sql.DB) error {
	tx, err := database.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Per-session console state. Sessions themselves live in the CLI's JSONL
	// files; this table only carries state the console adds on top.
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS console_sessions (
			session_id           TEXT PRIMARY KEY,
			archived_at          INTEGER,
			last_read_count      INTEGER NOT NULL DEFAULT 0,
			permission_mode      TEXT NOT NULL DEFAULT '',
			always_allowed_tools TEXT NOT NULL DEFAULT '[]',
			custom_title         TEXT NOT NULL DEFAULT '',
			updated_at           INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return err
	}

	// Audit trail of permission and input decisions
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS approval_decisions (
			request_id  TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			tool_name   TEXT NOT NULL DEFAULT '',
			decision    TEXT NOT NULL,
			decided_by  TEXT NOT NULL,
			remember    INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_approval_decisions_session
		ON approval_decisions (session_id, created_at)
	`); err != nil {
		return err
	}

	return tx.Commit()
}
