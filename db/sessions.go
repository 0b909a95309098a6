package db

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SessionRecord carries the console-side state for one session. The transcript
// itself lives in the CLI's JSONL file; this row only adds what the console
// layers on top (archive flag, read position, permission prefs, custom title).
type SessionRecord struct {
	SessionID          string
	ArchivedAt         *int64
	LastReadCount      int
	PermissionMode     string
	AlwaysAllowedTools []string
	CustomTitle        string
	UpdatedAt          int64
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func scanSessionRecord(row interface{ Scan(...any) error }) (SessionRecord, error) {
	var rec SessionRecord
	var toolsJSON string
	err := row.Scan(
		&rec.SessionID,
		&rec.ArchivedAt,
		&rec.LastReadCount,
		&rec.PermissionMode,
		&toolsJSON,
		&rec.CustomTitle,
		&rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(toolsJSON), &rec.AlwaysAllowedTools); err != nil {
		rec.AlwaysAllowedTools = nil
	}
	return rec, nil
}

// GetSessionRecord returns the console state for a session, or nil if none exists
func GetSessionRecord(sessionID string) (*SessionRecord, error) {
	return SelectOne(
		`SELECT session_id, archived_at, last_read_count, permission_mode,
		        always_allowed_tools, custom_title, updated_at
		 FROM console_sessions WHERE session_id = ?`,
		[]any{sessionID},
		func(row *sql.Row) (SessionRecord, error) { return scanSessionRecord(row) },
	)
}

// ListSessionRecords returns every persisted session row, so startup can fold
// console state into the in-memory store with a single query.
func ListSessionRecords() ([]SessionRecord, error) {
	return Select(
		`SELECT session_id, archived_at, last_read_count, permission_mode,
		        always_allowed_tools, custom_title, updated_at
		 FROM console_sessions`,
		nil,
		func(rows *sql.Rows) (SessionRecord, error) { return scanSessionRecord(rows) },
	)
}

// ensureSessionRow inserts an empty row for the session if none exists
func ensureSessionRow(sessionID string) error {
	_, err := Run(
		`INSERT OR IGNORE INTO console_sessions (session_id, updated_at) VALUES (?, ?)`,
		sessionID, nowMs(),
	)
	return err
}

// ArchiveSession marks a session as archived
func ArchiveSession(sessionID string) error {
	if err := ensureSessionRow(sessionID); err != nil {
		return err
	}
	now := nowMs()
	_, err := Run(
		`UPDATE console_sessions SET archived_at = ?, updated_at = ? WHERE session_id = ?`,
		now, now, sessionID,
	)
	return err
}

// UnarchiveSession clears the archived mark
func UnarchiveSession(sessionID string) error {
	_, err := Run(
		`UPDATE console_sessions SET archived_at = NULL, updated_at = ? WHERE session_id = ?`,
		nowMs(), sessionID,
	)
	return err
}

// SetSessionPermissionMode persists the permission mode used for live runs
func SetSessionPermissionMode(sessionID, mode string) error {
	if err := ensureSessionRow(sessionID); err != nil {
		return err
	}
	_, err := Run(
		`UPDATE console_sessions SET permission_mode = ?, updated_at = ? WHERE session_id = ?`,
		mode, nowMs(), sessionID,
	)
	return err
}

// AddAlwaysAllowedTool appends a tool name to the session's always-allow list
func AddAlwaysAllowedTool(sessionID, toolName string) error {
	rec, err := GetSessionRecord(sessionID)
	if err != nil {
		return err
	}

	var tools []string
	if rec != nil {
		tools = rec.AlwaysAllowedTools
	}
	for _, t := range tools {
		if t == toolName {
			return nil
		}
	}
	tools = append(tools, toolName)

	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return err
	}

	if err := ensureSessionRow(sessionID); err != nil {
		return err
	}
	_, err = Run(
		`UPDATE console_sessions SET always_allowed_tools = ?, updated_at = ? WHERE session_id = ?`,
		string(toolsJSON), nowMs(), sessionID,
	)
	return err
}

// SetSessionCustomTitle persists a user- or LLM-provided title
func SetSessionCustomTitle(sessionID, title string) error {
	if err := ensureSessionRow(sessionID); err != nil {
		return err
	}
	_, err := Run(
		`UPDATE console_sessions SET custom_title = ?, updated_at = ? WHERE session_id = ?`,
		title, nowMs(), sessionID,
	)
	return err
}

// SetSessionLastReadCount records how far the user has read into the transcript
func SetSessionLastReadCount(sessionID string, count int) error {
	if err := ensureSessionRow(sessionID); err != nil {
		return err
	}
	_, err := Run(
		`UPDATE console_sessions SET last_read_count = ?, updated_at = ? WHERE session_id = ?`,
		count, nowMs(), sessionID,
	)
	return err
}
