package db

import (
	"database/sql"
)

// DecisionRecord is one row of the approval audit trail
type DecisionRecord struct {
	RequestID string
	SessionID string
	ToolName  string
	Decision  string
	DecidedBy string
	Remember  bool
	CreatedAt int64
}

// InsertDecision records an applied approval decision. The first write for a
// request id wins; replays from reconnecting clients are ignored.
func InsertDecision(rec DecisionRecord) error {
	_, err := Run(
		`INSERT OR IGNORE INTO approval_decisions
		 (request_id, session_id, tool_name, decision, decided_by, remember, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.ToolName, rec.Decision, rec.DecidedBy,
		boolToInt(rec.Remember), nowMs(),
	)
	return err
}

// ListDecisions returns the whole approval trail, oldest first within each
// session. Startup restoration groups the rows by session id.
func ListDecisions() ([]DecisionRecord, error) {
	return Select(
		`SELECT request_id, session_id, tool_name, decision, decided_by, remember, created_at
		 FROM approval_decisions ORDER BY session_id, created_at ASC`,
		nil,
		func(rows *sql.Rows) (DecisionRecord, error) {
			var rec DecisionRecord
			var remember int
			err := rows.Scan(&rec.RequestID, &rec.SessionID, &rec.ToolName,
				&rec.Decision, &rec.DecidedBy, &remember, &rec.CreatedAt)
			rec.Remember = remember != 0
			return rec, err
		},
	)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
