package db

import (
	"database/sql"

	"github.com/xiaoyuanzhu-com/claude-console/config"
)

// Typed query helpers over the shared connection. Scanners map rows onto
// domain structs so callers never touch *sql.Rows bookkeeping.

func logQuery(kind, query string, args []any) {
	if !config.Get().DBLogQueries {
		return
	}
	logger.Debug().
		Str("kind", kind).
		Str("sql", query).
		Interface("args", args).
		Msg("db query")
}

// Select runs a query returning any number of rows.
func Select[T any](query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	logQuery("select", query, args)

	rows, err := GetDB().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SelectOne runs a query expected to return at most one row. A miss returns
// nil without error.
func SelectOne[T any](query string, args []any, scan func(*sql.Row) (T, error)) (*T, error) {
	logQuery("get", query, args)

	result, err := scan(GetDB().QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Run executes an INSERT, UPDATE or DELETE.
func Run(query string, args ...any) (sql.Result, error) {
	logQuery("run", query, args)
	return GetDB().Exec(query, args...)
}
