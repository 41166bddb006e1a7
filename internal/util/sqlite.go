package util

import (
	"database/sql"
	"time"
)

// SQLiteTimestamp formats a time for storage in SQLite TEXT columns,
// matching the format datetime('now') produces.
func SQLiteTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// ParseSQLiteTimestamp parses a SQLite timestamp.
func ParseSQLiteTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02 15:04:05", s)
}

// TimeFromSQLite parses a SQLite timestamp, returning the zero time on
// malformed input.
func TimeFromSQLite(s string) time.Time {
	t, _ := ParseSQLiteTimestamp(s)
	return t
}

// NullTimeFromSQLite converts a nullable SQLite timestamp column value.
func NullTimeFromSQLite(s sql.NullString) sql.NullTime {
	if !s.Valid {
		return sql.NullTime{}
	}
	t, err := ParseSQLiteTimestamp(s.String)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
