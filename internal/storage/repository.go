package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// GenerateID returns a new random primary key.
func GenerateID() string {
	return uuid.NewString()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
