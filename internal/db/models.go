package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("db: not found")

// Session statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// JSONText is a JSON document stored in a TEXT column.
type JSONText json.RawMessage

// Value implements the driver.Valuer interface
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("invalid JSON in JSONText")
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONText) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = JSONText("null")
	case []byte:
		*j = append(JSONText(nil), v...)
	case string:
		*j = JSONText(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONText", value)
	}
	return nil
}

// MarshalJSON keeps the stored document as-is.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores a copy of the raw document.
func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// Session is one orchestration run request.
type Session struct {
	ID        string    `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Prompt    string    `db:"prompt" json:"prompt"`
	Mode      string    `db:"mode" json:"mode"`
	Status    string    `db:"status" json:"status"`
}

// Task is a materialized plan entry.
type Task struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Position  int       `db:"position" json:"-"`
	Agent     string    `db:"agent" json:"agent"`
	Title     string    `db:"title" json:"title"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Event is a persisted event row. Ordinal is the per-session append order;
// Seq is the run-local sequence (0 for session-level events).
type Event struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Ordinal   int64     `db:"ordinal" json:"ordinal"`
	Seq       int64     `db:"seq" json:"seq"`
	Type      string    `db:"type" json:"type"`
	Payload   JSONText  `db:"payload_json" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Report is the latest report of a session.
type Report struct {
	SessionID string    `db:"session_id" json:"session_id"`
	Markdown  string    `db:"markdown" json:"markdown"`
	Sources   JSONText  `db:"sources_json" json:"sources"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
