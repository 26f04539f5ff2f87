package session

import (
	"encoding/json"
	"errors"

	"github.com/Kocoro-lab/marketbrief/internal/db"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRequest wraps create-time validation failures.
	ErrInvalidRequest = errors.New("invalid session request")
)

// Session-level events recorded outside a run.
const (
	EventSessionCreated = "session_created"
	EventRunRequested   = "run_requested"
)

// MinPromptLength is the shortest accepted prompt.
const MinPromptLength = 3

// Detail is the read model returned by Get.
type Detail struct {
	db.Session
	Tasks          []db.Task       `json:"tasks"`
	ReportMarkdown *string         `json:"report_markdown"`
	ReportSources  json.RawMessage `json:"report_sources"`
}
