package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateSession inserts s, filling ID and CreatedAt when empty.
func (c *Client) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.now().UTC()
	}
	if s.Status == "" {
		s.Status = StatusCreated
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, prompt, mode, status) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.CreatedAt, s.Prompt, s.Mode, s.Status)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns ErrNotFound for unknown ids.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := c.db.GetContext(ctx, &s, `SELECT id, created_at, prompt, mode, status FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// UpdateSessionStatus sets the lifecycle status.
func (c *Client) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent stores e after the session's last event, assigning ID and
// Ordinal.
func (c *Client) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = JSONText("{}")
	}
	return c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var last int64
		if err := tx.GetContext(ctx, &last,
			tx.Rebind(`SELECT COALESCE(MAX(ordinal), 0) FROM events WHERE session_id = ?`), e.SessionID); err != nil {
			return fmt.Errorf("read last ordinal: %w", err)
		}
		e.Ordinal = last + 1
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO events (id, session_id, ordinal, seq, type, payload_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.SessionID, e.Ordinal, e.Seq, e.Type, e.Payload, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

// ListEvents returns a session's events in append order.
func (c *Client) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	events := []Event{}
	err := c.db.SelectContext(ctx, &events,
		`SELECT id, session_id, ordinal, seq, type, payload_json, created_at FROM events WHERE session_id = ? ORDER BY ordinal ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// ReplaceTasks swaps the session's task list for tasks, in order.
func (c *Client) ReplaceTasks(ctx context.Context, sessionID string, tasks []Task) error {
	now := c.now().UTC()
	return c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE session_id = ?`), sessionID); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		insert := tx.Rebind(`INSERT INTO tasks (id, session_id, position, agent, title, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		for i := range tasks {
			t := &tasks[i]
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			t.SessionID = sessionID
			t.Position = i
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			if _, err := tx.ExecContext(ctx, insert, t.ID, sessionID, t.Position, t.Agent, t.Title, t.Status, t.CreatedAt); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		}
		return nil
	})
}

// ListTasks returns tasks in plan order.
func (c *Client) ListTasks(ctx context.Context, sessionID string) ([]Task, error) {
	tasks := []Task{}
	err := c.db.SelectContext(ctx, &tasks,
		`SELECT id, session_id, position, agent, title, status, created_at FROM tasks WHERE session_id = ? ORDER BY position ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// UpsertReport replaces any earlier report of the session.
func (c *Client) UpsertReport(ctx context.Context, r *Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO reports (session_id, markdown, sources_json, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			markdown = excluded.markdown,
			sources_json = excluded.sources_json,
			created_at = excluded.created_at`,
		r.SessionID, r.Markdown, r.Sources, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport returns ErrNotFound when the session has no report yet.
func (c *Client) GetReport(ctx context.Context, sessionID string) (*Report, error) {
	var r Report
	err := c.db.GetContext(ctx, &r,
		`SELECT session_id, markdown, sources_json, created_at FROM reports WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &r, nil
}
