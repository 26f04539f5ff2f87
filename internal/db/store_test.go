package db

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/marketbrief/internal/config"
)

func openMemory(t *testing.T) *Client {
	t.Helper()
	c, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite3", Path: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSessionLifecycle(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	s := &Session{Prompt: "Tell me about Acme Corp (ACM)", Mode: "sequential"}
	require.NoError(t, c.CreateSession(ctx, s))
	assert.NotEmpty(t, s.ID)

	got, err := c.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, s.Prompt, got.Prompt)

	require.NoError(t, c.UpdateSessionStatus(ctx, s.ID, StatusRunning))
	got, err = c.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	_, err = c.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.UpdateSessionStatus(ctx, "missing", StatusError), ErrNotFound)
}

func TestEventsKeepAppendOrder(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()
	s := &Session{Prompt: "p", Mode: "sequential"}
	require.NoError(t, c.CreateSession(ctx, s))

	for i, typ := range []string{"session_created", "task_planned", "agent_started", "run_finished"} {
		e := &Event{SessionID: s.ID, Seq: int64(i), Type: typ, Payload: JSONText(`{"i":` + string(rune('0'+i)) + `}`)}
		require.NoError(t, c.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Ordinal)
	}

	events, err := c.ListEvents(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "session_created", events[0].Type)
	assert.Equal(t, "run_finished", events[3].Type)
	assert.JSONEq(t, `{"i":3}`, string(events[3].Payload))

	raw, err := json.Marshal(events[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":{"i":1}`)

	empty, err := c.ListEvents(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReplaceTasks(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()
	s := &Session{Prompt: "p", Mode: "hierarchical"}
	require.NoError(t, c.CreateSession(ctx, s))

	require.NoError(t, c.ReplaceTasks(ctx, s.ID, []Task{
		{Agent: "NewsResearcher", Title: "news", Status: "planned"},
		{Agent: "FinancialAnalyst", Title: "fin", Status: "planned"},
		{Agent: "ReportWriter", Title: "report", Status: "planned"},
	}))
	// A re-run replaces the list.
	require.NoError(t, c.ReplaceTasks(ctx, s.ID, []Task{
		{Agent: "Manager", Title: "manage", Status: "planned"},
		{Agent: "NewsResearcher", Title: "news", Status: "planned"},
		{Agent: "ReportWriter", Title: "report", Status: "planned"},
	}))

	tasks, err := c.ListTasks(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "Manager", tasks[0].Agent)
	assert.Equal(t, "ReportWriter", tasks[2].Agent)
}

func TestUpsertReport(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()
	s := &Session{Prompt: "p", Mode: "sequential"}
	require.NoError(t, c.CreateSession(ctx, s))

	_, err := c.GetReport(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.UpsertReport(ctx, &Report{SessionID: s.ID, Markdown: "# one", Sources: JSONText(`[]`)}))
	require.NoError(t, c.UpsertReport(ctx, &Report{SessionID: s.ID, Markdown: "# two", Sources: JSONText(`[{"title":"t","url":"https://x"}]`)}))

	r, err := c.GetReport(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "# two", r.Markdown)
	assert.JSONEq(t, `[{"title":"t","url":"https://x"}]`, string(r.Sources))
}

func TestAppendEventPostgresPlaceholders(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	c := NewClient(sqlx.NewDb(mockDB, "postgres"), zaptest.NewLogger(t))
	fixed := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(ordinal), 0) FROM events WHERE session_id = $1`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO events (id, session_id, ordinal, seq, type, payload_json, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`)).
		WithArgs(sqlmock.AnyArg(), "s1", int64(5), int64(2), "agent_started", `{"agent":"NewsResearcher"}`, fixed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e := &Event{SessionID: "s1", Seq: 2, Type: "agent_started", Payload: JSONText(`{"agent":"NewsResearcher"}`)}
	require.NoError(t, c.AppendEvent(context.Background(), e))
	assert.Equal(t, int64(5), e.Ordinal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJSONText(t *testing.T) {
	v, err := JSONText(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "null", v)

	_, err = JSONText(`{bad`).Value()
	assert.Error(t, err)

	var j JSONText
	require.NoError(t, j.Scan("[1]"))
	assert.Equal(t, "[1]", string(j))
	assert.Error(t, j.Scan(42))
}
