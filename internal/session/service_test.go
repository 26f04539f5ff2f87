package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/marketbrief/internal/config"
	"github.com/Kocoro-lab/marketbrief/internal/db"
	"github.com/Kocoro-lab/marketbrief/internal/planner"
	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
	"github.com/Kocoro-lab/marketbrief/internal/streaming"
	"github.com/Kocoro-lab/marketbrief/internal/synthesis"
	"github.com/Kocoro-lab/marketbrief/internal/workflow"
)

type fixture struct {
	store  *db.Client
	stream *streaming.Manager
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, func(c *db.Client) Store { return c })
}

// newFixtureWith lets a test wrap the sqlite store the service writes to.
func newFixtureWith(t *testing.T, wrap func(*db.Client) Store) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite3", Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	wrapped := wrap(store)

	runner := workflow.NewRunner(
		planner.New(nil, nil, config.MissingIdentifierOmit, logger),
		retrieval.NewNewsChain(nil, time.Second, logger),
		retrieval.NewFinancialChain(retrieval.FinancialChainConfig{SyntheticFallback: true}, logger),
		synthesis.New(nil, 10, logger),
		workflow.Config{MinSources: 2},
		logger,
	)
	stream := streaming.NewManager(64, logger)
	sink := NewSink(wrapped, stream, logger)
	return &fixture{store: store, stream: stream, svc: NewService(wrapped, sink, runner, logger)}
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "hi", "sequential")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Create(ctx, "Tell me about Acme", "parallel")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	sess, err := f.svc.Create(ctx, "  Tell me about Acme  ", "")
	require.NoError(t, err)
	assert.Equal(t, "Tell me about Acme", sess.Prompt)
	assert.Equal(t, "sequential", sess.Mode)
	assert.Equal(t, db.StatusCreated, sess.Status)

	history, err := f.svc.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, EventSessionCreated, history[0].Type)
}

func TestRunPersistsEventsAndReadModels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Create(ctx, "Tell me about Acme Corp (ACM)", "hierarchical")
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestRun(ctx, sess.ID))

	live := f.stream.Subscribe(sess.ID, 64)
	defer f.stream.Unsubscribe(sess.ID, live)

	var forwarded []workflow.EventType
	res, err := f.svc.Run(ctx, sess.ID, workflow.EmitterFunc(func(_ context.Context, ev workflow.Event) error {
		forwarded = append(forwarded, ev.Type)
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, workflow.EventRunFinished, forwarded[len(forwarded)-1])

	detail, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, detail.Status)
	require.Len(t, detail.Tasks, 4)
	assert.Equal(t, "Manager", detail.Tasks[0].Agent)
	require.NotNil(t, detail.ReportMarkdown)
	assert.Contains(t, *detail.ReportMarkdown, "# Market Research Memo: Acme Corp")

	var sources []map[string]string
	require.NoError(t, json.Unmarshal(detail.ReportSources, &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "https://tavily.com", sources[0]["url"])

	// Persisted order: session_created, run_requested, then the run as emitted.
	history, err := f.svc.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2+len(forwarded))
	assert.Equal(t, EventSessionCreated, history[0].Type)
	assert.Equal(t, EventRunRequested, history[1].Type)
	for i, typ := range forwarded {
		assert.Equal(t, string(typ), history[i+2].Type)
		assert.Equal(t, int64(i+1), history[i+2].Seq)
	}
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt), "timestamps must increase")
	}

	// Live subscribers saw the same order.
	var liveTypes []string
	for len(live) > 0 {
		liveTypes = append(liveTypes, (<-live).Type)
	}
	require.Len(t, liveTypes, len(forwarded))
	for i, typ := range forwarded {
		assert.Equal(t, string(typ), liveTypes[i])
	}
}

func TestRerunReplacesReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "Tell me about Acme Corp (ACM)", "sequential")
	require.NoError(t, err)

	_, err = f.svc.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.Run(ctx, sess.ID, nil)
	require.NoError(t, err)

	detail, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Tasks, 3)
	require.NotNil(t, detail.ReportMarkdown)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.svc.RequestRun(ctx, "nope"), ErrSessionNotFound)
	_, err = f.svc.Run(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.svc.History(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSinkErrorEventSetsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "Tell me about Acme Corp (ACM)", "sequential")
	require.NoError(t, err)

	emitter := f.svc.sink.ForRun(sess.ID)
	require.NoError(t, emitter.Emit(ctx, workflow.Event{Seq: 1, Type: workflow.EventError, Payload: workflow.ErrorPayload{Message: "boom"}}))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, got.Status)
}

func TestSinkTimestampsAreMonotonic(t *testing.T) {
	s := NewSink(nil, nil, zap.NewNop())
	frozen := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	a := s.timestamp("x")
	b := s.timestamp("x")
	c := s.timestamp("y")
	assert.True(t, b.After(a))
	assert.Equal(t, frozen, c)
}

type failingStore struct{ Store }

func (failingStore) AppendEvent(context.Context, *db.Event) error { return errors.New("disk full") }

func TestSinkWriteFailureIsReturned(t *testing.T) {
	s := NewSink(failingStore{}, nil, zap.NewNop())
	err := s.ForRun("x").Emit(context.Background(), workflow.Event{Type: workflow.EventTaskPlanned, Payload: workflow.TaskPlannedPayload{}})
	assert.Error(t, err)
}

type reportFailStore struct{ *db.Client }

func (reportFailStore) UpsertReport(context.Context, *db.Report) error {
	return errors.New("report table locked")
}

func TestFailedReportWriteEndsRunWithErrorOnly(t *testing.T) {
	f := newFixtureWith(t, func(c *db.Client) Store { return reportFailStore{c} })
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "Tell me about Acme Corp (ACM)", "sequential")
	require.NoError(t, err)

	live := f.stream.Subscribe(sess.ID, 64)
	defer f.stream.Unsubscribe(sess.ID, live)

	res, err := f.svc.Run(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Error(t, res.Err)

	history, err := f.svc.History(ctx, sess.ID)
	require.NoError(t, err)
	var types []string
	for _, e := range history {
		types = append(types, e.Type)
	}
	assert.NotContains(t, types, string(workflow.EventFinalReport))
	assert.Contains(t, types, string(workflow.EventError))
	assert.Equal(t, string(workflow.EventRunFinished), types[len(types)-1])

	var liveTypes []string
	for len(live) > 0 {
		liveTypes = append(liveTypes, (<-live).Type)
	}
	assert.NotContains(t, liveTypes, string(workflow.EventFinalReport))
	assert.Contains(t, liveTypes, string(workflow.EventError))

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, got.Status)
	_, err = f.store.GetReport(ctx, sess.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStreamSeqMatchesPersistedOrdinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "Tell me about Acme Corp (ACM)", "sequential")
	require.NoError(t, err)
	_, err = f.svc.Run(ctx, sess.ID, nil)
	require.NoError(t, err)

	history, err := f.svc.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(history[len(history)-1].Ordinal), f.stream.LastSeq(sess.ID))

	replayer := NewHistoryReplayer(f.store)
	last, err := replayer.LastSeq(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, f.stream.LastSeq(sess.ID), last)

	evs, err := replayer.Replay(ctx, sess.ID, 1)
	require.NoError(t, err)
	require.Len(t, evs, len(history)-1)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, history[1].Type, evs[0].Type)

	ring := f.stream.ReplaySince(ctx, sess.ID, 1)
	require.Len(t, ring, len(evs))
	for i := range ring {
		assert.Equal(t, ring[i].Seq, evs[i].Seq)
		assert.Equal(t, ring[i].Type, evs[i].Type)
	}
}

func TestSinkForgetsStaleTimestamps(t *testing.T) {
	s := NewSink(nil, nil, zap.NewNop())
	clock := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	s.timestamp("old")
	clock = clock.Add(2 * timestampWindow)
	s.timestamp("new")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.last, "old")
	assert.Contains(t, s.last, "new")
}
