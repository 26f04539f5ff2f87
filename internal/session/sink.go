package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/db"
	"github.com/Kocoro-lab/marketbrief/internal/metrics"
	"github.com/Kocoro-lab/marketbrief/internal/planner"
	"github.com/Kocoro-lab/marketbrief/internal/streaming"
	"github.com/Kocoro-lab/marketbrief/internal/workflow"
)

// Store is the persistence the sink and service need.
type Store interface {
	CreateSession(ctx context.Context, s *db.Session) error
	GetSession(ctx context.Context, id string) (*db.Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	AppendEvent(ctx context.Context, e *db.Event) error
	ListEvents(ctx context.Context, sessionID string) ([]db.Event, error)
	ReplaceTasks(ctx context.Context, sessionID string, tasks []db.Task) error
	ListTasks(ctx context.Context, sessionID string) ([]db.Task, error)
	UpsertReport(ctx context.Context, r *db.Report) error
	GetReport(ctx context.Context, sessionID string) (*db.Report, error)
}

// Publisher mirrors recorded events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, evt streaming.Event) streaming.Event
}

// Sink durably records events and derives task, report and status state
// from them, then mirrors each event to live subscribers.
type Sink struct {
	store  Store
	stream Publisher
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	swept time.Time
}

// NewSink builds a sink. stream may be nil.
func NewSink(store Store, stream Publisher, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, stream: stream, logger: logger, now: time.Now, last: make(map[string]time.Time)}
}

// Record appends one event. seq is 0 for events recorded outside a run.
func (s *Sink) Record(ctx context.Context, sessionID, typ string, seq uint64, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	ts := s.timestamp(sessionID)

	row := &db.Event{
		SessionID: sessionID,
		Seq:       int64(seq),
		Type:      typ,
		Payload:   db.JSONText(raw),
		CreatedAt: ts,
	}
	if err := s.store.AppendEvent(ctx, row); err != nil {
		metrics.SinkWriteErrors.Inc()
		return err
	}

	// The stream seq is the persisted ordinal, so history can back replay.
	if s.stream != nil {
		s.stream.Publish(ctx, sessionID, streaming.Event{Type: typ, Payload: raw, Timestamp: ts, Seq: uint64(row.Ordinal)})
	}
	return nil
}

// timestampWindow bounds how long the last timestamp of a session is
// remembered. Older entries cannot collide with a fresh clock reading.
const timestampWindow = time.Minute

// timestamp is strictly increasing per session.
func (s *Sink) timestamp(sessionID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UTC().Truncate(time.Microsecond)
	if ts.Sub(s.swept) >= timestampWindow {
		for id, last := range s.last {
			if ts.Sub(last) >= timestampWindow {
				delete(s.last, id)
			}
		}
		s.swept = ts
	}
	if last, ok := s.last[sessionID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	s.last[sessionID] = ts
	return ts
}

// ForRun returns the emitter for one run of a session.
func (s *Sink) ForRun(sessionID string) workflow.Emitter {
	return &runEmitter{sink: s, sessionID: sessionID}
}

type runEmitter struct {
	sink      *Sink
	sessionID string
	planned   bool
}

// Emit persists ev and applies its side effects. Any error is returned to
// the runner, which treats it as an orchestration fault. The report row is
// written before final_report is recorded.
func (e *runEmitter) Emit(ctx context.Context, ev workflow.Event) error {
	s := e.sink
	if p, ok := ev.Payload.(workflow.FinalReportPayload); ok {
		if err := s.saveReport(ctx, e.sessionID, p); err != nil {
			return err
		}
	}
	if err := s.Record(ctx, e.sessionID, string(ev.Type), ev.Seq, ev.Payload); err != nil {
		return err
	}

	switch p := ev.Payload.(type) {
	case workflow.TaskPlannedPayload:
		if e.planned {
			return nil
		}
		e.planned = true
		if err := s.store.ReplaceTasks(ctx, e.sessionID, tasksFromPlan(p.Tasks)); err != nil {
			metrics.SinkWriteErrors.Inc()
			return err
		}
	case workflow.FinalReportPayload:
		return s.setStatus(ctx, e.sessionID, db.StatusCompleted)
	case workflow.ErrorPayload:
		return s.setStatus(ctx, e.sessionID, db.StatusError)
	}
	return nil
}

func (s *Sink) saveReport(ctx context.Context, sessionID string, p workflow.FinalReportPayload) error {
	sources, err := json.Marshal(p.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	if err := s.store.UpsertReport(ctx, &db.Report{SessionID: sessionID, Markdown: p.Markdown, Sources: db.JSONText(sources)}); err != nil {
		metrics.SinkWriteErrors.Inc()
		return err
	}
	return nil
}

func (s *Sink) setStatus(ctx context.Context, sessionID, status string) error {
	if err := s.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		metrics.SinkWriteErrors.Inc()
		s.logger.Error("Failed to update session status",
			zap.String("session_id", sessionID),
			zap.String("status", status),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func tasksFromPlan(planned []planner.Task) []db.Task {
	out := make([]db.Task, 0, len(planned))
	for _, t := range planned {
		status := t.Status
		if status == "" {
			status = planner.TaskStatusPlanned
		}
		out = append(out, db.Task{Agent: t.Agent, Title: t.Title, Status: status})
	}
	return out
}
