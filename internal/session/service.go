package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/db"
	"github.com/Kocoro-lab/marketbrief/internal/metrics"
	"github.com/Kocoro-lab/marketbrief/internal/workflow"
)

// Runner executes one workflow run.
type Runner interface {
	Run(ctx context.Context, sessionID, prompt string, mode workflow.Mode, emitter workflow.Emitter) workflow.Result
}

// Service is the session API behind the HTTP layer.
type Service struct {
	store  Store
	sink   *Sink
	runner Runner
	logger *zap.Logger
}

func NewService(store Store, sink *Sink, runner Runner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, sink: sink, runner: runner, logger: logger}
}

// Create validates and stores a new session in status created.
func (s *Service) Create(ctx context.Context, prompt, mode string) (*db.Session, error) {
	prompt = strings.TrimSpace(prompt)
	if len([]rune(prompt)) < MinPromptLength {
		return nil, fmt.Errorf("%w: prompt must be at least %d characters", ErrInvalidRequest, MinPromptLength)
	}
	if mode == "" {
		mode = string(workflow.ModeSequential)
	}
	m, err := workflow.ParseMode(mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sess := &db.Session{Prompt: prompt, Mode: string(m), Status: db.StatusCreated}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.sink.Record(ctx, sess.ID, EventSessionCreated, 0, map[string]string{"id": sess.ID}); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.WithLabelValues(string(m)).Inc()
	s.logger.Info("Created new session", zap.String("session_id", sess.ID), zap.String("mode", sess.Mode))
	return sess, nil
}

// Get returns the session with its tasks and latest report.
func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	sess, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &Detail{Session: *sess, Tasks: tasks}

	report, err := s.store.GetReport(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		md := report.Markdown
		detail.ReportMarkdown = &md
		detail.ReportSources = []byte(report.Sources)
	}
	return detail, nil
}

// RequestRun marks the session running and records run_requested.
func (s *Service) RequestRun(ctx context.Context, id string) error {
	if _, err := s.lookup(ctx, id); err != nil {
		return err
	}
	if err := s.store.UpdateSessionStatus(ctx, id, db.StatusRunning); err != nil {
		return err
	}
	return s.sink.Record(ctx, id, EventRunRequested, 0, map[string]string{"id": id})
}

// Run executes the workflow for a session. Every event is persisted
// through the sink before forward sees it; forward may be nil.
func (s *Service) Run(ctx context.Context, id string, forward workflow.Emitter) (workflow.Result, error) {
	sess, err := s.lookup(ctx, id)
	if err != nil {
		return workflow.Result{}, err
	}
	mode, err := workflow.ParseMode(sess.Mode)
	if err != nil {
		return workflow.Result{}, err
	}
	if sess.Status != db.StatusRunning {
		if err := s.store.UpdateSessionStatus(ctx, id, db.StatusRunning); err != nil {
			return workflow.Result{}, err
		}
	}

	persist := s.sink.ForRun(id)
	emitter := workflow.EmitterFunc(func(ctx context.Context, ev workflow.Event) error {
		if err := persist.Emit(ctx, ev); err != nil {
			return err
		}
		if forward != nil {
			return forward.Emit(ctx, ev)
		}
		return nil
	})

	res := s.runner.Run(ctx, id, sess.Prompt, mode, emitter)
	s.logger.Info("Run finished",
		zap.String("session_id", id),
		zap.String("state", string(res.State)),
		zap.Bool("cancelled", res.Cancelled),
		zap.Uint64("events", res.Events),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// History returns persisted events in emission order.
func (s *Service) History(ctx context.Context, id string) ([]db.Event, error) {
	if _, err := s.lookup(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

func (s *Service) lookup(ctx context.Context, id string) (*db.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}
