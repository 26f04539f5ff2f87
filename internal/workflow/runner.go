package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/agents"
	"github.com/Kocoro-lab/marketbrief/internal/metadata"
	"github.com/Kocoro-lab/marketbrief/internal/metrics"
	"github.com/Kocoro-lab/marketbrief/internal/planner"
	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
	"github.com/Kocoro-lab/marketbrief/internal/synthesis"
	"github.com/Kocoro-lab/marketbrief/internal/tracing"
)

// Mode selects the execution topology.
type Mode string

const (
	ModeSequential   Mode = "sequential"
	ModeHierarchical Mode = "hierarchical"
)

// ParseMode accepts "sequential" and "hierarchical".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSequential, ModeHierarchical:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// State is the runner's position in a run.
type State string

const (
	StatePlanning        State = "planning"
	StateDelegating      State = "delegating"
	StateAwaitingResults State = "awaiting_results"
	StateValidating      State = "validating" // hierarchical only
	StateSynthesizing    State = "synthesizing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Planner produces the run's plan.
type Planner interface {
	Plan(ctx context.Context, prompt string) planner.Plan
}

// NewsRetriever is the news fallback chain.
type NewsRetriever interface {
	Search(ctx context.Context, query string) retrieval.NewsResult
}

// FinancialRetriever is the financial fallback chain.
type FinancialRetriever interface {
	Fetch(ctx context.Context, identifier string) retrieval.FinancialResult
}

// Synthesizer writes the final report.
type Synthesizer interface {
	Synthesize(ctx context.Context, subject string, news retrieval.NewsResult, fin retrieval.FinancialResult) synthesis.Report
}

// Config tunes the runner.
type Config struct {
	// MinSources is the hierarchical validation threshold.
	MinSources int
}

// Runner sequences planner, concurrent retrieval and synthesis, emitting
// events from a single control flow.
type Runner struct {
	planner   Planner
	news      NewsRetriever
	financial FinancialRetriever
	synth     Synthesizer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewRunner wires the runner's collaborators.
func NewRunner(p Planner, news NewsRetriever, fin FinancialRetriever, synth Synthesizer, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinSources <= 0 {
		cfg.MinSources = 2
	}
	return &Runner{
		planner:   p,
		news:      news,
		financial: fin,
		synth:     synth,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Result summarizes a finished run.
type Result struct {
	State     State
	Plan      *planner.Plan
	Report    *synthesis.Report
	Err       error
	Cancelled bool
	Events    uint64
	Elapsed   time.Duration
}

// errCancelled stops a run whose caller went away.
var errCancelled = errors.New("run cancelled")

// Run executes one run and returns once run_finished has been emitted.
// It ends with exactly one final_report or one error event unless the
// caller cancels ctx, and run_finished is always emitted last.
func (r *Runner) Run(ctx context.Context, sessionID, prompt string, mode Mode, emitter Emitter) Result {
	start := r.now()
	ctx, span := tracing.StartRunSpan(ctx, sessionID, string(mode))
	defer span.End()
	metrics.RunsStarted.WithLabelValues(string(mode)).Inc()

	rn := &run{
		Runner:    r,
		ctx:       ctx,
		sessionID: sessionID,
		mode:      mode,
		emitter:   emitter,
		logger:    r.logger.With(zap.String("session_id", sessionID), zap.String("mode", string(mode))),
	}

	err := rn.safeExecute(prompt)

	outcome := "completed"
	switch {
	case err == nil:
	case errors.Is(err, errCancelled):
		outcome = "cancelled"
		rn.logger.Info("Run cancelled by caller", zap.String("state", string(rn.state)))
	default:
		outcome = "error"
		rn.state = StateFailed
		rn.logger.Error("Run failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if emitErr := rn.emitFinal(ctx, EventError, ErrorPayload{Message: err.Error()}); emitErr != nil {
			rn.logger.Error("Failed to emit error event", zap.Error(emitErr))
		}
	}

	elapsed := r.now().Sub(start)
	// The bookkeeping event outlives the caller's context.
	if emitErr := rn.emitFinal(context.WithoutCancel(ctx), EventRunFinished, RunFinishedPayload{ElapsedS: elapsed.Seconds()}); emitErr != nil {
		rn.logger.Error("Failed to emit run_finished", zap.Error(emitErr))
	}

	metrics.RecordRunMetrics(string(mode), outcome, elapsed.Seconds())
	span.SetAttributes(
		attribute.String("run.outcome", outcome),
		attribute.Int64("run.events", int64(rn.seq)),
	)

	res := Result{
		State:     rn.state,
		Plan:      rn.plan,
		Report:    rn.report,
		Cancelled: errors.Is(err, errCancelled),
		Events:    rn.seq,
		Elapsed:   elapsed,
	}
	if outcome == "error" {
		res.Err = err
	}
	return res
}

// run is the per-invocation state. Only the goroutine calling Run touches it.
type run struct {
	*Runner
	ctx       context.Context
	sessionID string
	mode      Mode
	emitter   Emitter
	logger    *zap.Logger

	state  State
	seq    uint64
	plan   *planner.Plan
	report *synthesis.Report
}

func (rn *run) safeExecute(prompt string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			rn.logger.Error("Orchestration panic", zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return rn.execute(prompt)
}

func (rn *run) enter(s State) {
	rn.logger.Debug("State transition", zap.String("from", string(rn.state)), zap.String("to", string(s)))
	rn.state = s
}

func (rn *run) execute(prompt string) error {
	rn.enter(StatePlanning)
	plan := rn.planner.Plan(rn.ctx, prompt)
	rn.plan = &plan
	hierarchical := rn.mode == ModeHierarchical

	tasks := plan.Tasks
	if hierarchical {
		tasks = append([]planner.Task{{Agent: agents.Manager, Title: agents.ManagerTitle, Status: planner.TaskStatusPlanned}}, plan.Tasks...)
	}
	if err := rn.emit(EventTaskPlanned, TaskPlannedPayload{Tasks: tasks, Plan: plan}); err != nil {
		return err
	}

	rn.enter(StateDelegating)
	if hierarchical {
		if err := rn.agentStarted(agents.Manager); err != nil {
			return err
		}
		if err := rn.agentOutput(agents.Manager, delegationMessage(plan), map[string]interface{}{"plan": plan}); err != nil {
			return err
		}
	}

	// Both retrievals are launched before either is awaited.
	if err := rn.agentStarted(agents.NewsResearcher); err != nil {
		return err
	}
	if plan.HasIdentifier() {
		if err := rn.agentStarted(agents.FinancialAnalyst); err != nil {
			return err
		}
	}
	newsCh := launch(rn, agents.NewsResearcher, func(ctx context.Context) retrieval.NewsResult {
		return rn.news.Search(ctx, plan.Focus)
	})
	var finCh <-chan outcome[retrieval.FinancialResult]
	if plan.HasIdentifier() {
		id := *plan.Identifier
		finCh = launch(rn, agents.FinancialAnalyst, func(ctx context.Context) retrieval.FinancialResult {
			return rn.financial.Fetch(ctx, id)
		})
	}

	// Join order is fixed: news, then financial.
	rn.enter(StateAwaitingResults)
	newsOut := <-newsCh
	if newsOut.err != nil {
		return newsOut.err
	}
	news := newsOut.value
	content := "Collected latest news results."
	if hierarchical {
		content = "Delivered news results to Manager."
	}
	if err := rn.agentDone(agents.NewsResearcher, content, news); err != nil {
		return err
	}

	fin := retrieval.EmptyFinancial("")
	if finCh != nil {
		finOut := <-finCh
		if finOut.err != nil {
			return finOut.err
		}
		fin = finOut.value
		content = "Collected financial overview."
		if hierarchical {
			content = "Delivered finance overview to Manager."
		}
		if err := rn.agentDone(agents.FinancialAnalyst, content, fin); err != nil {
			return err
		}
	}

	if hierarchical {
		rn.enter(StateValidating)
		if err := rn.validate(news); err != nil {
			return err
		}
	}

	rn.enter(StateSynthesizing)
	if err := rn.agentStarted(agents.ReportWriter); err != nil {
		return err
	}
	started := rn.now()
	report := rn.synth.Synthesize(rn.ctx, plan.Subject, news, fin)
	metrics.AgentDuration.WithLabelValues(agents.ReportWriter).Observe(rn.now().Sub(started).Seconds())
	if report.Sources == nil {
		report.Sources = []metadata.Citation{}
	}
	if err := rn.agentDone(agents.ReportWriter, "Drafted final business memo.", map[string]interface{}{"markdown": report.Markdown}); err != nil {
		return err
	}
	if err := rn.emit(EventFinalReport, FinalReportPayload{Markdown: report.Markdown, Sources: report.Sources}); err != nil {
		return err
	}
	rn.report = &report
	rn.enter(StateDone)
	return nil
}

// validate annotates the stream; it never blocks the run.
func (rn *run) validate(news retrieval.NewsResult) error {
	found := len(metadata.CollectCitations(news.Items, 0))
	passed := found >= rn.cfg.MinSources
	content := "Validation passed."
	if !passed {
		content = "Validation incomplete (insufficient sources); proceeding with available data."
	}
	data := map[string]interface{}{"sources_found": found, "min_sources": rn.cfg.MinSources, "passed": passed}
	if err := rn.agentOutput(agents.Manager, content, data); err != nil {
		return err
	}
	return rn.emit(EventAgentFinished, AgentPayload{Agent: agents.Manager})
}

func delegationMessage(plan planner.Plan) string {
	if plan.HasIdentifier() {
		return "Delegating research to NewsResearcher and FinancialAnalyst, then requesting synthesis from ReportWriter."
	}
	return "Delegating research to NewsResearcher, then requesting synthesis from ReportWriter."
}

func (rn *run) agentStarted(agent string) error {
	return rn.emit(EventAgentStarted, AgentPayload{Agent: agent})
}

func (rn *run) agentOutput(agent, content string, data interface{}) error {
	return rn.emit(EventAgentOutput, AgentOutputPayload{Agent: agent, Content: content, Data: data})
}

func (rn *run) agentDone(agent, content string, data interface{}) error {
	if err := rn.agentOutput(agent, content, data); err != nil {
		return err
	}
	return rn.emit(EventAgentFinished, AgentPayload{Agent: agent})
}

// emit stops the run once the caller is gone.
func (rn *run) emit(typ EventType, payload interface{}) error {
	if rn.ctx.Err() != nil {
		return errCancelled
	}
	if err := rn.send(rn.ctx, typ, payload); err != nil {
		if rn.ctx.Err() != nil {
			return errCancelled
		}
		return fmt.Errorf("emit %s: %w", typ, err)
	}
	return nil
}

// emitFinal is used for the terminal error and bookkeeping events; it must
// not panic out of Run.
func (rn *run) emitFinal(ctx context.Context, typ EventType, payload interface{}) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("emit %s panicked: %v", typ, p)
		}
	}()
	return rn.send(ctx, typ, payload)
}

func (rn *run) send(ctx context.Context, typ EventType, payload interface{}) error {
	rn.seq++
	ev := Event{
		SessionID: rn.sessionID,
		Seq:       rn.seq,
		Type:      typ,
		Payload:   payload,
		Timestamp: rn.now().UTC(),
	}
	metrics.EventsEmitted.WithLabelValues(string(typ)).Inc()
	if rn.emitter == nil {
		return nil
	}
	return rn.emitter.Emit(ctx, ev)
}

type outcome[T any] struct {
	value T
	err   error
}

// launch runs fn in its own goroutine. The buffered channel lets the
// goroutine finish even if nobody joins it.
func launch[T any](rn *run, agent string, fn func(context.Context) T) <-chan outcome[T] {
	ch := make(chan outcome[T], 1)
	go func() {
		started := time.Now()
		defer func() {
			if p := recover(); p != nil {
				rn.logger.Error("Agent panic", zap.String("agent", agent), zap.Any("panic", p), zap.Stack("stack"))
				ch <- outcome[T]{err: fmt.Errorf("%s: internal error: %v", agent, p)}
			}
		}()
		v := fn(rn.ctx)
		metrics.AgentDuration.WithLabelValues(agent).Observe(time.Since(started).Seconds())
		ch <- outcome[T]{value: v}
	}()
	return ch
}
