package workflow

import (
	"context"
	"time"

	"github.com/Kocoro-lab/marketbrief/internal/metadata"
	"github.com/Kocoro-lab/marketbrief/internal/planner"
)

// EventType is the closed set of event tags a run can produce.
type EventType string

const (
	EventTaskPlanned   EventType = "task_planned"
	EventAgentStarted  EventType = "agent_started"
	EventAgentOutput   EventType = "agent_output"
	EventAgentFinished EventType = "agent_finished"
	EventFinalReport   EventType = "final_report"
	EventError         EventType = "error"
	// EventRunFinished is the bookkeeping event; always the last one of a run.
	EventRunFinished EventType = "run_finished"
)

// Event is one step of observable progress. Seq starts at 1 and is strictly
// increasing within a run.
type Event struct {
	SessionID string      `json:"session_id"`
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskPlannedPayload carries the plan.
type TaskPlannedPayload struct {
	Tasks []planner.Task `json:"tasks"`
	Plan  planner.Plan   `json:"plan"`
}

// AgentPayload is the payload of agent_started and agent_finished.
type AgentPayload struct {
	Agent string `json:"agent"`
}

// AgentOutputPayload carries an agent's result.
type AgentOutputPayload struct {
	Agent   string      `json:"agent"`
	Content string      `json:"content"`
	Data    interface{} `json:"data"`
}

// FinalReportPayload is the terminal success payload.
type FinalReportPayload struct {
	Markdown string              `json:"markdown"`
	Sources  []metadata.Citation `json:"sources"`
}

// ErrorPayload is the terminal failure payload.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RunFinishedPayload records wall time of the run in seconds.
type RunFinishedPayload struct {
	ElapsedS float64 `json:"elapsed_s"`
}

// Emitter receives events in order. An error from Emit is an orchestration
// fault and fails the run.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }
