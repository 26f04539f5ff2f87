package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/db"
	"github.com/Kocoro-lab/marketbrief/internal/session"
	"github.com/Kocoro-lab/marketbrief/internal/workflow"
)

// SessionService is what the session routes need; *session.Service satisfies it.
type SessionService interface {
	Create(ctx context.Context, prompt, mode string) (*db.Session, error)
	Get(ctx context.Context, id string) (*session.Detail, error)
	RequestRun(ctx context.Context, id string) error
	Run(ctx context.Context, id string, forward workflow.Emitter) (workflow.Result, error)
	History(ctx context.Context, id string) ([]db.Event, error)
}

// SessionHandler serves the /api/sessions routes.
type SessionHandler struct {
	svc    SessionService
	logger *zap.Logger
}

func NewSessionHandler(svc SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers session routes on the provided mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGet)
	mux.HandleFunc("POST /api/sessions/{id}/run", h.handleRun)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/history", h.handleHistory)
}

type createSessionRequest struct {
	Prompt string `json:"prompt" validate:"required,min=3"`
	Mode   string `json:"mode" validate:"omitempty,oneof=sequential hierarchical"`
}

func (h *SessionHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateStruct(req); err != nil {
		var verrs validationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"detail": verrs})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.svc.Create(r.Context(), req.Prompt, req.Mode)
	if err != nil {
		h.writeServiceError(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": sess.ID})
}

func (h *SessionHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *SessionHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.RequestRun(r.Context(), id); err != nil {
		h.writeServiceError(w, "request run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id})
}

func (h *SessionHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "history", err)
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleEvents runs the workflow and streams each event over SSE after the
// sink has persisted it. Headers are written on the first event so lookup
// failures still get a proper status code.
func (h *SessionHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sse := &sseForwarder{w: w, flusher: flusher, cancel: cancel, logger: h.logger, sessionID: id}
	res, err := h.svc.Run(ctx, id, sse)
	if err != nil {
		if sse.started() {
			h.logger.Error("Run failed after streaming started", zap.String("session_id", id), zap.Error(err))
			return
		}
		h.writeServiceError(w, "run session", err)
		return
	}
	if res.Cancelled {
		h.logger.Info("SSE client disconnected", zap.String("session_id", id))
	}
}

// sseForwarder writes workflow events as SSE frames. Write failures mean
// the client is gone: the run is cancelled instead of failed.
type sseForwarder struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	cancel    context.CancelFunc
	logger    *zap.Logger
	sessionID string

	mu     sync.Mutex
	opened bool
	broken bool
}

func (s *sseForwarder) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *sseForwarder) Emit(ctx context.Context, ev workflow.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return nil
	}
	if !s.opened {
		setSSEHeaders(s.w)
		s.w.WriteHeader(http.StatusOK)
		s.opened = true
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		s.broken = true
		s.logger.Info("SSE write failed; cancelling run", zap.String("session_id", s.sessionID), zap.Error(err))
		s.cancel()
		return nil
	}
	s.flusher.Flush()
	return nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (h *SessionHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		h.writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrInvalidRequest):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("Session request failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *SessionHandler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
