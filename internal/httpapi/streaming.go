package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/streaming"
)

const subscriberBuffer = 256

// StreamingHandler serves live session events over SSE and WebSocket.
type StreamingHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewStreamingHandler(mgr *streaming.Manager, allowedOrigins []string, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{
		mgr:       mgr,
		logger:    logger,
		heartbeat: 15 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originAllowed(allowedOrigins),
		},
	}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

type streamQuery struct {
	sessionID string
	lastID    uint64
	types     map[string]struct{}
}

func (q streamQuery) wants(ev streaming.Event) bool {
	if len(q.types) == 0 {
		return true
	}
	_, ok := q.types[ev.Type]
	return ok
}

// parseStreamQuery reads session_id, types and the replay cursor. The
// Last-Event-ID header wins over the last_event_id query parameter.
func parseStreamQuery(r *http.Request) (streamQuery, bool) {
	q := streamQuery{sessionID: r.URL.Query().Get("session_id"), types: map[string]struct{}{}}
	if q.sessionID == "" {
		return q, false
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			q.lastID = n
		}
	}
	if v := r.URL.Query().Get("last_event_id"); v != "" && q.lastID == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			q.lastID = n
		}
	}
	return q, true
}

// handleSSE streams events for a session via Server-Sent Events.
// GET /stream/sse?session_id=<id>&last_event_id=<seq>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	q, ok := parseStreamQuery(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "session_id required"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	setSSEHeaders(w)

	// Subscribe before replaying so nothing published in between is lost;
	// duplicates are skipped by seq.
	ch := h.mgr.Subscribe(q.sessionID, subscriberBuffer)
	defer h.mgr.Unsubscribe(q.sessionID, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", q.sessionID)
	flusher.Flush()

	ctx := r.Context()
	last := q.lastID
	if q.lastID > 0 {
		for _, ev := range h.mgr.ReplaySince(ctx, q.sessionID, q.lastID) {
			if q.wants(ev) {
				writeSSEFrame(w, ev)
			}
			last = ev.Seq
		}
		flusher.Flush()
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE subscriber disconnected", zap.String("session_id", q.sessionID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			if !q.wants(ev) {
				continue
			}
			writeSSEFrame(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
