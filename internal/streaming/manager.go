package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/metrics"
)

// Event is one session event as seen by live subscribers.
type Event struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Mirror forwards published events to another transport.
type Mirror interface {
	Name() string
	Publish(ctx context.Context, evt Event) error
}

// Replayer serves history that has fallen out of (or never reached) the
// in-process ring, e.g. after a restart.
type Replayer interface {
	Replay(ctx context.Context, sessionID string, since uint64) ([]Event, error)
	LastSeq(ctx context.Context, sessionID string) (uint64, error)
}

const (
	mirrorTimeout = 2 * time.Second
	// Rings of sessions with no subscribers and no publishes for this long
	// are dropped; their history is then served by the replayer.
	defaultIdleTTL = 30 * time.Minute
)

// Manager provides in-memory pub/sub for session events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int

	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time

	mirrors  []Mirror
	replayer Replayer
	logger   *zap.Logger
}

// NewManager creates a manager keeping up to capacity events per session.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		idleTTL:     defaultIdleTTL,
		now:         time.Now,
		logger:      logger,
	}
}

// SetIdleTTL changes how long an unobserved session ring is kept.
func (m *Manager) SetIdleTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.idleTTL = d
	m.mu.Unlock()
}

// SetReplayer installs r as the history source, replacing any replayer
// taken from a mirror.
func (m *Manager) SetReplayer(r Replayer) {
	m.mu.Lock()
	m.replayer = r
	m.mu.Unlock()
}

// AddMirror registers a mirror. A mirror that also implements Replayer
// becomes the fallback history source. Call before publishing.
func (m *Manager) AddMirror(mr Mirror) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrors = append(m.mirrors, mr)
	if r, ok := mr.(Replayer); ok && m.replayer == nil {
		m.replayer = r
	}
}

// Subscribe adds a subscriber channel for a session; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish fans the event out to subscribers (non-blocking) and then to
// mirrors. A zero evt.Seq is replaced by the next seq for the session; a
// caller-assigned seq is kept. It returns the event as published.
func (m *Manager) Publish(ctx context.Context, sessionID string, evt Event) Event {
	m.ensureRing(ctx, sessionID)

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		// swept between ensureRing and here
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	if evt.Seq == 0 {
		rg.nextSeq++
		evt.Seq = rg.nextSeq
	} else if evt.Seq > rg.nextSeq {
		rg.nextSeq = evt.Seq
	}
	evt.SessionID = sessionID
	now := m.now()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now.UTC()
	}
	rg.push(evt)
	rg.lastActive = now
	m.sweepLocked(now)
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	mirrors := m.mirrors
	m.mu.Unlock()

	for _, mr := range mirrors {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		if err := mr.Publish(mctx, evt); err != nil {
			metrics.MirrorPublishErrors.WithLabelValues(mr.Name()).Inc()
			m.logger.Warn("Mirror publish failed",
				zap.String("mirror", mr.Name()),
				zap.String("session_id", sessionID),
				zap.Uint64("seq", evt.Seq),
				zap.Error(err),
			)
		}
		cancel()
	}
	return evt
}

// sweepLocked drops idle rings, at most once per idle period. m.mu must be
// held for writing.
func (m *Manager) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < m.idleTTL {
		return
	}
	m.lastSweep = now
	for id, rg := range m.history {
		if len(m.subscribers[id]) > 0 || now.Sub(rg.lastActive) < m.idleTTL {
			continue
		}
		delete(m.history, id)
	}
}

// ensureRing creates the session ring, continuing the seq of any history
// the replayer still holds.
func (m *Manager) ensureRing(ctx context.Context, sessionID string) {
	m.mu.RLock()
	_, ok := m.history[sessionID]
	replayer := m.replayer
	m.mu.RUnlock()
	if ok {
		return
	}

	var last uint64
	if replayer != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		seq, err := replayer.LastSeq(rctx, sessionID)
		cancel()
		if err != nil {
			m.logger.Warn("Failed to read last seq", zap.String("session_id", sessionID), zap.Error(err))
		}
		last = seq
	}

	m.mu.Lock()
	if _, ok := m.history[sessionID]; !ok {
		rg := newRing(m.capacity)
		rg.nextSeq = last
		rg.lastActive = m.now()
		m.history[sessionID] = rg
	}
	m.mu.Unlock()
}

// ReplaySince returns events with Seq > since. The in-process ring is used
// when it still covers since; otherwise the replayer is asked.
func (m *Manager) ReplaySince(ctx context.Context, sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	var local []Event
	covered := false
	if rg != nil {
		local = rg.since(since)
		covered = rg.covers(since)
	}
	replayer := m.replayer
	m.mu.RUnlock()

	if covered || replayer == nil {
		return local
	}
	evs, err := replayer.Replay(ctx, sessionID, since)
	if err != nil {
		m.logger.Warn("Replay from mirror failed", zap.String("session_id", sessionID), zap.Error(err))
		return local
	}
	return evs
}

// LastSeq returns the last seq published for a session in this process.
func (m *Manager) LastSeq(sessionID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rg := m.history[sessionID]; rg != nil {
		return rg.nextSeq
	}
	return 0
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64 // last assigned seq

	lastActive time.Time
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// covers reports whether every event after seq is still held.
func (r *ring) covers(seq uint64) bool {
	if r.count == 0 {
		return seq >= r.nextSeq
	}
	return r.buf[r.start].Seq <= seq+1
}
