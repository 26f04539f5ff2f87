package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
)

// RedisMirror appends every event to a per-session Redis stream so history
// survives a restart and other processes can tail it.
type RedisMirror struct {
	rw     *circuitbreaker.RedisWrapper
	maxLen int64
	ttl    time.Duration
}

func NewRedisMirror(rw *circuitbreaker.RedisWrapper, maxLen int64, ttl time.Duration) *RedisMirror {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisMirror{rw: rw, maxLen: maxLen, ttl: ttl}
}

func (r *RedisMirror) Name() string { return "redis" }

// StreamKey is the Redis stream holding a session's events.
func StreamKey(sessionID string) string {
	return fmt.Sprintf("marketbrief:session:%s:events", sessionID)
}

func (r *RedisMirror) Publish(ctx context.Context, evt Event) error {
	payload := string(evt.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := r.rw.XAdd(ctx, StreamKey(evt.SessionID), r.maxLen, r.ttl, map[string]interface{}{
		"type":      evt.Type,
		"seq":       evt.Seq,
		"payload":   payload,
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	return err
}

// Replay reads the whole stream and keeps events after since.
func (r *RedisMirror) Replay(ctx context.Context, sessionID string, since uint64) ([]Event, error) {
	msgs, err := r.rw.XRange(ctx, StreamKey(sessionID), "-", "+")
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeMessage(sessionID, msg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.ID, err)
		}
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LastSeq returns the seq of the newest stream entry, 0 when empty.
func (r *RedisMirror) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	msgs, err := r.rw.XRevRangeN(ctx, StreamKey(sessionID), 1)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	ev, err := decodeMessage(sessionID, msgs[0])
	if err != nil {
		return 0, err
	}
	return ev.Seq, nil
}

func decodeMessage(sessionID string, msg redis.XMessage) (Event, error) {
	ev := Event{SessionID: sessionID}
	ev.Type, _ = msg.Values["type"].(string)

	seqStr, _ := msg.Values["seq"].(string)
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("bad seq %q", seqStr)
	}
	ev.Seq = seq

	if p, ok := msg.Values["payload"].(string); ok && json.Valid([]byte(p)) {
		ev.Payload = json.RawMessage(p)
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return ev, nil
}
