package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
)

func TestRedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(circuitbreaker.NewRedisWrapper(client, zap.NewNop()), 100, time.Hour)
	ctx := context.Background()

	last, err := mirror.LastSeq(ctx, "sess")
	require.NoError(t, err)
	assert.Zero(t, last)

	ts := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, mirror.Publish(ctx, Event{
			SessionID: "sess",
			Type:      "agent_started",
			Seq:       uint64(i),
			Payload:   json.RawMessage(`{"agent":"NewsResearcher"}`),
			Timestamp: ts,
		}))
	}
	require.NoError(t, mirror.Publish(ctx, Event{SessionID: "sess", Type: "run_finished", Seq: 4, Timestamp: ts}))

	assert.True(t, mr.Exists(StreamKey("sess")))
	assert.Greater(t, mr.TTL(StreamKey("sess")), time.Duration(0))

	evs, err := mirror.Replay(ctx, "sess", 1)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, "agent_started", evs[0].Type)
	assert.JSONEq(t, `{"agent":"NewsResearcher"}`, string(evs[0].Payload))
	assert.True(t, ts.Equal(evs[0].Timestamp))
	assert.JSONEq(t, `null`, string(evs[2].Payload))

	last, err = mirror.LastSeq(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)
}

func TestManagerWithRedisReplayer(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rw := circuitbreaker.NewRedisWrapper(client, zap.NewNop())

	before := NewManager(8, zap.NewNop())
	before.AddMirror(NewRedisMirror(rw, 100, 0))
	for i := 0; i < 3; i++ {
		before.Publish(context.Background(), "s", Event{Type: "x", Payload: json.RawMessage(`{}`)})
	}

	// A fresh manager (as after a restart) replays from Redis and continues the seq.
	after := NewManager(8, zap.NewNop())
	after.AddMirror(NewRedisMirror(rw, 100, 0))
	evs := after.ReplaySince(context.Background(), "s", 0)
	require.Len(t, evs, 3)

	ev := after.Publish(context.Background(), "s", Event{Type: "y"})
	assert.Equal(t, uint64(4), ev.Seq)
}
