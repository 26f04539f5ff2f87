package session

import (
	"context"
	"encoding/json"

	"github.com/Kocoro-lab/marketbrief/internal/streaming"
)

// HistoryReplayer serves live-stream replay from persisted events. The
// per-session ordinal is the stream seq.
type HistoryReplayer struct {
	store Store
}

func NewHistoryReplayer(store Store) *HistoryReplayer {
	return &HistoryReplayer{store: store}
}

// Replay returns persisted events with ordinal > since, oldest first.
func (h *HistoryReplayer) Replay(ctx context.Context, sessionID string, since uint64) ([]streaming.Event, error) {
	rows, err := h.store.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]streaming.Event, 0, len(rows))
	for _, r := range rows {
		if uint64(r.Ordinal) <= since {
			continue
		}
		out = append(out, streaming.Event{
			SessionID: sessionID,
			Type:      r.Type,
			Payload:   json.RawMessage(r.Payload),
			Timestamp: r.CreatedAt,
			Seq:       uint64(r.Ordinal),
		})
	}
	return out, nil
}

// LastSeq returns the newest persisted ordinal, 0 when none.
func (h *HistoryReplayer) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	rows, err := h.store.ListEvents(ctx, sessionID)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return uint64(rows[len(rows)-1].Ordinal), nil
}
