package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// jetStreamPublisher is the part of jetstream.JetStream the mirror uses.
type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSMirror publishes events to JetStream under <prefix>.<session_id>.
type NATSMirror struct {
	nc     *nats.Conn
	js     jetStreamPublisher
	prefix string
}

// ConnectNATSMirror connects, ensures the stream exists and returns a mirror.
func ConnectNATSMirror(url, prefix string, logger *zap.Logger) (*NATSMirror, error) {
	nc, err := nats.Connect(url,
		nats.Name("marketbrief"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(prefix),
		Subjects:  []string{prefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		// The stream may be managed elsewhere.
		logger.Warn("Failed to ensure JetStream stream", zap.String("prefix", prefix), zap.Error(err))
	}

	m := newNATSMirror(js, prefix)
	m.nc = nc
	return m, nil
}

func newNATSMirror(js jetStreamPublisher, prefix string) *NATSMirror {
	if prefix == "" {
		prefix = "marketbrief.sessions"
	}
	return &NATSMirror{js: js, prefix: prefix}
}

func (m *NATSMirror) Name() string { return "nats" }

// Subject is where a session's events are published.
func (m *NATSMirror) Subject(sessionID string) string {
	return m.prefix + "." + sessionID
}

func (m *NATSMirror) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := m.Subject(evt.SessionID)
	// Dedup key for JetStream.
	if _, err := m.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("%s-%d", evt.SessionID, evt.Seq))); err != nil {
		return fmt.Errorf("failed to publish event to subject %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (m *NATSMirror) Close() {
	if m.nc != nil {
		_ = m.nc.Drain()
	}
}

func streamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "", ">", "").Replace(prefix))
}
