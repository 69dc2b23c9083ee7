package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Stream names and subject roots.
const (
	EventsStream  = "SETTLEMENT_EVENTS"
	ReportsStream = "SETTLEMENT_REPORTS"

	subjectRoot = "settlement"
)

// Connect opens a NATS connection that reconnects forever and returns its
// JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("batchsettler"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("stream: nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("stream: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("stream.Connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("stream.Connect: jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams creates the indexer feed and report streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name: EventsStream,
			Subjects: []string{
				subjectRoot + ".deposits.>",
				subjectRoot + ".withdrawals.>",
				subjectRoot + ".orders.>",
				subjectRoot + ".states.>",
				subjectRoot + ".index.>",
			},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       ReportsStream,
			Subjects:   []string{subjectRoot + ".reports.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     30 * 24 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("stream.EnsureStreams: %s: %w", cfg.Name, err)
		}
		slog.Debug("stream: ensured", "name", cfg.Name)
	}
	return nil
}
