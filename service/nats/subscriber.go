package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber delivers settlement events as they are published.
type Subscriber interface {
	// Subscribe streams new events for mode ("" for all modes) until ctx is done.
	// Readers must stop on ctx rather than waiting for the channel to close.
	Subscribe(ctx context.Context, mode string) (<-chan *SettlementEvent, error)
}

// JetStreamSubscriber reads settlement events with ephemeral JetStream consumers.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for consuming settlement events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*JetStreamSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, js, err := connect(natsURL, "agrosettle-subscriber")
	if err != nil {
		return nil, err
	}

	logger.Info("NATS subscriber initialized", "url", natsURL)

	return &JetStreamSubscriber{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Subscribe creates an ephemeral consumer that only delivers messages
// published after it was created.
func (s *JetStreamSubscriber) Subscribe(ctx context.Context, mode string) (<-chan *SettlementEvent, error) {
	subject := SubjectForMode(mode)

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", subject, err)
	}

	events := make(chan *SettlementEvent, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event SettlementEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal settlement event",
				"subject", msg.Subject(),
				"error", err,
			)
			_ = msg.Ack()
			return
		}
		select {
		case events <- &event:
			_ = msg.Ack()
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	s.logger.DebugContext(ctx, "subscribed to settlement events", "subject", subject)
	return events, nil
}

// StreamInfo reports the state of the settlement stream.
func (s *JetStreamSubscriber) StreamInfo(ctx context.Context) (*jetstream.StreamInfo, error) {
	stream, err := s.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", StreamName, err)
	}
	return stream.Info(ctx)
}

// Close closes the NATS connection.
func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}
