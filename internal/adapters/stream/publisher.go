package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/nats-io/nats.go/jetstream"
)

// publisher is the slice of jetstream.JetStream the Publisher needs.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher implements ports.Notifier by publishing each EpochReport as JSON
// on settlement.reports.<state>.<epoch>.
type Publisher struct {
	js publisher
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// Notify publishes the report. The message id makes redelivery of the same
// report a no-op inside the stream's duplicate window.
func (p *Publisher) Notify(ctx context.Context, r domain.EpochReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("stream.Publisher: marshal epoch %d: %w", r.Epoch, err)
	}

	subject := ReportSubject(r)
	msgID := fmt.Sprintf("epoch-%d-%s", r.Epoch, r.State)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("stream.Publisher: publish %s: %w", subject, err)
	}
	return nil
}

// ReportSubject is the subject a report is published on.
func ReportSubject(r domain.EpochReport) string {
	return fmt.Sprintf("%s.reports.%s.%d", subjectRoot, r.State, r.Epoch)
}
