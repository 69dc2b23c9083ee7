package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"github.com/alejandrodnm/batchsettler/internal/observability"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrMalformed marks a message that can never be applied. It is terminated
// instead of redelivered.
var ErrMalformed = errors.New("malformed event")

// EventSink receives decoded exchange events. storage.EventLog implements it.
type EventSink interface {
	RecordDeposit(ctx context.Context, d domain.Deposit) error
	RecordWithdrawal(ctx context.Context, w domain.Withdrawal) error
	RecordOrder(ctx context.Context, o domain.Order) error
	RecordAccountState(ctx context.Context, root domain.StateRoot, epoch uint64, bal domain.Balances) error
	MarkIndexed(ctx context.Context, epoch uint64) error
}

// StatePayload is the body of settlement.states.* messages.
type StatePayload struct {
	Root     domain.StateRoot `json:"root"`
	Epoch    uint64           `json:"epoch"`
	Balances domain.Balances  `json:"balances"`
}

// IndexPayload is the body of settlement.index.* messages: every event up to
// the boundary of Epoch has been published.
type IndexPayload struct {
	Epoch uint64 `json:"epoch"`
}

// Indexer consumes the exchange event feed into an EventSink.
type Indexer struct {
	sink     EventSink
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewIndexer(sink EventSink, metrics *observability.Metrics) *Indexer {
	return &Indexer{sink: sink, metrics: metrics}
}

// Start creates (or resumes) the durable consumer and begins applying messages.
// One message is in flight at a time so index marks never overtake the events
// they cover.
func (ix *Indexer) Start(ctx context.Context, js jetstream.JetStream, durable string) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, EventsStream, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("stream.Indexer: create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		err := ix.Handle(ctx, msg.Subject(), msg.Data())
		switch {
		case err == nil:
			msg.Ack()
		case errors.Is(err, ErrMalformed):
			slog.Warn("stream: dropping event", "subject", msg.Subject(), "err", err)
			msg.Term()
		default:
			slog.Warn("stream: event not applied, will retry", "subject", msg.Subject(), "err", err)
			msg.NakWithDelay(time.Second)
		}
	})
	if err != nil {
		return fmt.Errorf("stream.Indexer: consume: %w", err)
	}
	ix.consumer = cc
	slog.Info("stream: indexer started", "stream", EventsStream, "consumer", durable)
	return nil
}

// Stop stops consuming.
func (ix *Indexer) Stop() {
	if ix.consumer != nil {
		ix.consumer.Stop()
	}
}

// Handle applies one message. The event kind is the second subject token.
func (ix *Indexer) Handle(ctx context.Context, subject string, data []byte) error {
	parts := strings.Split(subject, ".")
	if len(parts) < 2 || parts[0] != subjectRoot {
		return fmt.Errorf("subject %q: %w", subject, ErrMalformed)
	}

	var (
		kind string
		err  error
	)
	switch parts[1] {
	case "deposits":
		kind = "deposit"
		var d domain.Deposit
		if err = decode(data, &d); err == nil {
			if d.Amount == nil {
				return fmt.Errorf("deposit %s/%d without amount: %w", d.Account, d.Seq, ErrMalformed)
			}
			d.Account = domain.NewAccountID(string(d.Account))
			err = ix.sink.RecordDeposit(ctx, d)
		}
	case "withdrawals":
		kind = "withdrawal"
		var w domain.Withdrawal
		if err = decode(data, &w); err == nil {
			if w.Amount == nil {
				return fmt.Errorf("withdrawal %s/%d without amount: %w", w.Account, w.Seq, ErrMalformed)
			}
			w.Account = domain.NewAccountID(string(w.Account))
			err = ix.sink.RecordWithdrawal(ctx, w)
		}
	case "orders":
		kind = "order"
		var o domain.Order
		if err = decode(data, &o); err == nil {
			if o.MaxSell == nil || o.MinBuy == nil {
				return fmt.Errorf("order %d without amounts: %w", o.ID, ErrMalformed)
			}
			o.Account = domain.NewAccountID(string(o.Account))
			err = ix.sink.RecordOrder(ctx, o)
		}
	case "states":
		kind = "state"
		var s StatePayload
		if err = decode(data, &s); err == nil {
			if s.Balances == nil {
				s.Balances = domain.Balances{}
			}
			err = ix.sink.RecordAccountState(ctx, s.Root, s.Epoch, s.Balances)
		}
	case "index":
		kind = "index"
		var p IndexPayload
		if err = decode(data, &p); err == nil {
			err = ix.sink.MarkIndexed(ctx, p.Epoch)
		}
	default:
		return fmt.Errorf("subject %q: unknown kind: %w", subject, ErrMalformed)
	}
	if err != nil {
		return err
	}

	ix.metrics.Indexed(kind)
	return nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %v: %w", err, ErrMalformed)
	}
	return nil
}
