package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/bitsacco/transaction-service/pkg/rabbitmq"
)

// Observer receives every state transition after it has been persisted. Implementations
// must not block.
type Observer interface {
	OnStatus(event domain.StatusEvent)
}

type ObserverFunc func(domain.StatusEvent)

func (f ObserverFunc) OnStatus(event domain.StatusEvent) { f(event) }

// ChannelObserver forwards events to a buffered channel, dropping them when the reader
// falls behind.
type ChannelObserver struct {
	C      chan domain.StatusEvent
	logger *slog.Logger
}

func NewChannelObserver(buffer int, logger *slog.Logger) *ChannelObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelObserver{C: make(chan domain.StatusEvent, buffer), logger: logger}
}

func (o *ChannelObserver) OnStatus(event domain.StatusEvent) {
	select {
	case o.C <- event:
	default:
		o.logger.Warn("status event dropped; observer channel full", "transaction_id", event.TransactionID, "to", event.To)
	}
}

// EventPublisher relays status events to the events exchange under
// transaction.status.<wire status>.
type EventPublisher struct {
	publisher rabbitmq.Publisher
	exchange  string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewEventPublisher(publisher rabbitmq.Publisher, exchange string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		publisher: publisher,
		exchange:  exchange,
		timeout:   5 * time.Second,
		logger:    logger.With("component", "event_publisher"),
	}
}

func RoutingKey(status domain.WireStatus) string {
	return "transaction.status." + string(status)
}

func (p *EventPublisher) OnStatus(event domain.StatusEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.publisher.Publish(ctx, p.exchange, RoutingKey(event.Status), event); err != nil {
		p.logger.Error("failed to publish status event", "transaction_id", event.TransactionID, "to", event.To, "error", err)
	}
}
