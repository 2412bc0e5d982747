package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
)

// SettlementUpdater applies backend status updates to transactions.
type SettlementUpdater interface {
	ApplySettlementUpdate(ctx context.Context, event domain.SettlementStatusEvent) error
}

// SettlementStatusConsumer handles settlement status events relayed over the broker.
type SettlementStatusConsumer struct {
	updater SettlementUpdater
	logger  *slog.Logger
	timeout time.Duration
}

func NewSettlementStatusConsumer(updater SettlementUpdater, logger *slog.Logger) *SettlementStatusConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementStatusConsumer{
		updater: updater,
		logger:  logger.With("component", "settlement-consumer"),
		timeout: 15 * time.Second,
	}
}

// HandleMessage returns true to acknowledge the delivery and false to requeue it.
// Malformed payloads are acknowledged; they would never succeed.
func (c *SettlementStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.SettlementStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("failed to unmarshal payload", "error", err)
		return true
	}

	event.Reference = strings.TrimSpace(event.Reference)
	if event.Reference == "" {
		c.logger.Warn("missing backend reference in event", "event_id", event.EventID, "status", event.Status)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.updater.ApplySettlementUpdate(ctx, event); err != nil {
		if errors.Is(err, domain.ErrBusy) {
			c.logger.Info("transaction busy; requeueing update", "reference", event.Reference)
		} else {
			c.logger.Error("processing error", "reference", event.Reference, "error", err)
		}
		return false
	}
	return true
}
