package domain

import "time"

// StatusEvent is emitted on every state transition of a transaction.
type StatusEvent struct {
	TransactionID  string            `json:"transaction_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Domain         TransactionDomain `json:"domain"`
	From           State             `json:"from"`
	To             State             `json:"to"`
	Status         WireStatus        `json:"status"`
	Attempt        int               `json:"attempt"`
	ErrorKind      *ErrorKind        `json:"error_kind,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// SettlementStatusEvent is a backend status update relayed from a webhook.
type SettlementStatusEvent struct {
	EventID    string    `json:"event_id"`
	Reference  string    `json:"reference"`
	Status     string    `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
