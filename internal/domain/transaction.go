/**
 * @description
 * Core orchestration models: the Transaction working copy, its state machine states,
 * the append-only attempt log, and the wire-stable status projection.
 *
 * @notes
 * - Amounts are millisatoshis; fiat values are computed from the bound quote.
 * - Attempt records are resolved at most once (pending -> success|failure) and are
 *   otherwise never rewritten; retries append.
 */

package domain

import (
	"time"
)

// State is a node in the orchestration state machine.
type State string

const (
	StateDraft        State = "draft"
	StateQuotePending State = "quote_pending"
	StateQuoted       State = "quoted"
	StateSubmitting   State = "submitting"
	StatePending      State = "pending"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateExpired      State = "expired"
)

// WireStatus is the persisted/exposed transaction status.
type WireStatus string

const (
	WireStatusPending    WireStatus = "pending"
	WireStatusProcessing WireStatus = "processing"
	WireStatusCompleted  WireStatus = "completed"
	WireStatusFailed     WireStatus = "failed"
)

// Wire projects the internal state onto the wire-stable status values.
func (s State) Wire() WireStatus {
	switch s {
	case StatePending:
		return WireStatusProcessing
	case StateCompleted:
		return WireStatusCompleted
	case StateFailed:
		return WireStatusFailed
	default:
		return WireStatusPending
	}
}

var transitions = map[State][]State{
	StateDraft:        {StateQuotePending, StateSubmitting},
	StateQuotePending: {StateQuoted},
	StateQuoted:       {StateSubmitting, StateExpired},
	StateExpired:      {StateQuotePending},
	StateSubmitting:   {StatePending, StateCompleted, StateFailed},
	StatePending:      {StateCompleted, StateFailed},
	StateFailed:       {StateSubmitting},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Abandonable reports whether nothing has been submitted yet.
func (s State) Abandonable() bool {
	switch s {
	case StateDraft, StateQuotePending, StateQuoted, StateExpired:
		return true
	default:
		return false
	}
}

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type ErrorKind string

const (
	ErrorKindRetryable ErrorKind = "retryable"
	ErrorKindTerminal  ErrorKind = "terminal"
)

// AttemptRecord is one real submission to the settlement backend.
type AttemptRecord struct {
	AttemptNumber    int        `json:"attempt_number"`
	IdempotencyKey   string     `json:"idempotency_key"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	BackendReference *string    `json:"backend_reference,omitempty"`
	Outcome          Outcome    `json:"outcome"`
	ErrorKind        *ErrorKind `json:"error_kind,omitempty"`
	ErrorCode        *string    `json:"error_code,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// Transaction is the orchestrated unit. The orchestrator owns it until a terminal state.
type Transaction struct {
	ID               string            `json:"id"`
	Intent           TransactionIntent `json:"intent"`
	Quote            *Quote            `json:"quote,omitempty"`
	QuotedAt         *time.Time        `json:"quoted_at,omitempty"`
	Amount           Money             `json:"amount"`
	State            State             `json:"state"`
	Resolved         *ResolvedRequest  `json:"resolved,omitempty"`
	Membership       *ChamaMembership  `json:"membership,omitempty"`
	Attempts         []AttemptRecord   `json:"attempts"`
	LastErrorKind    *ErrorKind        `json:"last_error_kind,omitempty"`
	LastErrorMessage *string           `json:"last_error_message,omitempty"`
	Exhausted        bool              `json:"exhausted"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further transitions are possible.
func (t *Transaction) IsTerminal() bool {
	return t.State == StateCompleted || (t.State == StateFailed && t.Exhausted)
}

// LastAttempt returns the most recent attempt, if any.
func (t *Transaction) LastAttempt() *AttemptRecord {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

// AppendAttempt adds a new pending attempt numbered after the existing ones.
func (t *Transaction) AppendAttempt(submittedAt time.Time) *AttemptRecord {
	t.Attempts = append(t.Attempts, AttemptRecord{
		AttemptNumber:  len(t.Attempts) + 1,
		IdempotencyKey: t.Intent.IdempotencyKey,
		SubmittedAt:    submittedAt,
		Outcome:        OutcomePending,
	})
	return &t.Attempts[len(t.Attempts)-1]
}

// ResolveLastAttempt settles the pending last attempt. It returns false if the attempt
// was already resolved.
func (t *Transaction) ResolveLastAttempt(outcome Outcome, kind *ErrorKind, code, message *string, at time.Time) bool {
	last := t.LastAttempt()
	if last == nil || last.Outcome != OutcomePending || outcome == OutcomePending {
		return false
	}
	last.Outcome = outcome
	last.ErrorKind = kind
	last.ErrorCode = code
	last.ErrorMessage = message
	last.ResolvedAt = &at
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	out.Attempts = append([]AttemptRecord(nil), t.Attempts...)
	if t.Quote != nil {
		q := *t.Quote
		out.Quote = &q
	}
	if t.Resolved != nil {
		r := *t.Resolved
		out.Resolved = &r
	}
	if t.Membership != nil {
		m := *t.Membership
		m.Roles = append([]Role(nil), t.Membership.Roles...)
		out.Membership = &m
	}
	return &out
}
