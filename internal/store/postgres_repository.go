/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * A transaction row keeps its scalar lifecycle columns next to JSONB documents for the
 * intent, bound quote, resolved request and attempt trail, so the working copy is
 * read and written as one unit.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                 TEXT PRIMARY KEY,
	initiator_id       TEXT NOT NULL,
	idempotency_key    TEXT NOT NULL,
	domain             TEXT NOT NULL,
	state              TEXT NOT NULL,
	status             TEXT NOT NULL,
	amount_msats       BIGINT NOT NULL DEFAULT 0,
	intent             JSONB NOT NULL,
	quote              JSONB,
	quoted_at          TIMESTAMPTZ,
	resolved           JSONB,
	membership         JSONB,
	attempts           JSONB NOT NULL DEFAULT '[]'::jsonb,
	last_error_kind    TEXT,
	last_error_message TEXT,
	exhausted          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	UNIQUE (initiator_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS transactions_in_flight_idx ON transactions (updated_at) WHERE state IN ('submitting', 'pending');
CREATE INDEX IF NOT EXISTS transactions_attempts_idx ON transactions USING GIN (attempts jsonb_path_ops);

CREATE TABLE IF NOT EXISTS chama_members (
	chama_id          TEXT NOT NULL,
	member_key        TEXT NOT NULL,
	user_id           TEXT,
	phone_number      TEXT,
	protocol_identity TEXT,
	roles             INT[] NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chama_id, member_key)
);
`

const transactionColumns = `
	id, intent, quote, quoted_at, amount_msats, state, resolved, membership, attempts,
	last_error_kind, last_error_message, exhausted, created_at, updated_at, completed_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the tables the service needs if they do not exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// transactionRow is the scanned form of a transaction row.
type transactionRow struct {
	intent     []byte
	quote      []byte
	resolved   []byte
	membership []byte
	attempts   []byte
	errorKind  *string
}

// transactionArgs carries the JSONB documents as text. The pool runs in simple protocol
// mode, where a []byte argument is sent as a bytea literal that jsonb rejects.
type transactionArgs struct {
	intent     string
	quote      *string
	resolved   *string
	membership *string
	attempts   string
	errorKind  *string
}

func encodeTransaction(tx *domain.Transaction) (*transactionArgs, error) {
	var args transactionArgs
	intent, err := json.Marshal(tx.Intent)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}
	args.intent = string(intent)
	if args.quote, err = marshalOptional(tx.Quote); err != nil {
		return nil, fmt.Errorf("encode quote: %w", err)
	}
	if args.resolved, err = marshalOptional(tx.Resolved); err != nil {
		return nil, fmt.Errorf("encode resolved request: %w", err)
	}
	if args.membership, err = marshalOptional(tx.Membership); err != nil {
		return nil, fmt.Errorf("encode membership: %w", err)
	}
	attempts := tx.Attempts
	if attempts == nil {
		attempts = []domain.AttemptRecord{}
	}
	encoded, err := json.Marshal(attempts)
	if err != nil {
		return nil, fmt.Errorf("encode attempts: %w", err)
	}
	args.attempts = string(encoded)
	if tx.LastErrorKind != nil {
		kind := string(*tx.LastErrorKind)
		args.errorKind = &kind
	}
	return &args, nil
}

func marshalOptional[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	text := string(data)
	return &text, nil
}

// referenceFilter is the jsonb containment document matching an attempt by backend reference.
func referenceFilter(reference string) (string, error) {
	data, err := json.Marshal([]map[string]string{{"backend_reference": reference}})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalOptional[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeTransaction(tx *domain.Transaction, row *transactionRow) error {
	if err := json.Unmarshal(row.intent, &tx.Intent); err != nil {
		return fmt.Errorf("decode intent: %w", err)
	}
	var err error
	if tx.Quote, err = unmarshalOptional[domain.Quote](row.quote); err != nil {
		return fmt.Errorf("decode quote: %w", err)
	}
	if tx.Resolved, err = unmarshalOptional[domain.ResolvedRequest](row.resolved); err != nil {
		return fmt.Errorf("decode resolved request: %w", err)
	}
	if tx.Membership, err = unmarshalOptional[domain.ChamaMembership](row.membership); err != nil {
		return fmt.Errorf("decode membership: %w", err)
	}
	tx.Attempts = nil
	if len(row.attempts) > 0 {
		if err := json.Unmarshal(row.attempts, &tx.Attempts); err != nil {
			return fmt.Errorf("decode attempts: %w", err)
		}
	}
	tx.LastErrorKind = nil
	if row.errorKind != nil {
		kind := domain.ErrorKind(*row.errorKind)
		tx.LastErrorKind = &kind
	}
	return nil
}

// CreateTransaction inserts a new transaction record into the database.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	args, err := encodeTransaction(tx)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO transactions (
			id, initiator_id, idempotency_key, domain, state, status, amount_msats,
			intent, quote, quoted_at, resolved, membership, attempts,
			last_error_kind, last_error_message, exhausted, created_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = r.db.Exec(ctx, query,
		tx.ID,
		tx.Intent.Initiator.UserID,
		tx.Intent.IdempotencyKey,
		string(tx.Intent.Domain),
		string(tx.State),
		string(tx.State.Wire()),
		tx.Amount.Msats,
		args.intent,
		args.quote,
		tx.QuotedAt,
		args.resolved,
		args.membership,
		args.attempts,
		args.errorKind,
		tx.LastErrorMessage,
		tx.Exhausted,
		tx.CreatedAt,
		tx.UpdatedAt,
		tx.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

// SaveTransaction overwrites the mutable columns of an existing transaction.
func (r *PostgresRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	args, err := encodeTransaction(tx)
	if err != nil {
		return err
	}
	query := `
		UPDATE transactions
		SET
			state = $1,
			status = $2,
			amount_msats = $3,
			quote = $4,
			quoted_at = $5,
			resolved = $6,
			membership = $7,
			attempts = $8,
			last_error_kind = $9,
			last_error_message = $10,
			exhausted = $11,
			updated_at = $12,
			completed_at = $13
		WHERE id = $14
	`
	tag, err := r.db.Exec(ctx, query,
		string(tx.State),
		string(tx.State.Wire()),
		tx.Amount.Msats,
		args.quote,
		tx.QuotedAt,
		args.resolved,
		args.membership,
		args.attempts,
		args.errorKind,
		tx.LastErrorMessage,
		tx.Exhausted,
		tx.UpdatedAt,
		tx.CompletedAt,
		tx.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresRepository) scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var enc transactionRow
	var state string
	err := row.Scan(
		&tx.ID,
		&enc.intent,
		&enc.quote,
		&tx.QuotedAt,
		&tx.Amount.Msats,
		&state,
		&enc.resolved,
		&enc.membership,
		&enc.attempts,
		&enc.errorKind,
		&tx.LastErrorMessage,
		&tx.Exhausted,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&tx.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	tx.State = domain.State(state)
	if err := decodeTransaction(&tx, &enc); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE id = $1`
	return r.scanTransaction(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE initiator_id = $1 AND idempotency_key = $2`
	return r.scanTransaction(r.db.QueryRow(ctx, query, userID, key))
}

func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	filter, err := referenceFilter(reference)
	if err != nil {
		return nil, err
	}
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE attempts @> $1::jsonb ORDER BY updated_at DESC LIMIT 1`
	return r.scanTransaction(r.db.QueryRow(ctx, query, filter))
}

func (r *PostgresRepository) ListInFlightTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE state IN ('submitting', 'pending')
		ORDER BY updated_at ASC
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// SaveChamaMembers upserts membership rows; roles of an existing member are replaced.
func (r *PostgresRepository) SaveChamaMembers(ctx context.Context, members []domain.ChamaMember) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO chama_members (chama_id, member_key, user_id, phone_number, protocol_identity, roles, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chama_id, member_key) DO UPDATE SET roles = EXCLUDED.roles
	`
	for _, m := range members {
		key := memberKey(m)
		if key == "" {
			return fmt.Errorf("chama %s: member without identity", m.ChamaID)
		}
		if _, err := tx.Exec(ctx, query, m.ChamaID, key, m.UserID, m.PhoneNumber, m.ProtocolIdentity, rolesToInts(m.Roles), m.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) ChamaExists(ctx context.Context, chamaID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chama_members WHERE chama_id = $1)`, chamaID).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) FindChamaMember(ctx context.Context, chamaID string, caller domain.Caller) (*domain.ChamaMember, error) {
	query := `
		SELECT chama_id, user_id, phone_number, protocol_identity, roles, created_at
		FROM chama_members
		WHERE chama_id = $1
		  AND ((user_id IS NOT NULL AND user_id = NULLIF($2, ''))
		    OR (phone_number IS NOT NULL AND phone_number = NULLIF($3, ''))
		    OR (protocol_identity IS NOT NULL AND protocol_identity = NULLIF($4, '')))
		ORDER BY user_id NULLS LAST
		LIMIT 1
	`
	var m domain.ChamaMember
	var roles []int32
	err := r.db.QueryRow(ctx, query, chamaID, caller.UserID, caller.PhoneNumber, caller.ProtocolIdentity).Scan(
		&m.ChamaID,
		&m.UserID,
		&m.PhoneNumber,
		&m.ProtocolIdentity,
		&roles,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	m.Roles = intsToRoles(roles)
	return &m, nil
}

func rolesToInts(roles []domain.Role) []int32 {
	out := make([]int32, len(roles))
	for i, r := range roles {
		out[i] = int32(r)
	}
	return out
}

func intsToRoles(values []int32) []domain.Role {
	out := make([]domain.Role, len(values))
	for i, v := range values {
		out[i] = domain.Role(v)
	}
	return out
}
