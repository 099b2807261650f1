package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/meterbill/internal/domain"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAPI(ctx context.Context, id string) (*domain.API, error) {
	return getAPI(ctx, t.tx, id)
}

// GetUser locks the user row for the rest of the settlement. Detaching the
// user's plan, directly or through a plan delete, waits for the commit.
func (t *pgTx) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx, userSelect+" FOR UPDATE", id), id)
}

func (t *pgTx) GetRequest(ctx context.Context, id string) (*domain.RequestRecord, error) {
	return getRequest(ctx, t.tx, id)
}

// TryConsumeFreeAllowance is a single conditional UPDATE. The row lock taken
// by the UPDATE serializes concurrent decrements of the same plan, and the
// predicate is re-evaluated against the latest committed value.
func (t *pgTx) TryConsumeFreeAllowance(ctx context.Context, planID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		"UPDATE plans SET free_requests = free_requests - 1 WHERE id = $1 AND free_requests > 0",
		planID)
	if err != nil {
		return false, persistErr("consume free allowance", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) TryDebit(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("%w: negative debit", domain.ErrInvalidInput)
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2",
		userID, amount)
	if err != nil {
		return false, persistErr("debit balance", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AppendRequest(ctx context.Context, rec *domain.RequestRecord) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO api_requests (id, user_id, api_id, request_date, cost) VALUES ($1, $2, $3, $4, $5)",
		rec.ID, rec.UserID, rec.APIID, rec.RequestedAt, rec.Cost)
	return persistErr("append request", err)
}

// ClaimIdempotencyKey inserts the key; a concurrent holder of the same key
// blocks this insert until it commits or rolls back.
func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	tag, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
		key, requestHash)
	if err != nil {
		return nil, persistErr("claim idempotency key", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	rec := &domain.IdempotencyRecord{Key: key}
	err = t.tx.QueryRow(ctx,
		"SELECT request_hash, COALESCE(request_id, ''), free_allowance FROM idempotency_keys WHERE key = $1",
		key).Scan(&rec.RequestHash, &rec.RequestID, &rec.FreeAllowance)
	if err != nil {
		return nil, persistErr("read idempotency key", err)
	}
	return rec, nil
}

func (t *pgTx) CompleteIdempotencyKey(ctx context.Context, key, requestID string, freeAllowance bool) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET request_id = $2, free_allowance = $3 WHERE key = $1",
		key, requestID, freeAllowance)
	return persistErr("complete idempotency key", err)
}

var _ Tx = (*pgTx)(nil)
