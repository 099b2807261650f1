package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/meterbill/internal/domain"
)

// Tx is the view of the store available inside a settlement transaction.
// Every conditional update is a single atomic step; the surrounding
// transaction makes the whole settlement all-or-nothing.
type Tx interface {
	GetAPI(ctx context.Context, id string) (*domain.API, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetRequest(ctx context.Context, id string) (*domain.RequestRecord, error)

	// TryConsumeFreeAllowance decrements free_requests iff it is positive.
	TryConsumeFreeAllowance(ctx context.Context, planID string) (bool, error)
	// TryDebit decrements balance iff balance >= amount.
	TryDebit(ctx context.Context, userID string, amount int64) (bool, error)

	AppendRequest(ctx context.Context, rec *domain.RequestRecord) error

	// ClaimIdempotencyKey reserves key for this transaction. It returns nil
	// when the key was free, or the record that already owns it.
	ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)
	// CompleteIdempotencyKey records the settled request and whether it was
	// covered by the free allowance, so a replay reports the same outcome.
	CompleteIdempotencyKey(ctx context.Context, key, requestID string, freeAllowance bool) error
}

// Catalog holds plans, APIs and user accounts.
type Catalog interface {
	CreatePlan(ctx context.Context, p *domain.Plan) error
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
	UpdatePlan(ctx context.Context, p *domain.Plan) error
	DeletePlan(ctx context.Context, id string) error

	CreateAPI(ctx context.Context, a *domain.API) error
	GetAPI(ctx context.Context, id string) (*domain.API, error)
	ListAPIs(ctx context.Context) ([]domain.API, error)

	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	SetUserPlan(ctx context.Context, userID string, planID *string) error
}

// RequestLedger is the read side of the append-only request log.
type RequestLedger interface {
	GetRequest(ctx context.Context, id string) (*domain.RequestRecord, error)
	ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.RequestRecord, error)
	RequestTotals(ctx context.Context, r domain.TimeRange) (domain.RequestTotals, error)
	CountUsers(ctx context.Context, excludeRole string) (int64, error)
	// CountUsersCreated counts accounts with From <= created_at <= To.
	CountUsersCreated(ctx context.Context, r domain.TimeRange) (int64, error)
}

// Store is the full storage handle injected into the services.
type Store interface {
	Catalog
	RequestLedger
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// PersistenceError wraps a storage failure. It matches domain.ErrPersistence
// and unwraps to the driver error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", domain.ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == domain.ErrPersistence }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// PostgreSQL SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsRetryable reports whether the whole transaction may be re-run.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
