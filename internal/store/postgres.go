package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	Db     *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects a pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32, logger zerolog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool, logger: logger}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return persistErr("ping", s.Db.Ping(ctx))
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return persistErr("migrate", err)
	}
	s.logger.Info().Msg("database schema applied")
	return nil
}

// WithTx runs fn in one READ COMMITTED transaction. The conditional updates
// in Tx make each check-and-mutate atomic; the transaction makes the set of
// them all-or-nothing.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return persistErr("tx begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return persistErr("tx commit", err)
	}
	return nil
}

// Plans

func (s *PostgresStore) CreatePlan(ctx context.Context, p *domain.Plan) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO plans (id, name, description, price_per_request, free_requests)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		p.ID, p.Name, p.Description, p.PricePerRequest, p.FreeRequests,
	).Scan(&p.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return fmt.Errorf("plan %s: %w", p.ID, domain.ErrConflict)
	}
	return persistErr("create plan", err)
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var p domain.Plan
	err := s.Db.QueryRow(ctx,
		`SELECT id, name, description, price_per_request, free_requests, created_at FROM plans WHERE id = $1`,
		id).Scan(&p.ID, &p.Name, &p.Description, &p.PricePerRequest, &p.FreeRequests, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get plan", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, name, description, price_per_request, free_requests, created_at FROM plans ORDER BY created_at, id`)
	if err != nil {
		return nil, persistErr("list plans", err)
	}
	defer rows.Close()

	plans := []domain.Plan{}
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PricePerRequest, &p.FreeRequests, &p.CreatedAt); err != nil {
			return nil, persistErr("scan plan", err)
		}
		plans = append(plans, p)
	}
	return plans, persistErr("list plans", rows.Err())
}

func (s *PostgresStore) UpdatePlan(ctx context.Context, p *domain.Plan) error {
	err := s.Db.QueryRow(ctx,
		`UPDATE plans SET name = $2, description = $3, price_per_request = $4, free_requests = $5
		 WHERE id = $1 RETURNING created_at`,
		p.ID, p.Name, p.Description, p.PricePerRequest, p.FreeRequests,
	).Scan(&p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("plan %s: %w", p.ID, domain.ErrNotFound)
	}
	return persistErr("update plan", err)
}

func (s *PostgresStore) DeletePlan(ctx context.Context, id string) error {
	tag, err := s.Db.Exec(ctx, "DELETE FROM plans WHERE id = $1", id)
	if pgCode(err) == codeForeignKeyViolation {
		return fmt.Errorf("plan %s has registered apis: %w", id, domain.ErrConflict)
	}
	if err != nil {
		return persistErr("delete plan", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// APIs

func (s *PostgresStore) CreateAPI(ctx context.Context, a *domain.API) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO apis (id, name, module, description, cost_per_request, is_free, plan_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		a.ID, a.Name, a.Module, a.Description, a.CostPerRequest, a.IsFree, a.PlanID,
	).Scan(&a.CreatedAt)
	switch pgCode(err) {
	case codeForeignKeyViolation:
		return fmt.Errorf("plan %s: %w", a.PlanID, domain.ErrNotFound)
	case codeUniqueViolation:
		return fmt.Errorf("api %s: %w", a.ID, domain.ErrConflict)
	}
	return persistErr("create api", err)
}

func (s *PostgresStore) GetAPI(ctx context.Context, id string) (*domain.API, error) {
	return getAPI(ctx, s.Db, id)
}

func (s *PostgresStore) ListAPIs(ctx context.Context) ([]domain.API, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, name, module, description, cost_per_request, is_free, plan_id, created_at
		 FROM apis ORDER BY created_at, id`)
	if err != nil {
		return nil, persistErr("list apis", err)
	}
	defer rows.Close()

	apis := []domain.API{}
	for rows.Next() {
		var a domain.API
		if err := rows.Scan(&a.ID, &a.Name, &a.Module, &a.Description, &a.CostPerRequest, &a.IsFree, &a.PlanID, &a.CreatedAt); err != nil {
			return nil, persistErr("scan api", err)
		}
		apis = append(apis, a)
	}
	return apis, persistErr("list apis", rows.Err())
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, u *domain.User) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO users (id, name, email, role, balance, plan_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		u.ID, u.Name, u.Email, u.Role, u.Balance, u.PlanID,
	).Scan(&u.CreatedAt)
	switch pgCode(err) {
	case codeForeignKeyViolation:
		return fmt.Errorf("plan %s: %w", derefOr(u.PlanID, ""), domain.ErrNotFound)
	case codeUniqueViolation:
		return fmt.Errorf("user %s: %w", u.ID, domain.ErrConflict)
	case codeCheckViolation:
		return fmt.Errorf("user %s: balance must not be negative: %w", u.ID, domain.ErrInvalidInput)
	}
	return persistErr("create user", err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return getUser(ctx, s.Db, id)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, name, email, role, balance, plan_id, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, persistErr("list users", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Balance, &u.PlanID, &u.CreatedAt); err != nil {
			return nil, persistErr("scan user", err)
		}
		users = append(users, u)
	}
	return users, persistErr("list users", rows.Err())
}

func (s *PostgresStore) SetUserPlan(ctx context.Context, userID string, planID *string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE users SET plan_id = $2 WHERE id = $1", userID, planID)
	if pgCode(err) == codeForeignKeyViolation {
		return fmt.Errorf("plan %s: %w", derefOr(planID, ""), domain.ErrNotFound)
	}
	if err != nil {
		return persistErr("set user plan", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

// Request ledger

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*domain.RequestRecord, error) {
	return getRequest(ctx, s.Db, id)
}

func (s *PostgresStore) ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.RequestRecord, error) {
	where, args := requestWhere(f)
	rows, err := s.Db.Query(ctx,
		"SELECT id, user_id, api_id, request_date, cost FROM api_requests"+where+" ORDER BY request_date, id",
		args...)
	if err != nil {
		return nil, persistErr("list requests", err)
	}
	defer rows.Close()

	records := []domain.RequestRecord{}
	for rows.Next() {
		var r domain.RequestRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.APIID, &r.RequestedAt, &r.Cost); err != nil {
			return nil, persistErr("scan request", err)
		}
		records = append(records, r)
	}
	return records, persistErr("list requests", rows.Err())
}

func (s *PostgresStore) RequestTotals(ctx context.Context, r domain.TimeRange) (domain.RequestTotals, error) {
	where, args := requestWhere(domain.RequestFilter{Range: r})
	var t domain.RequestTotals
	err := s.Db.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(cost), 0)::BIGINT FROM api_requests"+where,
		args...).Scan(&t.Count, &t.Sum)
	if err != nil {
		return domain.RequestTotals{}, persistErr("request totals", err)
	}
	return t, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context, excludeRole string) (int64, error) {
	var n int64
	err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE role <> $1", excludeRole).Scan(&n)
	if err != nil {
		return 0, persistErr("count users", err)
	}
	return n, nil
}

func (s *PostgresStore) CountUsersCreated(ctx context.Context, r domain.TimeRange) (int64, error) {
	var conds []string
	var args []any
	if !r.From.IsZero() {
		args = append(args, r.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !r.To.IsZero() {
		args = append(args, r.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	query := "SELECT COUNT(*) FROM users"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var n int64
	if err := s.Db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, persistErr("count users created", err)
	}
	return n, nil
}

func requestWhere(f domain.RequestFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.APIID != "" {
		add("api_id = $%d", f.APIID)
	}
	if !f.Range.From.IsZero() {
		add("request_date >= $%d", f.Range.From)
	}
	if !f.Range.To.IsZero() {
		add("request_date <= $%d", f.Range.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Shared row readers for the pool and for transactions.

func getAPI(ctx context.Context, q querier, id string) (*domain.API, error) {
	var a domain.API
	err := q.QueryRow(ctx,
		`SELECT id, name, module, description, cost_per_request, is_free, plan_id, created_at FROM apis WHERE id = $1`,
		id).Scan(&a.ID, &a.Name, &a.Module, &a.Description, &a.CostPerRequest, &a.IsFree, &a.PlanID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("api %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get api", err)
	}
	return &a, nil
}

const userSelect = `SELECT id, name, email, role, balance, plan_id, created_at FROM users WHERE id = $1`

func getUser(ctx context.Context, q querier, id string) (*domain.User, error) {
	return scanUser(q.QueryRow(ctx, userSelect, id), id)
}

func scanUser(row pgx.Row, id string) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Balance, &u.PlanID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get user", err)
	}
	return &u, nil
}

func getRequest(ctx context.Context, q querier, id string) (*domain.RequestRecord, error) {
	var r domain.RequestRecord
	err := q.QueryRow(ctx,
		`SELECT id, user_id, api_id, request_date, cost FROM api_requests WHERE id = $1`,
		id).Scan(&r.ID, &r.UserID, &r.APIID, &r.RequestedAt, &r.Cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get request", err)
	}
	return &r, nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

var _ Store = (*PostgresStore)(nil)
