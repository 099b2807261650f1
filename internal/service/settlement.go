package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/punchamoorthee/meterbill/internal/store"
	"github.com/rs/zerolog"
)

// CostSource selects which amount a paid settlement debits.
type CostSource int

const (
	// CostFromRegistry debits the API's registered cost_per_request.
	CostFromRegistry CostSource = iota
	// CostFromRequest debits the cost supplied by the caller.
	CostFromRequest
)

func (c CostSource) String() string {
	if c == CostFromRequest {
		return "request"
	}
	return "registry"
}

// ParseCostSource accepts "registry" or "request".
func ParseCostSource(s string) (CostSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "registry", "":
		return CostFromRegistry, nil
	case "request":
		return CostFromRequest, nil
	}
	return 0, fmt.Errorf("unknown cost source %q", s)
}

// SettlementService decides and applies the charge for one API call.
type SettlementService struct {
	store       store.Store
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
	costSource  CostSource
	maxAttempts int
	backoff     time.Duration
}

type SettlementOption func(*SettlementService)

func WithCostSource(c CostSource) SettlementOption {
	return func(s *SettlementService) { s.costSource = c }
}

// WithMaxAttempts bounds how many times a retryable transaction is run.
func WithMaxAttempts(n int) SettlementOption {
	return func(s *SettlementService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithRetryBackoff(d time.Duration) SettlementOption {
	return func(s *SettlementService) { s.backoff = d }
}

func WithClock(now func() time.Time) SettlementOption {
	return func(s *SettlementService) { s.now = now }
}

func WithIDGenerator(f func() string) SettlementOption {
	return func(s *SettlementService) { s.newID = f }
}

func NewSettlementService(st store.Store, logger zerolog.Logger, opts ...SettlementOption) *SettlementService {
	s := &SettlementService{
		store:       st,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
		costSource:  CostFromRegistry,
		maxAttempts: 3,
		backoff:     10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle bills one call of req.APIID by req.UserID. The free allowance of the
// user's plan is consumed first; only when it is exhausted is the balance
// debited. Either the allowance/balance mutation and the ledger append both
// commit, or neither does.
func (s *SettlementService) Settle(ctx context.Context, req domain.SettleRequest) (*domain.SettleResult, error) {
	timer := prometheus.NewTimer(settlementDuration)
	defer timer.ObserveDuration()

	if err := req.Validate(); err != nil {
		settlementsTotal.WithLabelValues(outcomeInvalid).Inc()
		return nil, err
	}

	var (
		result *domain.SettleResult
		err    error
	)
	for attempt := 1; ; attempt++ {
		result, err = s.settleOnce(ctx, req)
		if err == nil || !store.IsRetryable(err) || attempt >= s.maxAttempts {
			break
		}
		settlementRetries.Inc()
		s.logger.Warn().Err(err).
			Str("user_id", req.UserID).
			Str("api_id", req.APIID).
			Int("attempt", attempt).
			Msg("settlement transaction aborted, retrying")
		if werr := sleepCtx(ctx, time.Duration(attempt)*s.backoff); werr != nil {
			err = fmt.Errorf("%w: retry interrupted: %v", domain.ErrPersistence, werr)
			break
		}
	}

	s.observe(req, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SettlementService) settleOnce(ctx context.Context, req domain.SettleRequest) (*domain.SettleResult, error) {
	var result *domain.SettleResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if req.IdempotencyKey != "" {
			replay, err := s.claimKey(ctx, tx, req)
			if err != nil {
				return err
			}
			if replay != nil {
				result = replay
				return nil
			}
		}

		api, err := tx.GetAPI(ctx, req.APIID)
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if user.PlanID == nil {
			return fmt.Errorf("user %s: %w", user.ID, domain.ErrPlanRequired)
		}

		free, err := tx.TryConsumeFreeAllowance(ctx, *user.PlanID)
		if err != nil {
			return err
		}

		var settled int64
		if !free {
			cost := s.chargeFor(api, req)
			ok, err := tx.TryDebit(ctx, user.ID, cost)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("user %s cannot cover %d: %w", user.ID, cost, domain.ErrInsufficientBalance)
			}
			settled = cost
		}

		rec := &domain.RequestRecord{
			ID:          s.newID(),
			UserID:      user.ID,
			APIID:       api.ID,
			RequestedAt: s.now().UTC(),
			Cost:        settled,
		}
		if err := tx.AppendRequest(ctx, rec); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := tx.CompleteIdempotencyKey(ctx, req.IdempotencyKey, rec.ID, free); err != nil {
				return err
			}
		}

		result = &domain.SettleResult{Record: *rec, FreeAllowance: free}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// claimKey returns a replayed result when the key already settled an
// identical request.
func (s *SettlementService) claimKey(ctx context.Context, tx store.Tx, req domain.SettleRequest) (*domain.SettleResult, error) {
	hash := requestHash(req)
	existing, err := tx.ClaimIdempotencyKey(ctx, req.IdempotencyKey, hash)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.RequestHash != hash {
		return nil, domain.ErrIdempotencyMismatch
	}
	if existing.RequestID == "" {
		return nil, fmt.Errorf("idempotency key %s has no settled request: %w", req.IdempotencyKey, domain.ErrConflict)
	}
	rec, err := tx.GetRequest(ctx, existing.RequestID)
	if err != nil {
		return nil, err
	}
	return &domain.SettleResult{Record: *rec, FreeAllowance: existing.FreeAllowance, Replayed: true}, nil
}

func (s *SettlementService) chargeFor(api *domain.API, req domain.SettleRequest) int64 {
	if s.costSource == CostFromRequest {
		return req.Cost
	}
	if req.Cost != 0 && req.Cost != api.CostPerRequest {
		s.logger.Debug().
			Str("api_id", api.ID).
			Int64("requested_cost", req.Cost).
			Int64("registered_cost", api.CostPerRequest).
			Msg("client cost differs from registered cost")
	}
	return api.CostPerRequest
}

func (s *SettlementService) observe(req domain.SettleRequest, result *domain.SettleResult, err error) {
	outcome := outcomeFor(result, err)
	settlementsTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		ev := s.logger.Debug()
		if outcome == outcomePersistence || outcome == outcomeError {
			ev = s.logger.Error()
		}
		ev.Err(err).
			Str("user_id", req.UserID).
			Str("api_id", req.APIID).
			Str("outcome", outcome).
			Msg("settlement rejected")
		return
	}

	if !result.Replayed {
		settledAmountTotal.Add(float64(result.Record.Cost))
	}
	s.logger.Debug().
		Str("request_id", result.Record.ID).
		Str("user_id", result.Record.UserID).
		Str("api_id", result.Record.APIID).
		Int64("cost", result.Record.Cost).
		Bool("free_allowance", result.FreeAllowance).
		Bool("replayed", result.Replayed).
		Msg("request settled")
}

func outcomeFor(result *domain.SettleResult, err error) string {
	switch {
	case err == nil && result.Replayed:
		return outcomeReplayed
	case err == nil && result.FreeAllowance:
		return outcomeFree
	case err == nil:
		return outcomeCharged
	case errors.Is(err, domain.ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, domain.ErrPlanRequired):
		return outcomePlanRequired
	case errors.Is(err, domain.ErrInsufficientBalance):
		return outcomeInsufficientBalance
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return outcomeIdempotencyMismatch
	case errors.Is(err, domain.ErrInvalidInput):
		return outcomeInvalid
	case errors.Is(err, domain.ErrPersistence):
		return outcomePersistence
	}
	return outcomeError
}

func requestHash(req domain.SettleRequest) string {
	sum := sha256.Sum256([]byte(req.UserID + "\x00" + req.APIID + "\x00" + strconv.FormatInt(req.Cost, 10)))
	return hex.EncodeToString(sum[:])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
