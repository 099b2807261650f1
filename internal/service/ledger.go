package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/punchamoorthee/meterbill/internal/store"
)

// LedgerReader is the storage the request ledger queries need.
type LedgerReader interface {
	store.RequestLedger
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetAPI(ctx context.Context, id string) (*domain.API, error)
}

// LedgerService answers read queries over settled requests. The ledger is
// append-only; nothing here or in the store mutates an existing record.
type LedgerService struct {
	store LedgerReader
}

func NewLedgerService(st LedgerReader) *LedgerService {
	return &LedgerService{store: st}
}

func (l *LedgerService) Get(ctx context.Context, id string) (*domain.RequestRecord, error) {
	return l.store.GetRequest(ctx, id)
}

func (l *LedgerService) ListByUser(ctx context.Context, userID string) ([]domain.RequestRecord, error) {
	return l.List(ctx, domain.RequestFilter{UserID: userID})
}

func (l *LedgerService) ListByAPI(ctx context.Context, apiID string) ([]domain.RequestRecord, error) {
	return l.List(ctx, domain.RequestFilter{APIID: apiID})
}

// ListByDateRange returns records with From <= request_date <= To.
func (l *LedgerService) ListByDateRange(ctx context.Context, r domain.TimeRange) ([]domain.RequestRecord, error) {
	return l.List(ctx, domain.RequestFilter{Range: r})
}

// List combines the user, API and date filters. A named user or API must exist.
func (l *LedgerService) List(ctx context.Context, f domain.RequestFilter) ([]domain.RequestRecord, error) {
	if !f.Range.From.IsZero() && !f.Range.To.IsZero() && f.Range.From.After(f.Range.To) {
		return nil, fmt.Errorf("%w: range start is after range end", domain.ErrInvalidInput)
	}
	if f.UserID != "" {
		if _, err := l.store.GetUser(ctx, f.UserID); err != nil {
			return nil, err
		}
	}
	if f.APIID != "" {
		if _, err := l.store.GetAPI(ctx, f.APIID); err != nil {
			return nil, err
		}
	}
	return l.store.ListRequests(ctx, f)
}
