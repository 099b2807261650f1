package service

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/punchamoorthee/meterbill/internal/store"
	"golang.org/x/sync/errgroup"
)

// AnalyticsReader is the read-only storage used by analytics.
type AnalyticsReader interface {
	store.RequestLedger
	ListUsers(ctx context.Context) ([]domain.User, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
}

// AnalyticsService derives admin statistics. It holds no state and takes no
// locks, so it runs alongside settlements.
type AnalyticsService struct {
	store AnalyticsReader
	now   func() time.Time
}

func NewAnalyticsService(st AnalyticsReader, now func() time.Time) *AnalyticsService {
	if now == nil {
		now = time.Now
	}
	return &AnalyticsService{store: st, now: now}
}

// Summary reports the non-admin user count, total and current-month revenue
// and the total request count. An empty ledger yields zeros.
func (a *AnalyticsService) Summary(ctx context.Context) (*domain.Summary, error) {
	month := domain.MonthOf(a.now().UTC())

	var (
		users          int64
		total, monthly domain.RequestTotals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = a.store.CountUsers(gctx, domain.RoleAdmin)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = a.store.RequestTotals(gctx, domain.TimeRange{})
		return err
	})
	g.Go(func() error {
		var err error
		monthly, err = a.store.RequestTotals(gctx, month)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &domain.Summary{
		TotalUsers:     users,
		TotalRevenue:   total.Sum,
		TotalRequests:  total.Count,
		MonthlyRevenue: monthly.Sum,
	}, nil
}

// Users lists non-admin accounts with their plan name.
func (a *AnalyticsService) Users(ctx context.Context) ([]domain.UserOverview, error) {
	users, plans, err := a.usersAndPlans(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(plans))
	for _, p := range plans {
		names[p.ID] = p.Name
	}

	out := []domain.UserOverview{}
	for _, u := range users {
		if u.Role == domain.RoleAdmin {
			continue
		}
		o := overview(u)
		o.PlanName = domain.NoPlanName
		if u.PlanID != nil {
			if name, ok := names[*u.PlanID]; ok {
				o.PlanName = name
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// PlanUsage groups non-admin subscribers by plan. Plans without
// subscribers are listed with zero users.
func (a *AnalyticsService) PlanUsage(ctx context.Context) ([]domain.PlanUsage, error) {
	users, plans, err := a.usersAndPlans(ctx)
	if err != nil {
		return nil, err
	}

	byPlan := make(map[string][]domain.UserOverview, len(plans))
	for _, u := range users {
		if u.Role == domain.RoleAdmin || u.PlanID == nil {
			continue
		}
		byPlan[*u.PlanID] = append(byPlan[*u.PlanID], overview(u))
	}

	out := make([]domain.PlanUsage, 0, len(plans))
	for _, p := range plans {
		subs := byPlan[p.ID]
		if subs == nil {
			subs = []domain.UserOverview{}
		}
		out = append(out, domain.PlanUsage{
			PlanID:     p.ID,
			PlanName:   p.Name,
			TotalUsers: len(subs),
			Users:      subs,
		})
	}
	return out, nil
}

// RegisteredUsers counts accounts of every role created between r.From and
// r.To inclusive. Both bounds are required.
func (a *AnalyticsService) RegisteredUsers(ctx context.Context, r domain.TimeRange) (*domain.RegisteredUsers, error) {
	if r.From.IsZero() || r.To.IsZero() {
		return nil, fmt.Errorf("%w: from and to are required", domain.ErrInvalidInput)
	}
	if r.From.After(r.To) {
		return nil, fmt.Errorf("%w: from must not be after to", domain.ErrInvalidInput)
	}
	n, err := a.store.CountUsersCreated(ctx, r)
	if err != nil {
		return nil, err
	}
	return &domain.RegisteredUsers{From: r.From, To: r.To, Count: n}, nil
}

func (a *AnalyticsService) usersAndPlans(ctx context.Context) ([]domain.User, []domain.Plan, error) {
	var (
		users []domain.User
		plans []domain.Plan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = a.store.ListUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		plans, err = a.store.ListPlans(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return users, plans, nil
}

func overview(u domain.User) domain.UserOverview {
	return domain.UserOverview{ID: u.ID, Name: u.Name, Email: u.Email, Balance: u.Balance}
}
