package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/punchamoorthee/meterbill/internal/store"
	"github.com/rs/zerolog"
)

// CatalogService manages plans, the API registry and user subscriptions.
// API lookups are served through an expiring LRU since registered APIs are
// never modified after creation.
type CatalogService struct {
	store  store.Catalog
	logger zerolog.Logger
	apis   *expirable.LRU[string, domain.API]
	newID  func() string
}

func NewCatalogService(st store.Catalog, logger zerolog.Logger, cacheSize int, cacheTTL time.Duration) *CatalogService {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &CatalogService{
		store:  st,
		logger: logger,
		apis:   expirable.NewLRU[string, domain.API](cacheSize, nil, cacheTTL),
		newID:  uuid.NewString,
	}
}

// Plans

func (c *CatalogService) CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (*domain.Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := &domain.Plan{
		ID:              c.newID(),
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		PricePerRequest: req.PricePerRequest,
		FreeRequests:    req.FreeRequests,
	}
	if err := c.store.CreatePlan(ctx, p); err != nil {
		return nil, err
	}
	c.logger.Info().Str("plan_id", p.ID).Str("name", p.Name).Msg("plan created")
	return p, nil
}

func (c *CatalogService) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	return c.store.GetPlan(ctx, id)
}

func (c *CatalogService) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return c.store.ListPlans(ctx)
}

// UpdatePlan overwrites the plan's fields, including its free-request
// allowance. This is the only path that can raise the allowance.
func (c *CatalogService) UpdatePlan(ctx context.Context, id string, req domain.UpdatePlanRequest) (*domain.Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := &domain.Plan{
		ID:              id,
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		PricePerRequest: req.PricePerRequest,
		FreeRequests:    req.FreeRequests,
	}
	if err := c.store.UpdatePlan(ctx, p); err != nil {
		return nil, err
	}
	c.logger.Info().Str("plan_id", p.ID).Int64("free_requests", p.FreeRequests).Msg("plan updated")
	return p, nil
}

func (c *CatalogService) DeletePlan(ctx context.Context, id string) error {
	if err := c.store.DeletePlan(ctx, id); err != nil {
		return err
	}
	c.logger.Info().Str("plan_id", id).Msg("plan deleted")
	return nil
}

// APIs

func (c *CatalogService) CreateAPI(ctx context.Context, req domain.CreateAPIRequest) (*domain.API, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.store.GetPlan(ctx, req.PlanID); err != nil {
		return nil, err
	}
	a := &domain.API{
		ID:             c.newID(),
		Name:           strings.TrimSpace(req.Name),
		Module:         req.Module,
		Description:    req.Description,
		CostPerRequest: req.CostPerRequest,
		IsFree:         req.IsFree,
		PlanID:         req.PlanID,
	}
	if err := c.store.CreateAPI(ctx, a); err != nil {
		return nil, err
	}
	c.apis.Add(a.ID, *a)
	c.logger.Info().Str("api_id", a.ID).Str("plan_id", a.PlanID).Msg("api registered")
	return a, nil
}

func (c *CatalogService) GetAPI(ctx context.Context, id string) (*domain.API, error) {
	if a, ok := c.apis.Get(id); ok {
		return &a, nil
	}
	a, err := c.store.GetAPI(ctx, id)
	if err != nil {
		return nil, err
	}
	c.apis.Add(id, *a)
	return a, nil
}

func (c *CatalogService) ListAPIs(ctx context.Context) ([]domain.API, error) {
	return c.store.ListAPIs(ctx)
}

// Users

func (c *CatalogService) CreateUser(ctx context.Context, req domain.CreateUserRequest) (*domain.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	role := req.Role
	if role == "" {
		role = domain.RoleUser
	}
	u := &domain.User{
		ID:      c.newID(),
		Name:    strings.TrimSpace(req.Name),
		Email:   strings.TrimSpace(req.Email),
		Role:    role,
		Balance: req.Balance,
	}
	if err := c.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	c.logger.Info().Str("user_id", u.ID).Str("role", u.Role).Msg("user created")
	return u, nil
}

func (c *CatalogService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return c.store.GetUser(ctx, id)
}

func (c *CatalogService) ListUsers(ctx context.Context) ([]domain.User, error) {
	return c.store.ListUsers(ctx)
}

// Subscribe attaches the user to a plan, replacing any previous one.
func (c *CatalogService) Subscribe(ctx context.Context, userID string, req domain.SubscribeRequest) (*domain.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	planID := req.PlanID
	if err := c.store.SetUserPlan(ctx, userID, &planID); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info().Str("user_id", userID).Str("plan_id", planID).Msg("user subscribed")
	return c.store.GetUser(ctx, userID)
}

func (c *CatalogService) Unsubscribe(ctx context.Context, userID string) (*domain.User, error) {
	if err := c.store.SetUserPlan(ctx, userID, nil); err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	c.logger.Info().Str("user_id", userID).Msg("user unsubscribed")
	return c.store.GetUser(ctx, userID)
}
