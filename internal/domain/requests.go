package domain

import (
	"fmt"
	"net/mail"
	"strings"
)

// SettleRequest is the payload for billing one API call.
type SettleRequest struct {
	UserID         string `json:"user_id"`
	APIID          string `json:"api_id"`
	Cost           int64  `json:"cost"`
	IdempotencyKey string `json:"-"`
}

func (r SettleRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.APIID) == "" {
		return fmt.Errorf("%w: api_id is required", ErrInvalidInput)
	}
	if r.Cost < 0 {
		return fmt.Errorf("%w: cost must not be negative", ErrInvalidInput)
	}
	return nil
}

// CreatePlanRequest is the payload for registering a plan.
type CreatePlanRequest struct {
	Name            string `json:"plan_name"`
	Description     string `json:"description"`
	PricePerRequest int64  `json:"price_per_request"`
	FreeRequests    int64  `json:"free_requests"`
}

func (r CreatePlanRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: plan_name is required", ErrInvalidInput)
	}
	if r.PricePerRequest < 0 {
		return fmt.Errorf("%w: price_per_request must not be negative", ErrInvalidInput)
	}
	if r.FreeRequests < 0 {
		return fmt.Errorf("%w: free_requests must not be negative", ErrInvalidInput)
	}
	return nil
}

// UpdatePlanRequest replaces the mutable fields of a plan. Setting
// FreeRequests is the only way an allowance is replenished.
type UpdatePlanRequest CreatePlanRequest

func (r UpdatePlanRequest) Validate() error {
	return CreatePlanRequest(r).Validate()
}

// CreateAPIRequest is the payload for registering a billable API.
type CreateAPIRequest struct {
	Name           string `json:"api_name"`
	Module         string `json:"module"`
	Description    string `json:"description"`
	CostPerRequest int64  `json:"price_per_request"`
	IsFree         bool   `json:"is_free"`
	PlanID         string `json:"plan_id"`
}

func (r CreateAPIRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: api_name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.PlanID) == "" {
		return fmt.Errorf("%w: plan_id is required", ErrInvalidInput)
	}
	if r.CostPerRequest < 0 {
		return fmt.Errorf("%w: price_per_request must not be negative", ErrInvalidInput)
	}
	return nil
}

// CreateUserRequest is the payload for opening an account.
type CreateUserRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Balance int64  `json:"balance"`
}

func (r CreateUserRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	switch r.Role {
	case "", RoleUser, RoleAdmin:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r.Role)
	}
	if r.Balance < 0 {
		return fmt.Errorf("%w: balance must not be negative", ErrInvalidInput)
	}
	return nil
}

// SubscribeRequest attaches a user to a plan.
type SubscribeRequest struct {
	PlanID string `json:"plan_id"`
}

func (r SubscribeRequest) Validate() error {
	if strings.TrimSpace(r.PlanID) == "" {
		return fmt.Errorf("%w: plan_id is required", ErrInvalidInput)
	}
	return nil
}
