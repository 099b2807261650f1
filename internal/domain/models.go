package domain

import "time"

// Roles recognised on a user account.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// NoPlanName is reported for users without a subscription.
const NoPlanName = "No Plan"

// User is a billable account. Balance is held in minor currency units.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Balance   int64     `json:"balance"`
	PlanID    *string   `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a subscription tier. FreeRequests is the remaining free-call
// allowance shared by all subscribers and is only ever decremented by settlement.
type Plan struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	PricePerRequest int64     `json:"price_per_request"`
	FreeRequests    int64     `json:"free_requests"`
	CreatedAt       time.Time `json:"created_at"`
}

// API is a registered billable endpoint.
type API struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Module         string    `json:"module"`
	Description    string    `json:"description"`
	CostPerRequest int64     `json:"cost_per_request"`
	IsFree         bool      `json:"is_free"`
	PlanID         string    `json:"plan_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// RequestRecord is an immutable entry of the request ledger.
// Cost is exactly what was deducted from the user's balance.
type RequestRecord struct {
	ID          string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	APIID       string    `json:"api_id"`
	RequestedAt time.Time `json:"request_date"`
	Cost        int64     `json:"cost"`
}

// IdempotencyRecord binds a client key to the settlement it produced.
type IdempotencyRecord struct {
	Key           string
	RequestHash   string
	RequestID     string
	FreeAllowance bool
}

// SettleResult is the outcome of a successful settlement.
type SettleResult struct {
	Record        RequestRecord `json:"request"`
	FreeAllowance bool          `json:"free_allowance"`
	Replayed      bool          `json:"replayed"`
}

// TimeRange is inclusive on both ends. A zero bound is open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// MonthOf returns the full calendar month containing t, in t's location.
func MonthOf(t time.Time) TimeRange {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return TimeRange{From: start, To: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}
}

// RequestFilter narrows request ledger listings. Empty fields do not filter.
type RequestFilter struct {
	UserID string
	APIID  string
	Range  TimeRange
}

// Match reports whether rec satisfies the filter.
func (f RequestFilter) Match(rec RequestRecord) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.APIID != "" && rec.APIID != f.APIID {
		return false
	}
	return f.Range.Contains(rec.RequestedAt)
}

// RequestTotals aggregates a slice of the request ledger.
type RequestTotals struct {
	Count int64
	Sum   int64
}

// RegisteredUsers counts accounts created inside an inclusive window.
type RegisteredUsers struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Count int64     `json:"registered_users"`
}

// Summary is the admin analytics overview.
type Summary struct {
	TotalUsers     int64 `json:"total_users"`
	TotalRevenue   int64 `json:"total_revenue"`
	TotalRequests  int64 `json:"total_requests"`
	MonthlyRevenue int64 `json:"monthly_revenue"`
}

// UserOverview is a user row in admin analytics.
type UserOverview struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Balance  int64  `json:"balance"`
	PlanName string `json:"plan,omitempty"`
}

// PlanUsage lists the non-admin subscribers of a plan.
type PlanUsage struct {
	PlanID     string         `json:"plan_id"`
	PlanName   string         `json:"plan_name"`
	TotalUsers int            `json:"total_users"`
	Users      []UserOverview `json:"users"`
}
