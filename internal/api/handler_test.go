package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/punchamoorthee/meterbill/internal/service"
	"github.com/punchamoorthee/meterbill/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore(nil)
	logger := zerolog.Nop()
	h := NewHandler(
		service.NewSettlementService(st, logger),
		service.NewCatalogService(st, logger, 16, time.Minute),
		service.NewLedgerService(st),
		service.NewAnalyticsService(st, nil),
		st,
	)
	return &testServer{t: t, router: NewRouter(h, logger)}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed creates a plan, an API and a subscribed user through the HTTP surface.
func (s *testServer) seed(balance, free, cost int64) (planID, apiID, userID string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/plans", map[string]any{"plan_name": "Basic", "price_per_request": cost, "free_requests": free})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	planID = decodeInto[domain.Plan](s.t, rec).ID

	rec = s.do(http.MethodPost, "/api/v1/apis", map[string]any{"api_name": "Search", "price_per_request": cost, "plan_id": planID})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	apiID = decodeInto[domain.API](s.t, rec).ID

	rec = s.do(http.MethodPost, "/api/v1/users", map[string]any{"name": "Ada", "email": "ada@example.com", "balance": balance})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	userID = decodeInto[domain.User](s.t, rec).ID

	rec = s.do(http.MethodPut, "/api/v1/users/"+userID+"/plan", map[string]any{"plan_id": planID})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return planID, apiID, userID
}

func TestSettleEndpoint(t *testing.T) {
	s := newTestServer(t)
	_, apiID, userID := s.seed(40, 1, 30)
	body := map[string]any{"user_id": userID, "api_id": apiID}

	rec := s.do(http.MethodPost, "/api/v1/api-requests", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	free := decodeInto[settleResponse](t, rec)
	assert.True(t, free.FreeAllowance)
	assert.Equal(t, int64(0), free.Cost)
	assert.Equal(t, "/api/v1/api-requests/"+free.ID, rec.Header().Get("Location"))

	rec = s.do(http.MethodPost, "/api/v1/api-requests", body, idempotencyHeader, "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeInto[settleResponse](t, rec)
	assert.Equal(t, int64(30), paid.Cost)

	rec = s.do(http.MethodPost, "/api/v1/api-requests", body, idempotencyHeader, "k-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, paid.ID, decodeInto[settleResponse](t, rec).ID)

	rec = s.do(http.MethodPost, "/api/v1/api-requests", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/users/"+userID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(10), decodeInto[domain.User](t, rec).Balance)

	rec = s.do(http.MethodGet, "/api/v1/users/"+userID+"/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeInto[[]domain.RequestRecord](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/v1/api-requests/"+paid.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, decodeInto[domain.RequestRecord](t, rec).UserID)
}

func TestSettleEndpoint_Errors(t *testing.T) {
	s := newTestServer(t)
	_, apiID, userID := s.seed(0, 0, 10)

	rec := s.do(http.MethodPost, "/api/v1/users", map[string]any{"name": "Bob", "email": "bob@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	planless := decodeInto[domain.User](t, rec).ID

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"user_id":`, http.StatusBadRequest},
		{"unknown field", map[string]any{"user_id": userID, "api_id": apiID, "amount": 3}, http.StatusBadRequest},
		{"missing api", map[string]any{"user_id": userID}, http.StatusBadRequest},
		{"unknown user", map[string]any{"user_id": "ghost", "api_id": apiID}, http.StatusNotFound},
		{"no plan", map[string]any{"user_id": planless, "api_id": apiID}, http.StatusForbidden},
		{"no funds", map[string]any{"user_id": userID, "api_id": apiID}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/v1/api-requests", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, decodeInto[map[string]string](t, rec), "error")
		})
	}
}

func TestListRequestsEndpoint(t *testing.T) {
	s := newTestServer(t)
	_, apiID, userID := s.seed(100, 0, 10)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/api-requests", map[string]any{"user_id": userID, "api_id": apiID}).Code)
	}

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec := s.do(http.MethodGet, fmt.Sprintf("/api/v1/api-requests?user_id=%s&from=%s&to=%s", userID, from, to), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeInto[[]domain.RequestRecord](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/v1/api-requests?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/api-requests?api_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/api-requests?to="+from+"&from="+to, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogEndpoints(t *testing.T) {
	s := newTestServer(t)
	planID, apiID, _ := s.seed(0, 0, 10)

	rec := s.do(http.MethodGet, "/api/v1/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeInto[[]domain.Plan](t, rec), 1)

	rec = s.do(http.MethodPut, "/api/v1/plans/"+planID, map[string]any{"plan_name": "Basic", "price_per_request": 10, "free_requests": 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(25), decodeInto[domain.Plan](t, rec).FreeRequests)

	rec = s.do(http.MethodDelete, "/api/v1/plans/"+planID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/apis/"+apiID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, planID, decodeInto[domain.API](t, rec).PlanID)

	rec = s.do(http.MethodGet, "/api/v1/apis", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeInto[[]domain.API](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/v1/plans/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/plans", map[string]any{"plan_name": "Empty", "price_per_request": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	emptyID := decodeInto[domain.Plan](t, rec).ID
	rec = s.do(http.MethodDelete, "/api/v1/plans/"+emptyID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUserEndpoints(t *testing.T) {
	s := newTestServer(t)
	_, _, userID := s.seed(0, 0, 10)

	rec := s.do(http.MethodPost, "/api/v1/users", map[string]any{"name": "Bad", "email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/api/v1/users/"+userID+"/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeInto[domain.User](t, rec).PlanID)

	rec = s.do(http.MethodPut, "/api/v1/users/"+userID+"/plan", map[string]any{"plan_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeInto[[]domain.User](t, rec), 1)
}

func TestAnalyticsEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/v1/admin-analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.Summary{}, decodeInto[domain.Summary](t, rec))

	planID, apiID, userID := s.seed(100, 0, 15)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/api-requests", map[string]any{"user_id": userID, "api_id": apiID}).Code)

	rec = s.do(http.MethodGet, "/api/v1/admin-analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeInto[domain.Summary](t, rec)
	assert.Equal(t, domain.Summary{TotalUsers: 1, TotalRevenue: 15, TotalRequests: 1, MonthlyRevenue: 15}, summary)

	rec = s.do(http.MethodGet, "/api/v1/admin-analytics/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeInto[[]domain.UserOverview](t, rec)
	require.Len(t, users, 1)
	assert.Equal(t, "Basic", users[0].PlanName)

	rec = s.do(http.MethodGet, "/api/v1/admin-analytics/plan-usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decodeInto[[]domain.PlanUsage](t, rec)
	require.Len(t, usage, 1)
	assert.Equal(t, planID, usage[0].PlanID)
	assert.Equal(t, 1, usage[0].TotalUsers)
}

func TestAnalyticsRegisteredUsersEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.seed(0, 0, 1)

	now := time.Now().UTC()
	window := fmt.Sprintf("/api/v1/admin-analytics/registered-users?from=%s&to=%s",
		now.Add(-time.Hour).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	rec := s.do(http.MethodGet, window, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), decodeInto[domain.RegisteredUsers](t, rec).Count)

	past := fmt.Sprintf("/api/v1/admin-analytics/registered-users?from=%s&to=%s",
		now.Add(-48*time.Hour).Format(time.RFC3339), now.Add(-24*time.Hour).Format(time.RFC3339))
	rec = s.do(http.MethodGet, past, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decodeInto[domain.RegisteredUsers](t, rec).Count)

	rec = s.do(http.MethodGet, "/api/v1/admin-analytics/registered-users?from="+now.Format(time.RFC3339), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/admin-analytics/registered-users?from=yesterday&to=today", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meterbill_http_requests_total")
}

type downStore struct{ *store.MemoryStore }

func (downStore) Ping(ctx context.Context) error {
	return &store.PersistenceError{Op: "ping", Err: errors.New("connection refused")}
}

func TestHealthReportsStorageOutage(t *testing.T) {
	st := downStore{store.NewMemoryStore(nil)}
	h := NewHandler(nil, nil, nil, nil, st)
	rec := httptest.NewRecorder()
	NewRouter(h, zerolog.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrPlanRequired, http.StatusForbidden},
		{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{domain.ErrIdempotencyMismatch, http.StatusUnprocessableEntity},
		{domain.ErrConflict, http.StatusConflict},
		{&store.PersistenceError{Op: "commit", Err: errors.New("eof")}, http.StatusServiceUnavailable},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
