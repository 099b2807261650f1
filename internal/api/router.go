package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// NewRouter wires every route. Business routes live under /api/v1; health
// and metrics stay at the root for probes and scrapers.
func NewRouter(h *Handler, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(hlog.NewHandler(logger), accessLog, instrument)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/api-requests", h.SettleRequest).Methods(http.MethodPost)
	v1.HandleFunc("/api-requests", h.ListRequests).Methods(http.MethodGet)
	v1.HandleFunc("/api-requests/{id}", h.GetRequest).Methods(http.MethodGet)

	v1.HandleFunc("/plans", h.CreatePlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans", h.ListPlans).Methods(http.MethodGet)
	v1.HandleFunc("/plans/{id}", h.GetPlan).Methods(http.MethodGet)
	v1.HandleFunc("/plans/{id}", h.UpdatePlan).Methods(http.MethodPut)
	v1.HandleFunc("/plans/{id}", h.DeletePlan).Methods(http.MethodDelete)

	v1.HandleFunc("/apis", h.CreateAPI).Methods(http.MethodPost)
	v1.HandleFunc("/apis", h.ListAPIs).Methods(http.MethodGet)
	v1.HandleFunc("/apis/{id}", h.GetAPI).Methods(http.MethodGet)

	v1.HandleFunc("/users", h.CreateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", h.GetUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/plan", h.Subscribe).Methods(http.MethodPut)
	v1.HandleFunc("/users/{id}/plan", h.Unsubscribe).Methods(http.MethodDelete)
	v1.HandleFunc("/users/{id}/requests", h.ListUserRequests).Methods(http.MethodGet)

	v1.HandleFunc("/admin-analytics", h.AnalyticsSummary).Methods(http.MethodGet)
	v1.HandleFunc("/admin-analytics/users", h.AnalyticsUsers).Methods(http.MethodGet)
	v1.HandleFunc("/admin-analytics/plan-usage", h.AnalyticsPlanUsage).Methods(http.MethodGet)
	v1.HandleFunc("/admin-analytics/registered-users", h.AnalyticsRegisteredUsers).Methods(http.MethodGet)

	return r
}

func accessLog(next http.Handler) http.Handler {
	return hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		httpLatency.WithLabelValues(r.Method, endpointOf(r)).Observe(time.Since(start).Seconds())
	})
}
