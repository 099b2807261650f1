package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/punchamoorthee/meterbill/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterbill_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meterbill_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 1 << 20

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	settlement *service.SettlementService
	catalog    *service.CatalogService
	ledger     *service.LedgerService
	analytics  *service.AnalyticsService
	db         Pinger
}

func NewHandler(
	settlement *service.SettlementService,
	catalog *service.CatalogService,
	ledger *service.LedgerService,
	analytics *service.AnalyticsService,
	db Pinger,
) *Handler {
	return &Handler{
		settlement: settlement,
		catalog:    catalog,
		ledger:     ledger,
		analytics:  analytics,
		db:         db,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
		h.respondError(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// respondServiceError maps the domain error taxonomy onto HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		msg = http.StatusText(code)
	}
	h.respondError(w, r, code, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPlanRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	httpReqTotal.WithLabelValues(r.Method, endpointOf(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("response encode failed")
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	h.respondJSON(w, r, code, map[string]string{"error": msg})
}

func endpointOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
