package api

import "net/http"

func (h *Handler) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.analytics.Summary(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, s)
}

func (h *Handler) AnalyticsUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.analytics.Users(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, users)
}

func (h *Handler) AnalyticsPlanUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.analytics.PlanUsage(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, usage)
}

func (h *Handler) AnalyticsRegisteredUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	res, err := h.analytics.RegisteredUsers(r.Context(), rng)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, res)
}
