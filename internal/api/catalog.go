package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/meterbill/internal/domain"
)

// Plans

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.catalog.CreatePlan(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, p)
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, p)
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.catalog.ListPlans(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, nonNil(plans))
}

func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdatePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.catalog.UpdatePlan(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, p)
}

func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeletePlan(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusNoContent, nil)
}

// APIs

func (h *Handler) CreateAPI(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAPIRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.catalog.CreateAPI(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, a)
}

func (h *Handler) GetAPI(w http.ResponseWriter, r *http.Request) {
	a, err := h.catalog.GetAPI(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, a)
}

func (h *Handler) ListAPIs(w http.ResponseWriter, r *http.Request) {
	apis, err := h.catalog.ListAPIs(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, nonNil(apis))
}

// Users

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.catalog.CreateUser(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, u)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.catalog.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, u)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.catalog.ListUsers(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, nonNil(users))
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.catalog.Subscribe(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, u)
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	u, err := h.catalog.Unsubscribe(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, u)
}
