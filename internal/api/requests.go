package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/meterbill/internal/domain"
)

const idempotencyHeader = "Idempotency-Key"

type settleResponse struct {
	domain.RequestRecord
	FreeAllowance bool `json:"free_allowance"`
}

// SettleRequest bills one API call. A replayed idempotency key answers 200
// with the original record; a fresh settlement answers 201.
func (h *Handler) SettleRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = r.Header.Get(idempotencyHeader)

	res, err := h.settlement.Settle(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/api-requests/"+res.Record.ID)
	h.respondJSON(w, r, code, settleResponse{RequestRecord: res.Record, FreeAllowance: res.FreeAllowance})
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, rec)
}

// ListRequests filters the ledger by user_id, api_id and an inclusive
// from/to range given as RFC 3339 timestamps.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	recs, err := h.ledger.List(r.Context(), domain.RequestFilter{
		UserID: q.Get("user_id"),
		APIID:  q.Get("api_id"),
		Range:  rng,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, nonNil(recs))
}

func (h *Handler) ListUserRequests(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.ListByUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, nonNil(recs))
}

func parseRange(from, to string) (domain.TimeRange, error) {
	var rng domain.TimeRange
	var err error
	if from != "" {
		if rng.From, err = time.Parse(time.RFC3339, from); err != nil {
			return rng, fmt.Errorf("%w: from must be an RFC 3339 timestamp", domain.ErrInvalidInput)
		}
	}
	if to != "" {
		if rng.To, err = time.Parse(time.RFC3339, to); err != nil {
			return rng, fmt.Errorf("%w: to must be an RFC 3339 timestamp", domain.ErrInvalidInput)
		}
	}
	return rng, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
