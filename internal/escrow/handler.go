package escrow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/store"
)

type FundRequest struct {
	RequesterID     string  `json:"requester_id"`
	Amount          int64   `json:"amount"`
	RequesterRating float64 `json:"requester_rating"`
}

type AssignRequest struct {
	FulfillerID     string  `json:"fulfiller_id"`
	FulfillerRating float64 `json:"fulfiller_rating"`
	AcceptedAt      string  `json:"accepted_at,omitempty"`
}

type ReleaseRequest struct {
	FulfillerID     string  `json:"fulfiller_id"`
	FulfillerRating float64 `json:"fulfiller_rating"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type CompensateRequest struct {
	FulfillerID      string  `json:"fulfiller_id"`
	FulfillerRating  float64 `json:"fulfiller_rating"`
	CompensationType string  `json:"compensation_type"`
	ReferenceFee     int64   `json:"reference_fee"`
	RateOverrideBps  *int    `json:"rate_override_bps,omitempty"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Fund(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	requesterID, err := uuid.Parse(req.RequesterID)
	if err != nil {
		http.Error(w, `{"error":"invalid requester_id"}`, http.StatusBadRequest)
		return
	}
	rec, err := h.svc.Fund(r.Context(), jobID, requesterID, req.Amount, req.RequesterRating)
	if err != nil {
		h.respondError(w, "fund escrow", jobID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	fulfillerID, err := uuid.Parse(req.FulfillerID)
	if err != nil {
		http.Error(w, `{"error":"invalid fulfiller_id"}`, http.StatusBadRequest)
		return
	}
	acceptedAt := time.Now().UTC()
	if req.AcceptedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.AcceptedAt)
		if err != nil {
			http.Error(w, `{"error":"invalid accepted_at"}`, http.StatusBadRequest)
			return
		}
		acceptedAt = parsed
	}
	if err := h.svc.Assign(r.Context(), jobID, fulfillerID, req.FulfillerRating, acceptedAt); err != nil {
		h.respondError(w, "assign escrow", jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	fulfillerID, err := uuid.Parse(req.FulfillerID)
	if err != nil {
		http.Error(w, `{"error":"invalid fulfiller_id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Release(r.Context(), jobID, fulfillerID, req.FulfillerRating); err != nil {
		h.respondError(w, "release escrow", jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Refund(r.Context(), jobID, req.Reason); err != nil {
		h.respondError(w, "refund escrow", jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Compensate(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}
	var req CompensateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	fulfillerID, err := uuid.Parse(req.FulfillerID)
	if err != nil {
		http.Error(w, `{"error":"invalid fulfiller_id"}`, http.StatusBadRequest)
		return
	}
	payout, err := h.svc.Compensate(r.Context(), jobID, fulfillerID, req.CompensationType, req.ReferenceFee, req.RateOverrideBps, req.FulfillerRating)
	if err != nil {
		h.respondError(w, "compensate escrow", jobID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"payout": payout})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Status(r.Context(), jobID)
	if err != nil {
		h.respondError(w, "escrow status", jobID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, jobID uuid.UUID, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, `{"error":"escrow not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, `{"error":"escrow state conflict"}`, http.StatusConflict)
	case errors.Is(err, models.ErrInvalidTransaction):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	case errors.Is(err, store.ErrUnavailable):
		h.log.Error(op+" store unavailable", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
	default:
		h.log.Error(op+" failed", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func jobIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return jobID, true
}
