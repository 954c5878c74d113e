package cancellation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pointledger/backend/internal/escrow"
	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/store"
)

type CancelRequest struct {
	FulfillerID        string  `json:"fulfiller_id"`
	FulfillerRating    float64 `json:"fulfiller_rating"`
	JobReferenceAmount int64   `json:"job_reference_amount"`
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

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	fulfillerID, err := uuid.Parse(req.FulfillerID)
	if err != nil {
		http.Error(w, `{"error":"invalid fulfiller_id"}`, http.StatusBadRequest)
		return
	}
	result, err := h.svc.Cancel(r.Context(), jobID, fulfillerID, req.FulfillerRating, req.JobReferenceAmount)
	if err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			http.Error(w, `{"error":"cancellation not permitted"}`, http.StatusForbidden)
		case errors.Is(err, escrow.ErrNotFound):
			http.Error(w, `{"error":"escrow not found"}`, http.StatusNotFound)
		case errors.Is(err, ledger.ErrInsufficientFunds):
			http.Error(w, `{"error":"insufficient funds for cancellation fee"}`, http.StatusPaymentRequired)
		case errors.Is(err, models.ErrInvalidTransaction):
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		case errors.Is(err, store.ErrUnavailable):
			h.log.Error("cancel store unavailable", "job_id", jobID, "error", err)
			http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
		default:
			h.log.Error("cancel failed", "job_id", jobID, "fulfiller_id", fulfillerID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
