package withdrawal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/store"
)

type RequestBody struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Amount int64  `json:"amount"`
}

type ApproveBody struct {
	BankRef           string `json:"bank_ref"`
	ConfirmationToken string `json:"confirmation_token"`
}

type RejectBody struct {
	Reason string `json:"reason"`
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

func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	var req RequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	wd, err := h.svc.Request(r.Context(), userID, req.Role, req.Amount)
	if err != nil {
		h.respondError(w, "withdrawal request", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(wd)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := withdrawalIDFromPath(w, r)
	if !ok {
		return
	}
	var req ApproveBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Approve(r.Context(), id, req.BankRef, req.ConfirmationToken); err != nil {
		h.respondError(w, "withdrawal approve", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := withdrawalIDFromPath(w, r)
	if !ok {
		return
	}
	var req RejectBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Reject(r.Context(), id, req.Reason); err != nil {
		h.respondError(w, "withdrawal reject", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := withdrawalIDFromPath(w, r)
	if !ok {
		return
	}
	wd, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "withdrawal get", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wd)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, `{"error":"withdrawal not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, `{"error":"withdrawal already resolved"}`, http.StatusConflict)
	case errors.Is(err, ErrBadConfirmation):
		http.Error(w, `{"error":"invalid confirmation token"}`, http.StatusForbidden)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	case errors.Is(err, models.ErrInvalidTransaction):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
	case errors.Is(err, store.ErrUnavailable):
		h.log.Error(op+" store unavailable", "error", err)
		http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
	default:
		h.log.Error(op+" failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func withdrawalIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid withdrawal id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
