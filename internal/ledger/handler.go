package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/store"
)

// Request/response structs use snake_case JSON to match the collaborator
// contracts.

type FundingRequest struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Amount    int64  `json:"amount"`
	PaymentID string `json:"payment_id"`
}

type TransactionResponse struct {
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
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

// Funding applies a confirmed top-up event from the payment collaborator.
func (h *Handler) Funding(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	t, err := h.svc.Topup(r.Context(), userID, req.Role, req.Amount, req.PaymentID, "top-up")
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransaction) {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
		h.log.Error("funding failed", "user_id", req.UserID, "error", err)
		if errors.Is(err, store.ErrUnavailable) {
			http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(TransactionResponse{TransactionID: t.ID.String(), Balance: t.BalanceAfter})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, role, ok := accountParams(w, r)
	if !ok {
		return
	}
	balance, err := h.svc.GetBalance(r.Context(), userID, role)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"user_id": userID, "role": role, "balance": balance})
}

func (h *Handler) GetBalanceDetail(w http.ResponseWriter, r *http.Request) {
	userID, role, ok := accountParams(w, r)
	if !ok {
		return
	}
	detail, err := h.svc.GetBalanceDetail(r.Context(), userID, role)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(detail)
}

// History returns the transaction log, optionally filtered with
// ?since=RFC3339.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, role, ok := accountParams(w, r)
	if !ok {
		return
	}
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, `{"error":"invalid since timestamp"}`, http.StatusBadRequest)
			return
		}
		since = parsed
	}
	list, err := h.svc.History(r.Context(), userID, role, since)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	if list == nil {
		list = []*models.PointTransaction{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (h *Handler) respondQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrInvalidTransaction) {
		http.Error(w, `{"error":"invalid role"}`, http.StatusBadRequest)
		return
	}
	h.log.Error("ledger query failed", "error", err)
	if errors.Is(err, store.ErrUnavailable) {
		http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

func accountParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return uuid.Nil, "", false
	}
	role := r.URL.Query().Get("role")
	if !models.ValidRole(role) {
		http.Error(w, `{"error":"invalid role"}`, http.StatusBadRequest)
		return uuid.Nil, "", false
	}
	return userID, role, true
}
