package policy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pointledger/backend/internal/store"
)

type ReplaceRequest struct {
	Commission   []CommissionBand   `json:"commission"`
	Suspension   []SuspensionBand   `json:"suspension"`
	Cancellation CancellationPolicy `json:"cancellation"`
}

type Handler struct {
	store *Store
	log   *slog.Logger
}

func NewHandler(store *Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, log: log}
}

func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Current()
	if snap == nil {
		http.Error(w, `{"error":"no policy loaded"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (h *Handler) Replace(w http.ResponseWriter, r *http.Request) {
	var req ReplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	snap, err := h.store.Replace(r.Context(), req.Commission, req.Suspension, req.Cancellation)
	if err != nil {
		if errors.Is(err, ErrInvalidTable) {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
		h.log.Error("policy replace failed", "error", err)
		if errors.Is(err, store.ErrUnavailable) {
			http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.log.Info("policy snapshot replaced", "version", snap.Version)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(snap)
}
