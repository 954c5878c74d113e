package router

import (
	"net/http"

	"github.com/pointledger/backend/internal/cancellation"
	"github.com/pointledger/backend/internal/escrow"
	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/middleware"
	"github.com/pointledger/backend/internal/policy"
	"github.com/pointledger/backend/internal/withdrawal"
)

// New returns an http.Handler serving the settlement API under /api/v1.
// Every route sits behind service-key auth: callers are internal services,
// not end users.
func New(
	keys middleware.ServiceKeyLookup,
	ledgerHandler *ledger.Handler,
	escrowHandler *escrow.Handler,
	cancelHandler *cancellation.Handler,
	withdrawalHandler *withdrawal.Handler,
	policyHandler *policy.Handler,
) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.ServiceKeyAuth(keys)
	base := "/api/v1"

	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	handle("POST "+base+"/funding", ledgerHandler.Funding)
	handle("GET "+base+"/balance", ledgerHandler.GetBalance)
	handle("GET "+base+"/balance/detail", ledgerHandler.GetBalanceDetail)
	handle("GET "+base+"/transactions", ledgerHandler.History)

	handle("POST "+base+"/jobs/{id}/fund", escrowHandler.Fund)
	handle("POST "+base+"/jobs/{id}/assign", escrowHandler.Assign)
	handle("POST "+base+"/jobs/{id}/release", escrowHandler.Release)
	handle("POST "+base+"/jobs/{id}/refund", escrowHandler.Refund)
	handle("POST "+base+"/jobs/{id}/compensate", escrowHandler.Compensate)
	handle("POST "+base+"/jobs/{id}/cancel", cancelHandler.Cancel)
	handle("GET "+base+"/jobs/{id}/escrow", escrowHandler.Status)

	handle("POST "+base+"/withdrawals", withdrawalHandler.Request)
	handle("GET "+base+"/withdrawals/{id}", withdrawalHandler.Get)
	handle("POST "+base+"/withdrawals/{id}/approve", withdrawalHandler.Approve)
	handle("POST "+base+"/withdrawals/{id}/reject", withdrawalHandler.Reject)

	handle("PUT "+base+"/policies", policyHandler.Replace)
	handle("GET "+base+"/policies/current", policyHandler.Current)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}
