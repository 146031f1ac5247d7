package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foleys1972/Mobile-trader/internal/bank"
)

// tenantStopper is implemented by gateways that hold a registration per bank.
type tenantStopper interface {
	StopTenant(bankID string)
}

// handleListBanks returns every configured bank ordered by id.
func (s *Server) handleListBanks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.banks.List())
}

// handleGetBank returns one bank's configuration.
func (s *Server) handleGetBank(w http.ResponseWriter, r *http.Request) {
	b, err := s.banks.Get(chi.URLParam(r, "bankID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleConfigureBank creates or replaces a bank. The id may come from the
// path, the body, or both when they agree.
func (s *Server) handleConfigureBank(w http.ResponseWriter, r *http.Request) {
	var req bank.Bank
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if pathID := chi.URLParam(r, "bankID"); pathID != "" {
		if req.ID != "" && req.ID != pathID {
			writeError(w, http.StatusBadRequest, "bank_id does not match path")
			return
		}
		req.ID = pathID
	}
	if errMsg := validateBank(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	_, lookupErr := s.banks.Get(req.ID)
	b, err := s.banks.Configure(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	s.dropRemovedLines(r.Context(), b)

	status := http.StatusOK
	if lookupErr != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, b)
}

// dropRemovedLines closes the calls and hoot subscriptions of lines that a
// reconfiguration removed from b.
func (s *Server) dropRemovedLines(ctx context.Context, b bank.Bank) {
	ctx = context.WithoutCancel(ctx)
	s.calls.EndOrphaned(ctx, b.ID)
	s.hoot.Prune(b.ID, b.Lines)
}

// handleRemoveBank deregisters a bank, closes its open calls, drops its
// runtime line and monitoring state and stops its SBC registration.
func (s *Server) handleRemoveBank(w http.ResponseWriter, r *http.Request) {
	bankID := chi.URLParam(r, "bankID")
	if err := s.banks.Remove(r.Context(), bankID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if closed := s.calls.EndOrphaned(context.WithoutCancel(r.Context()), bankID); len(closed) > 0 {
		s.logger.Info("closed calls of removed bank", "bank_id", bankID, "calls", len(closed))
	}
	s.lines.Forget(bankID)
	s.hoot.Forget(bankID)
	if ts, ok := s.gateway.(tenantStopper); ok {
		ts.StopTenant(bankID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegisterBank registers the bank's tenant with the signaling gateway.
// A failed registration is reported in the body, not as an HTTP error.
func (s *Server) handleRegisterBank(w http.ResponseWriter, r *http.Request) {
	b, err := s.banks.Get(chi.URLParam(r, "bankID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.RegisterTenant(r.Context(), b))
}
