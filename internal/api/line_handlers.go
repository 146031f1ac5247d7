package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/line"
)

func lineKey(r *http.Request) line.Key {
	return line.Key{BankID: chi.URLParam(r, "bankID"), LineID: chi.URLParam(r, "lineID")}
}

// handleListLines returns a bank's lines with runtime status, optionally
// filtered by kind from the path or the ?kind= query parameter.
func (s *Server) handleListLines(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "kind")
	if raw == "" {
		raw = r.URL.Query().Get("kind")
	}
	var kind *bank.Kind
	if raw != "" {
		k := bank.Kind(raw)
		if !k.Valid() {
			writeError(w, http.StatusBadRequest, "kind must be hoot, ard or mrd")
			return
		}
		kind = &k
	}

	lines, err := s.lines.List(chi.URLParam(r, "bankID"), kind)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleGetLine returns one line with its runtime status.
func (s *Server) handleGetLine(w http.ResponseWriter, r *http.Request) {
	snap, err := s.lines.Snapshot(lineKey(r))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleLineTransition adapts a body-less line transition to a handler.
func (s *Server) handleLineTransition(fn func(context.Context, line.Key) (line.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := fn(r.Context(), lineKey(r))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type faultRequest struct {
	Reason string `json:"reason"`
}

// handleFaultLine moves a line to error. The reason is optional.
func (s *Server) handleFaultLine(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if errMsg := readOptionalJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateText("reason", req.Reason, maxReasonLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	snap, err := s.lines.Fault(r.Context(), lineKey(r), req.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type participantRequest struct {
	Participant string `json:"participant"`
}

// handleAddParticipant adds a user to a line's participant list.
func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateID("participant", req.Participant); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	key := lineKey(r)
	l, err := s.banks.AddParticipant(r.Context(), key.BankID, key.LineID, req.Participant)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// handleRemoveParticipant removes a user from a line's participant list.
func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	key := lineKey(r)
	l, err := s.banks.RemoveParticipant(r.Context(), key.BankID, key.LineID, chi.URLParam(r, "participant"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
