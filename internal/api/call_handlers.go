package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
)

type initiateCallRequest struct {
	BankID string `json:"bank_id"`
	LineID string `json:"line_id"`
}

// handleInitiateCall reserves a line and dials its number.
func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateID("bank_id", req.BankID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateID("line_id", req.LineID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	sess, err := s.calls.Initiate(r.Context(), req.BankID, req.LineID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type incomingCallRequest struct {
	BankID string `json:"bank_id"`
	LineID string `json:"line_id"`
	Caller string `json:"caller"`
}

// handleIncomingCall offers an inbound call on a line. A call rejected by
// DND is still a successful request; the body says it was not delivered.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	var req incomingCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	for _, msg := range []string{
		validateID("bank_id", req.BankID),
		validateID("line_id", req.LineID),
		validateDialString("caller", req.Caller),
	} {
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	res, err := s.calls.Incoming(r.Context(), req.BankID, req.LineID, req.Caller)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Delivered {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// handleListActiveCalls returns the sessions currently in conversation.
func (s *Server) handleListActiveCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.ListActive())
}

// handleGetCall returns a live or recently terminated session, falling back
// to the archive for calls that have aged out of memory.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sess, err := s.calls.Get(callID)
	if err == nil {
		writeJSON(w, http.StatusOK, sess)
		return
	}
	if !errors.Is(err, apperr.ErrNotFound) || s.records == nil {
		s.writeAppError(w, r, err)
		return
	}

	rec, rerr := s.records.GetByID(r.Context(), callID)
	if rerr != nil {
		s.writeAppError(w, r, rerr)
		return
	}
	if rec == nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAnswerCall marks a call answered.
func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.calls.Answer(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleEndCall hangs up a call. Ending a finished call returns its record.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.calls.End(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type failCallRequest struct {
	Reason string `json:"reason"`
}

// handleFailCall records a setup failure reported by signaling.
func (s *Server) handleFailCall(w http.ResponseWriter, r *http.Request) {
	var req failCallRequest
	if errMsg := readOptionalJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateText("reason", req.Reason, maxReasonLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	sess, err := s.calls.Fail(r.Context(), chi.URLParam(r, "callID"), req.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

