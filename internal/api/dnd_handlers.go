package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foleys1972/Mobile-trader/internal/dnd"
)

// userID reads and validates the {userID} path parameter.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "userID")
	if errMsg := validateID("user_id", id); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return "", false
	}
	return id, true
}

// writeDNDState responds with the user's state evaluated now, so consoles
// always see whether DND is currently in effect.
func (s *Server) writeDNDState(w http.ResponseWriter, r *http.Request, user string, err error) {
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dnd.Status(user, s.dnd.Now()))
}

// handleDNDStatus returns a user's DND state. Unknown users get defaults.
func (s *Server) handleDNDStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	s.writeDNDState(w, r, user, nil)
}

func (s *Server) handleDNDEnable(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	_, err := s.dnd.Enable(user)
	s.writeDNDState(w, r, user, err)
}

func (s *Server) handleDNDDisable(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	_, err := s.dnd.Disable(user)
	s.writeDNDState(w, r, user, err)
}

type dndScheduleRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// handleDNDSetSchedule puts the user on a daily "HH:MM" window in the
// engine's time zone.
func (s *Server) handleDNDSetSchedule(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req dndScheduleRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	start, err := dnd.ParseTimeOfDay(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_time must be HH:MM")
		return
	}
	end, err := dnd.ParseTimeOfDay(req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_time must be HH:MM")
		return
	}

	_, err = s.dnd.SetSchedule(user, start, end)
	s.writeDNDState(w, r, user, err)
}

func (s *Server) handleDNDCancelSchedule(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	_, err := s.dnd.CancelSchedule(user)
	s.writeDNDState(w, r, user, err)
}

type emergencyOverrideRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleDNDEmergencyOverride(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req emergencyOverrideRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	_, err := s.dnd.SetEmergencyOverride(user, *req.Enabled)
	s.writeDNDState(w, r, user, err)
}

type allowedCallerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleDNDAddAllowedCaller(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req allowedCallerRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("caller", req.Caller, maxIDLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateDialString("caller", req.Caller); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	_, err := s.dnd.AddAllowedCaller(user, req.Caller)
	s.writeDNDState(w, r, user, err)
}

func (s *Server) handleDNDRemoveAllowedCaller(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	_, err := s.dnd.RemoveAllowedCaller(user, chi.URLParam(r, "caller"))
	s.writeDNDState(w, r, user, err)
}

func (s *Server) handleDNDClearAllowedCallers(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	_, err := s.dnd.ClearAllowedCallers(user)
	s.writeDNDState(w, r, user, err)
}
