package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/hoot"
)

type monitorRequest struct {
	UserID string `json:"user_id"`
	// Muted defaults to true: a new monitor joins silently.
	Muted *bool `json:"muted"`
}

func (m monitorRequest) muted() bool {
	return m.Muted == nil || *m.Muted
}

func readMonitorRequest(w http.ResponseWriter, r *http.Request) (monitorRequest, bool) {
	var req monitorRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return req, false
	}
	if errMsg := validateID("user_id", req.UserID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return req, false
	}
	return req, true
}

// handleListMonitors returns who is monitoring a hoot line.
func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	key := lineKey(r)
	if _, err := s.hoot.Activity(key, s.hoot.Now()); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hoot.List(key))
}

// handleStartMonitoring subscribes a user to a hoot line.
func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	req, ok := readMonitorRequest(w, r)
	if !ok {
		return
	}
	sub, err := s.hoot.Start(r.Context(), lineKey(r), req.UserID, req.muted())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleStopMonitoring unsubscribes a user. Stopping twice is fine.
func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	req, ok := readMonitorRequest(w, r)
	if !ok {
		return
	}
	s.hoot.Stop(lineKey(r), req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// handleToggleMute flips a subscription's mute state.
func (s *Server) handleToggleMute(w http.ResponseWriter, r *http.Request) {
	req, ok := readMonitorRequest(w, r)
	if !ok {
		return
	}
	sub, err := s.hoot.ToggleMute(lineKey(r), req.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleGetAudioActivity returns the latest voice activity of a hoot line.
func (s *Server) handleGetAudioActivity(w http.ResponseWriter, r *http.Request) {
	a, err := s.hoot.Activity(lineKey(r), s.hoot.Now())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type ingestRequest struct {
	Level    *float64 `json:"level"`
	Speaking bool     `json:"speaking"`
}

// handleIngestAudioActivity accepts a voice activity sample from a media
// detector.
func (s *Server) handleIngestAudioActivity(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Level == nil {
		writeError(w, http.StatusBadRequest, "level is required")
		return
	}
	if *req.Level < 0 || *req.Level > 1 {
		writeError(w, http.StatusBadRequest, "level must be between 0 and 1")
		return
	}

	if err := s.hoot.Ingest(lineKey(r), *req.Level, req.Speaking); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStreamAudioActivity streams a subscriber's activity as server-sent
// events. The user must already be monitoring the line; the stream ends
// when monitoring stops or the client goes away.
func (s *Server) handleStreamAudioActivity(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if errMsg := validateID("user_id", user); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	key := lineKey(r)

	updates, err := s.hoot.Updates(key, user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	current, err := s.hoot.Activity(key, s.hoot.Now())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The server's write timeout would cut long-lived streams.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clearing stream write deadline", "error", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var seq int64
	send := func(a hoot.Activity) error {
		seq++
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: activity\ndata: %s\n\n", seq, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send(current); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case a, ok := <-updates:
			if !ok {
				fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				rc.Flush() //nolint:errcheck
				return
			}
			if err := send(a); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
