package api

import (
	"errors"
	"net/http"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
)

// errorDetail is the machine-readable context of a failed operation.
type errorDetail struct {
	Kind     string `json:"kind"`
	BankID   string `json:"bank_id,omitempty"`
	LineID   string `json:"line_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Current  string `json:"current,omitempty"`
	Expected string `json:"expected,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

var errorKinds = []struct {
	kind   error
	name   string
	status int
}{
	{apperr.ErrNotFound, "not_found", http.StatusNotFound},
	{apperr.ErrConflict, "conflict", http.StatusConflict},
	{apperr.ErrInvalidState, "invalid_state", http.StatusConflict},
	{apperr.ErrInvalid, "invalid", http.StatusBadRequest},
	{apperr.ErrGatewayFailure, "gateway_failure", http.StatusBadGateway},
	{apperr.ErrTimeout, "timeout", http.StatusGatewayTimeout},
}

// statusFor maps a core failure to an HTTP status and kind name.
func statusFor(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.kind) {
			return k.status, k.name
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeAppError renders err. Typed core failures keep their context;
// anything else is logged and hidden behind a generic 500.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}

	detail := &errorDetail{Kind: kind}
	if e, ok := apperr.As(err); ok {
		detail.BankID = e.BankID
		detail.LineID = e.LineID
		detail.CallID = e.CallID
		detail.UserID = e.UserID
		detail.Current = e.Current
		detail.Expected = e.Expected
		detail.Reason = e.Reason
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeErrorDetail(w, status, err.Error(), detail)
}

