package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"call_id": "c1"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	body := w.Body.String()
	if strings.Contains(body, `"error"`) || strings.Contains(body, `"details"`) {
		t.Errorf("expected error fields to be omitted, got %s", body)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["call_id"] != "c1" {
		t.Errorf("expected data.call_id=c1, got %v", env.Data)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "invalid input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "invalid input" || env.Data != nil || env.Details != nil {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantKind   string
	}{
		{apperr.NotFound("get bank", "bank not found"), http.StatusNotFound, "not_found"},
		{&apperr.Error{Kind: apperr.ErrConflict}, http.StatusConflict, "conflict"},
		{&apperr.Error{Kind: apperr.ErrInvalidState}, http.StatusConflict, "invalid_state"},
		{apperr.Invalid("set dnd schedule", "bad"), http.StatusBadRequest, "invalid"},
		{&apperr.Error{Kind: apperr.ErrGatewayFailure}, http.StatusBadGateway, "gateway_failure"},
		{fmt.Errorf("wrapped: %w", &apperr.Error{Kind: apperr.ErrTimeout}), http.StatusGatewayTimeout, "timeout"},
		{fmt.Errorf("disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, kind := statusFor(tt.err)
		if status != tt.wantStatus || kind != tt.wantKind {
			t.Errorf("statusFor(%v) = %d %q, want %d %q", tt.err, status, kind, tt.wantStatus, tt.wantKind)
		}
	}
}

func TestReadJSON(t *testing.T) {
	type target struct {
		BankID string `json:"bank_id"`
		Level  int    `json:"level"`
	}
	tests := []struct {
		name    string
		body    string
		wantMsg string
		prefix  bool
	}{
		{"ok", `{"bank_id":"B1","level":3}`, "", false},
		{"empty", ``, "request body must not be empty", false},
		{"malformed", `{bad`, "malformed json", false},
		{"truncated", `{"bank_id":`, "malformed json", false},
		{"unknown field", `{"bank_id":"B1","extra":1}`, "unknown field", true},
		{"wrong type", `{"level":"loud"}`, `invalid value for field "level"`, false},
		{"two objects", `{"level":1}{"level":2}`, "request body must contain a single json object", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst target
			got := readJSON(r, &dst)
			if tt.prefix {
				if !strings.HasPrefix(got, tt.wantMsg) {
					t.Errorf("readJSON() = %q, want prefix %q", got, tt.wantMsg)
				}
				return
			}
			if got != tt.wantMsg {
				t.Errorf("readJSON() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestReadOptionalJSONAllowsEmptyBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	var dst faultRequest
	if got := readOptionalJSON(r, &dst); got != "" {
		t.Fatalf("readOptionalJSON() = %q, want no error", got)
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantMsg    string
	}{
		{"", defaultLimit, 0, ""},
		{"?limit=50&offset=10", 50, 10, ""},
		{"?limit=500", maxLimit, 0, ""},
		{"?offset=0", defaultLimit, 0, ""},
		{"?limit=abc", 0, 0, "limit must be a positive integer"},
		{"?limit=0", 0, 0, "limit must be a positive integer"},
		{"?limit=-5", 0, 0, "limit must be a positive integer"},
		{"?offset=abc", 0, 0, "offset must be a non-negative integer"},
		{"?offset=-1", 0, 0, "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p, msg := parsePagination(httptest.NewRequest(http.MethodGet, "/calls/history"+tt.query, nil))
			if msg != tt.wantMsg {
				t.Fatalf("parsePagination() msg = %q, want %q", msg, tt.wantMsg)
			}
			if msg != "" {
				return
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("parsePagination() = %+v, want limit %d offset %d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestParseDateBound(t *testing.T) {
	tests := []struct {
		value   string
		upper   bool
		want    string
		wantMsg string
	}{
		{"", false, "", ""},
		{"2026-03-09", false, "2026-03-09 00:00:00", ""},
		{"2026-03-09", true, "2026-03-09 23:59:59.999999999", ""},
		{"2026-03-09T10:30:00+01:00", false, "2026-03-09 09:30:00", ""},
		{"yesterday", false, "", "start_date must be RFC3339 or YYYY-MM-DD"},
	}
	for _, tt := range tests {
		got, msg := parseDateBound("start_date", tt.value, tt.upper)
		if got != tt.want || msg != tt.wantMsg {
			t.Errorf("parseDateBound(%q, %v) = %q %q, want %q %q", tt.value, tt.upper, got, msg, tt.want, tt.wantMsg)
		}
	}
}
