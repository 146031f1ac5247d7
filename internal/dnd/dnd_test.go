package dnd

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
)

func newTestEngine() *Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewEngine(time.UTC, logger)
}

func at(hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(2026, 3, 9, t.Hour(), t.Minute(), 0, 0, time.UTC)
}

func mustTime(t *testing.T, s string) TimeOfDay {
	t.Helper()
	v, err := ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("ParseTimeOfDay(%q): %v", s, err)
	}
	return v
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input  string
		want   TimeOfDay
		wantOk bool
	}{
		{"00:00", 0, true},
		{"09:30", 570, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"noon", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.input)
			if (err == nil) != tt.wantOk {
				t.Fatalf("ParseTimeOfDay(%q) error = %v, wantOk %v", tt.input, err, tt.wantOk)
			}
			if tt.wantOk && got != tt.want {
				t.Errorf("ParseTimeOfDay(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestStatusUnknownUser(t *testing.T) {
	e := newTestEngine()
	st := e.Status("ghost", at("12:00"))
	if st.Enabled || st.Active || st.Mode != ModeManual || !st.EmergencyOverride {
		t.Errorf("Status(ghost) = %+v, want default disabled/manual", st)
	}
}

func TestManualMode(t *testing.T) {
	e := newTestEngine()

	if _, err := e.Enable("U1"); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}
	if !e.IsActive("U1", at("03:00")) {
		t.Error("manual enabled DND not active")
	}
	if e.ShouldDeliver("U1", "sip:5551234@sbc", at("03:00")) {
		t.Error("call delivered through active DND")
	}

	if _, err := e.Disable("U1"); err != nil {
		t.Fatalf("Disable() error: %v", err)
	}
	if e.IsActive("U1", at("03:00")) {
		t.Error("disabled DND still active")
	}
}

func TestScheduleWindows(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		now        string
		want       bool
	}{
		{"overnight late evening", "22:00", "06:00", "23:00", true},
		{"overnight at start", "22:00", "06:00", "22:00", true},
		{"overnight early morning", "22:00", "06:00", "05:59", true},
		{"overnight at end", "22:00", "06:00", "06:00", false},
		{"overnight midday", "22:00", "06:00", "12:00", false},
		{"daytime inside", "09:00", "17:00", "12:30", true},
		{"daytime before", "09:00", "17:00", "08:59", false},
		{"daytime at end", "09:00", "17:00", "17:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine()
			if _, err := e.SetSchedule("U1", mustTime(t, tt.start), mustTime(t, tt.end)); err != nil {
				t.Fatalf("SetSchedule() error: %v", err)
			}
			if got := e.IsActive("U1", at(tt.now)); got != tt.want {
				t.Errorf("IsActive at %s = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestScheduleIgnoresEnabledFlag(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Enable("U1"); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}
	if _, err := e.SetSchedule("U1", mustTime(t, "22:00"), mustTime(t, "06:00")); err != nil {
		t.Fatalf("SetSchedule() error: %v", err)
	}
	if e.IsActive("U1", at("12:00")) {
		t.Error("scheduled mode active outside window because of enabled flag")
	}

	// A manual toggle overrides the schedule again.
	if _, err := e.Enable("U1"); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}
	if !e.IsActive("U1", at("12:00")) {
		t.Error("manual enable did not override schedule")
	}
}

func TestScheduleRejectsEmptyWindow(t *testing.T) {
	e := newTestEngine()
	_, err := e.SetSchedule("U1", mustTime(t, "08:00"), mustTime(t, "08:00"))
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("SetSchedule(start == end) error = %v, want ErrInvalid", err)
	}
	if st := e.Status("U1", at("08:00")); st.Mode != ModeManual {
		t.Errorf("rejected schedule changed mode to %q", st.Mode)
	}
}

func TestCancelSchedule(t *testing.T) {
	e := newTestEngine()
	if _, err := e.SetSchedule("U1", mustTime(t, "22:00"), mustTime(t, "06:00")); err != nil {
		t.Fatalf("SetSchedule() error: %v", err)
	}
	st, err := e.CancelSchedule("U1")
	if err != nil {
		t.Fatalf("CancelSchedule() error: %v", err)
	}
	if st.Mode != ModeManual || st.Schedule != nil {
		t.Errorf("state after cancel = %+v", st)
	}
	if e.IsActive("U1", at("23:00")) {
		t.Error("DND active after schedule cancelled")
	}
}

func TestAllowedCallerBypassesSchedule(t *testing.T) {
	e := newTestEngine()
	if _, err := e.SetSchedule("U1", mustTime(t, "22:00"), mustTime(t, "06:00")); err != nil {
		t.Fatalf("SetSchedule() error: %v", err)
	}
	if _, err := e.AddAllowedCaller("U1", "sip:boss@bank"); err != nil {
		t.Fatalf("AddAllowedCaller() error: %v", err)
	}

	now := at("23:00")
	if !e.IsActive("U1", now) {
		t.Fatal("DND not active at 23:00")
	}
	if !e.ShouldDeliver("U1", "sip:boss@bank", now) {
		t.Error("allowed caller blocked")
	}
	if e.ShouldDeliver("U1", "sip:other@bank", now) {
		t.Error("unlisted caller delivered")
	}

	if _, err := e.RemoveAllowedCaller("U1", "sip:boss@bank"); err != nil {
		t.Fatalf("RemoveAllowedCaller() error: %v", err)
	}
	if e.ShouldDeliver("U1", "sip:boss@bank", now) {
		t.Error("removed caller still delivered")
	}
}

func TestClearAllowedCallers(t *testing.T) {
	e := newTestEngine()
	for _, c := range []string{"a", "b", "a"} {
		if _, err := e.AddAllowedCaller("U1", c); err != nil {
			t.Fatalf("AddAllowedCaller(%q) error: %v", c, err)
		}
	}
	if st := e.Status("U1", at("10:00")); len(st.AllowedCallers) != 2 {
		t.Errorf("allowed callers = %v, want 2 unique entries", st.AllowedCallers)
	}
	st, err := e.ClearAllowedCallers("U1")
	if err != nil {
		t.Fatalf("ClearAllowedCallers() error: %v", err)
	}
	if len(st.AllowedCallers) != 0 {
		t.Errorf("allowed callers after clear = %v", st.AllowedCallers)
	}
}

func TestEmergencyOverride(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Enable("U1"); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}
	now := at("10:00")

	for _, caller := range []string{"911", "sip:999@sbc.example", "tel:112", "sips:000@x;user=phone"} {
		if !e.ShouldDeliver("U1", caller, now) {
			t.Errorf("emergency caller %q blocked", caller)
		}
	}
	if e.ShouldDeliver("U1", "sip:19115550000@sbc", now) {
		t.Error("number containing an emergency code treated as emergency")
	}

	if _, err := e.SetEmergencyOverride("U1", false); err != nil {
		t.Fatalf("SetEmergencyOverride() error: %v", err)
	}
	if e.ShouldDeliver("U1", "911", now) {
		t.Error("emergency caller delivered with override off")
	}
}

func TestActiveCount(t *testing.T) {
	e := newTestEngine()
	_, _ = e.Enable("U1")
	_, _ = e.Enable("U2")
	_, _ = e.Disable("U2")
	_, _ = e.SetSchedule("U3", mustTime(t, "22:00"), mustTime(t, "06:00"))

	if got := e.ActiveCount(at("23:00")); got != 2 {
		t.Errorf("ActiveCount(23:00) = %d, want 2", got)
	}
	if got := e.ActiveCount(at("12:00")); got != 1 {
		t.Errorf("ActiveCount(12:00) = %d, want 1", got)
	}
}

func TestMissingUserID(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Enable(""); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("Enable(\"\") error = %v, want ErrInvalid", err)
	}
}
