// Package dnd holds per-user do-not-disturb policy and decides whether an
// inbound call reaches a user.
package dnd

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
	"github.com/foleys1972/Mobile-trader/internal/keylock"
)

// Mode selects how DND activity is evaluated.
type Mode string

const (
	ModeManual    Mode = "manual"
	ModeScheduled Mode = "scheduled"
)

// emergencyNumbers bypass DND while the emergency override is on.
var emergencyNumbers = []string{"911", "999", "112", "000"}

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// MarshalText renders the time as "HH:MM".
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses "HH:MM".
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Schedule is a daily DND window. End is exclusive; a window whose start
// is after its end wraps midnight.
type Schedule struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// contains reports whether the minute-of-day falls within the window.
func (s Schedule) contains(minute TimeOfDay) bool {
	if s.Start > s.End {
		return minute >= s.Start || minute < s.End
	}
	return minute >= s.Start && minute < s.End
}

// State is the DND configuration of one user.
type State struct {
	UserID            string    `json:"user_id"`
	Enabled           bool      `json:"enabled"`
	Mode              Mode      `json:"mode"`
	Schedule          *Schedule `json:"schedule,omitempty"`
	AllowedCallers    []string  `json:"allowed_callers"`
	EmergencyOverride bool      `json:"emergency_override"`
}

// Status is a user's DND state evaluated at an instant.
type Status struct {
	State
	Active bool `json:"active"`
}

func defaultState(userID string) State {
	return State{
		UserID:            userID,
		Mode:              ModeManual,
		AllowedCallers:    []string{},
		EmergencyOverride: true,
	}
}

func (s State) clone() State {
	c := s
	c.AllowedCallers = slices.Clone(s.AllowedCallers)
	if c.AllowedCallers == nil {
		c.AllowedCallers = []string{}
	}
	if s.Schedule != nil {
		sch := *s.Schedule
		c.Schedule = &sch
	}
	return c
}

// Engine evaluates DND policy. Each user is updated under its own
// exclusive section.
type Engine struct {
	locks *keylock.Map

	mu    sync.RWMutex
	users map[string]*State

	loc     *time.Location
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewEngine creates an engine evaluating schedules in loc. A nil loc
// means the local time zone.
func NewEngine(loc *time.Location, logger *slog.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		locks:   keylock.New(),
		users:   make(map[string]*State),
		loc:     loc,
		logger:  logger.With("subsystem", "dnd"),
		nowFunc: time.Now,
	}
}

// update applies fn to the user's state, creating it on first use, and
// returns a copy of the result.
func (e *Engine) update(op, userID string, fn func(*State) error) (State, error) {
	if userID == "" {
		return State{}, apperr.Invalid(op, "user id is required")
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	e.mu.RLock()
	cur, ok := e.users[userID]
	e.mu.RUnlock()

	next := defaultState(userID)
	if ok {
		next = cur.clone()
	}
	if err := fn(&next); err != nil {
		return State{}, err
	}

	e.mu.Lock()
	e.users[userID] = &next
	e.mu.Unlock()
	return next.clone(), nil
}

func (e *Engine) state(userID string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.users[userID]; ok {
		return s.clone()
	}
	return defaultState(userID)
}

// Enable turns DND on in manual mode, overriding any schedule.
func (e *Engine) Enable(userID string) (State, error) {
	s, err := e.update("enable dnd", userID, func(s *State) error {
		s.Enabled = true
		s.Mode = ModeManual
		return nil
	})
	if err == nil {
		e.logger.Info("dnd enabled", "user_id", userID)
	}
	return s, err
}

// Disable turns DND off in manual mode.
func (e *Engine) Disable(userID string) (State, error) {
	s, err := e.update("disable dnd", userID, func(s *State) error {
		s.Enabled = false
		s.Mode = ModeManual
		return nil
	})
	if err == nil {
		e.logger.Info("dnd disabled", "user_id", userID)
	}
	return s, err
}

// SetSchedule switches the user to scheduled mode with a daily window.
func (e *Engine) SetSchedule(userID string, start, end TimeOfDay) (State, error) {
	op := "set dnd schedule"
	if start < 0 || start >= 24*60 || end < 0 || end >= 24*60 {
		return State{}, &apperr.Error{Kind: apperr.ErrInvalid, Op: op, UserID: userID, Reason: "time of day out of range"}
	}
	if start == end {
		return State{}, &apperr.Error{Kind: apperr.ErrInvalid, Op: op, UserID: userID, Reason: "schedule start and end must differ"}
	}
	s, err := e.update(op, userID, func(s *State) error {
		s.Mode = ModeScheduled
		s.Schedule = &Schedule{Start: start, End: end}
		return nil
	})
	if err == nil {
		e.logger.Info("dnd schedule set", "user_id", userID, "start", start.String(), "end", end.String())
	}
	return s, err
}

// CancelSchedule returns the user to manual mode and clears the window.
func (e *Engine) CancelSchedule(userID string) (State, error) {
	return e.update("cancel dnd schedule", userID, func(s *State) error {
		s.Mode = ModeManual
		s.Schedule = nil
		return nil
	})
}

// AddAllowedCaller adds an address that bypasses active DND.
func (e *Engine) AddAllowedCaller(userID, caller string) (State, error) {
	if caller == "" {
		return State{}, &apperr.Error{Kind: apperr.ErrInvalid, Op: "add allowed caller", UserID: userID, Reason: "caller is required"}
	}
	return e.update("add allowed caller", userID, func(s *State) error {
		if !slices.Contains(s.AllowedCallers, caller) {
			s.AllowedCallers = append(s.AllowedCallers, caller)
		}
		return nil
	})
}

// RemoveAllowedCaller removes an address from the allow list.
func (e *Engine) RemoveAllowedCaller(userID, caller string) (State, error) {
	return e.update("remove allowed caller", userID, func(s *State) error {
		s.AllowedCallers = slices.DeleteFunc(s.AllowedCallers, func(c string) bool { return c == caller })
		return nil
	})
}

// ClearAllowedCallers empties the allow list.
func (e *Engine) ClearAllowedCallers(userID string) (State, error) {
	return e.update("clear allowed callers", userID, func(s *State) error {
		s.AllowedCallers = []string{}
		return nil
	})
}

// SetEmergencyOverride controls whether emergency numbers bypass DND.
func (e *Engine) SetEmergencyOverride(userID string, on bool) (State, error) {
	return e.update("set emergency override", userID, func(s *State) error {
		s.EmergencyOverride = on
		return nil
	})
}

// IsActive reports whether DND suppresses calls for the user at now.
func (e *Engine) IsActive(userID string, now time.Time) bool {
	return e.isActive(e.state(userID), now)
}

func (e *Engine) isActive(s State, now time.Time) bool {
	if s.Mode == ModeScheduled && s.Schedule != nil {
		local := now.In(e.loc)
		return s.Schedule.contains(TimeOfDay(local.Hour()*60 + local.Minute()))
	}
	return s.Enabled
}

// ShouldDeliver reports whether a call from caller reaches the user at now.
func (e *Engine) ShouldDeliver(userID, caller string, now time.Time) bool {
	s := e.state(userID)
	if s.EmergencyOverride && isEmergency(caller) {
		return true
	}
	if !e.isActive(s, now) {
		return true
	}
	return slices.Contains(s.AllowedCallers, caller)
}

// Status returns the user's state evaluated at now. Unknown users get the
// default: disabled, manual, emergency override on.
func (e *Engine) Status(userID string, now time.Time) Status {
	s := e.state(userID)
	return Status{State: s, Active: e.isActive(s, now)}
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.nowFunc()
}

// ActiveCount returns the number of users with DND active at now.
func (e *Engine) ActiveCount(now time.Time) int {
	e.mu.RLock()
	states := make([]State, 0, len(e.users))
	for _, s := range e.users {
		states = append(states, *s)
	}
	e.mu.RUnlock()

	n := 0
	for _, s := range states {
		if e.isActive(s, now) {
			n++
		}
	}
	return n
}

// isEmergency matches the user part of a caller address against the
// emergency numbers.
func isEmergency(caller string) bool {
	user := caller
	user = strings.TrimPrefix(user, "sips:")
	user = strings.TrimPrefix(user, "sip:")
	user = strings.TrimPrefix(user, "tel:")
	if i := strings.IndexAny(user, "@;"); i >= 0 {
		user = user[:i]
	}
	return slices.Contains(emergencyNumbers, user)
}
