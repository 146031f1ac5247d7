package call

import (
	"encoding/json"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/line"
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Direction tells who placed the call.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Reasons recorded on sessions closed by the manager.
const (
	ReasonTimeout     = "timeout"
	ReasonLineRemoved = "line removed"
)

// Session is one call placed over a trading line.
type Session struct {
	ID         string
	BankID     string
	LineID     string
	Address    string
	Kind       bank.Kind
	Direction  Direction
	Status     Status
	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    *time.Time
	Duration   time.Duration
	Reason     string
}

// Key returns the key of the line the session runs on.
func (s Session) Key() line.Key {
	return line.Key{BankID: s.BankID, LineID: s.LineID}
}

type sessionJSON struct {
	ID         string     `json:"call_id"`
	BankID     string     `json:"bank_id"`
	LineID     string     `json:"line_id"`
	Address    string     `json:"address"`
	Kind       bank.Kind  `json:"type"`
	Direction  Direction  `json:"direction"`
	Status     Status     `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	AnswerTime *time.Time `json:"answer_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Duration   int64      `json:"duration"`
	Reason     string     `json:"reason,omitempty"`
}

// MarshalJSON renders the duration in whole seconds.
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		ID:         s.ID,
		BankID:     s.BankID,
		LineID:     s.LineID,
		Address:    s.Address,
		Kind:       s.Kind,
		Direction:  s.Direction,
		Status:     s.Status,
		StartTime:  s.StartTime,
		AnswerTime: s.AnswerTime,
		EndTime:    s.EndTime,
		Duration:   int64(s.Duration / time.Second),
		Reason:     s.Reason,
	})
}

// IncomingResult is the outcome of offering an inbound call.
type IncomingResult struct {
	Delivered bool `json:"delivered"`
	// Session is set when the call was delivered.
	Session *Session `json:"session,omitempty"`
	// DeliverTo lists the participants whose DND policy lets the call
	// through. Empty when the line has no participants.
	DeliverTo []string `json:"deliver_to"`
}
