// Package gateway defines the boundary between the session core and the
// signaling network. Commands go out through an Adapter; signaling results
// come back through Events.
package gateway

import (
	"context"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/bank"
)

// RegistrationState is the status of a tenant registration with the SBC.
type RegistrationState string

const (
	RegistrationPending      RegistrationState = "pending"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationFailed       RegistrationState = "failed"
	RegistrationUnregistered RegistrationState = "unregistered"
)

// RegistrationResult reports the outcome of registering a tenant.
type RegistrationResult struct {
	BankID    string            `json:"bank_id"`
	Success   bool              `json:"success"`
	State     RegistrationState `json:"state"`
	Reason    string            `json:"reason,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// PlaceCallRequest asks the gateway to dial a line's number.
type PlaceCallRequest struct {
	CallID  string
	BankID  string
	LineID  string
	Address string
	Bank    bank.Bank
}

// IncomingCall is an inbound call offered on a line.
type IncomingCall struct {
	BankID string
	LineID string
	Caller string
}

// IncomingDecision is the core's answer to an offered call. A call that is
// not delivered must be rejected at the signaling layer.
type IncomingDecision struct {
	Delivered bool
	CallID    string
}

// Adapter sends signaling commands. Implementations return without
// waiting for the far end; outcomes arrive through Events.
type Adapter interface {
	RegisterTenant(ctx context.Context, b bank.Bank) RegistrationResult
	PlaceCall(ctx context.Context, req PlaceCallRequest) error
	AnswerCall(ctx context.Context, callID string) error
	TerminateCall(ctx context.Context, callID string)
}

// CallEvents receives call signaling outcomes.
type CallEvents interface {
	CallAnswered(ctx context.Context, callID string) error
	CallFailed(ctx context.Context, callID, reason string) error
	CallEnded(ctx context.Context, callID string) error
	IncomingCall(ctx context.Context, call IncomingCall) (IncomingDecision, error)
}

// AudioEvents receives voice activity samples for hoot lines.
type AudioEvents interface {
	AudioActivity(bankID, lineID string, level float64, speaking bool) error
}

// Events is the full callback sink of an adapter.
type Events interface {
	CallEvents
	AudioEvents
}

type events struct {
	CallEvents
	AudioEvents
}

// Join combines a call sink and an audio sink.
func Join(calls CallEvents, audio AudioEvents) Events {
	return events{CallEvents: calls, AudioEvents: audio}
}
