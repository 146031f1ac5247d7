package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/bank"
)

// Loopback is an in-process adapter that answers every placed call after
// a fixed delay. It stands in for the SBC in development and tests.
type Loopback struct {
	delay  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	events   Events
	pending  map[string]*time.Timer
	answered map[string]bool
	placed   []PlaceCallRequest
}

// NewLoopback creates a loopback adapter. A negative delay disables
// automatic answering.
func NewLoopback(delay time.Duration, logger *slog.Logger) *Loopback {
	return &Loopback{
		delay:    delay,
		logger:   logger.With("subsystem", "gateway-loopback"),
		pending:  make(map[string]*time.Timer),
		answered: make(map[string]bool),
	}
}

// Bind sets the sink that receives call outcomes.
func (l *Loopback) Bind(events Events) {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
}

// RegisterTenant always succeeds.
func (l *Loopback) RegisterTenant(_ context.Context, b bank.Bank) RegistrationResult {
	l.logger.Info("tenant registered", "bank_id", b.ID)
	return RegistrationResult{BankID: b.ID, Success: true, State: RegistrationRegistered}
}

// PlaceCall records the request and schedules the answer.
func (l *Loopback) PlaceCall(_ context.Context, req PlaceCallRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.placed = append(l.placed, req)
	l.logger.Debug("call placed", "call_id", req.CallID, "bank_id", req.BankID, "line_id", req.LineID, "address", req.Address)
	if l.delay < 0 {
		return nil
	}

	callID := req.CallID
	l.pending[callID] = time.AfterFunc(l.delay, func() {
		l.mu.Lock()
		_, ok := l.pending[callID]
		delete(l.pending, callID)
		if ok {
			l.answered[callID] = true
		}
		events := l.events
		l.mu.Unlock()

		if !ok || events == nil {
			return
		}
		if err := events.CallAnswered(context.Background(), callID); err != nil {
			l.logger.Warn("answer callback rejected", "call_id", callID, "error", err)
		}
	})
	return nil
}

// AnswerCall accepts an inbound call.
func (l *Loopback) AnswerCall(_ context.Context, callID string) error {
	l.mu.Lock()
	l.answered[callID] = true
	l.mu.Unlock()
	return nil
}

// TerminateCall cancels a pending answer or hangs up an answered call.
func (l *Loopback) TerminateCall(_ context.Context, callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.pending[callID]; ok {
		t.Stop()
		delete(l.pending, callID)
	}
	delete(l.answered, callID)
}

// Hangup simulates the far end clearing an answered call.
func (l *Loopback) Hangup(ctx context.Context, callID string) error {
	l.mu.Lock()
	delete(l.answered, callID)
	events := l.events
	l.mu.Unlock()
	if events == nil {
		return nil
	}
	return events.CallEnded(ctx, callID)
}

// Placed returns the calls placed so far.
func (l *Loopback) Placed() []PlaceCallRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PlaceCallRequest, len(l.placed))
	copy(out, l.placed)
	return out
}

// Pending reports whether a placed call is still awaiting its answer.
func (l *Loopback) Pending(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[callID]
	return ok
}
