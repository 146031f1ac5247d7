// Package call manages call sessions over trading lines. A line carries at
// most one non-terminal session; creation and termination of a session
// happen inside the exclusive section of its line.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
	"github.com/foleys1972/Mobile-trader/internal/keylock"
	"github.com/foleys1972/Mobile-trader/internal/line"
)

const (
	DefaultSetupTimeout = 30 * time.Second
	DefaultRetention    = 15 * time.Minute

	cleanupInterval = time.Minute
)

// Registry looks up bank configuration.
type Registry interface {
	Get(bankID string) (bank.Bank, error)
	Line(bankID, lineID string) (bank.Line, error)
}

// LineMachine reserves and releases lines.
type LineMachine interface {
	Reserve(ctx context.Context, key line.Key) error
	Release(ctx context.Context, key line.Key) error
}

// DeliveryPolicy decides whether an inbound call reaches a user.
type DeliveryPolicy interface {
	ShouldDeliver(userID, caller string, now time.Time) bool
}

// Archiver stores terminal sessions.
type Archiver interface {
	ArchiveCall(ctx context.Context, s Session) error
}

// Config tunes a Manager.
type Config struct {
	// SetupTimeout bounds how long a session may stay initiating.
	SetupTimeout time.Duration
	// Retention is how long terminal sessions stay queryable in memory.
	Retention time.Duration
}

type entry struct {
	Session
	timer *time.Timer
}

// Manager owns every call session.
type Manager struct {
	registry Registry
	lines    LineMachine
	policy   DeliveryPolicy
	gateway  gateway.Adapter
	archiver Archiver

	locks *keylock.Map

	mu       sync.RWMutex
	sessions map[string]*entry

	setupTimeout time.Duration
	retention    time.Duration
	logger       *slog.Logger
	nowFunc      func() time.Time
}

// NewManager creates a call manager. archiver may be nil.
func NewManager(registry Registry, lines LineMachine, policy DeliveryPolicy, gw gateway.Adapter, archiver Archiver, cfg Config, logger *slog.Logger) *Manager {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Manager{
		registry:     registry,
		lines:        lines,
		policy:       policy,
		gateway:      gw,
		archiver:     archiver,
		locks:        keylock.New(),
		sessions:     make(map[string]*entry),
		setupTimeout: cfg.SetupTimeout,
		retention:    cfg.Retention,
		logger:       logger.With("subsystem", "call"),
		nowFunc:      time.Now,
	}
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Initiate places an outbound call on a ready line.
func (m *Manager) Initiate(ctx context.Context, bankID, lineID string) (Session, error) {
	b, err := m.registry.Get(bankID)
	if err != nil {
		return Session{}, err
	}
	key := line.Key{BankID: bankID, LineID: lineID}

	s, err := m.open(ctx, key, DirectionOutbound, "")
	if err != nil {
		return Session{}, err
	}

	err = m.gateway.PlaceCall(ctx, gateway.PlaceCallRequest{
		CallID:  s.ID,
		BankID:  bankID,
		LineID:  lineID,
		Address: s.Address,
		Bank:    b,
	})
	if err != nil {
		m.logger.Warn("gateway refused call", "call_id", s.ID, "bank_id", bankID, "line_id", lineID, "error", err)
		if _, ferr := m.fail(ctx, "initiate call", s.ID, "gateway: "+err.Error()); ferr != nil {
			m.logger.Error("failing refused call", "call_id", s.ID, "error", ferr)
		}
		return Session{}, &apperr.Error{
			Kind:   apperr.ErrGatewayFailure,
			Op:     "initiate call",
			BankID: bankID,
			LineID: lineID,
			CallID: s.ID,
			Reason: err.Error(),
		}
	}

	m.logger.Info("call initiated", "call_id", s.ID, "bank_id", bankID, "line_id", lineID, "address", s.Address)
	return s, nil
}

// open reserves the line and creates an initiating session on it.
func (m *Manager) open(ctx context.Context, key line.Key, dir Direction, caller string) (Session, error) {
	unlock := m.locks.Lock(key.String())
	defer unlock()

	l, err := m.registry.Line(key.BankID, key.LineID)
	if err != nil {
		return Session{}, err
	}
	if err := m.lines.Reserve(ctx, key); err != nil {
		return Session{}, err
	}

	address := l.Number
	if dir == DirectionInbound {
		address = caller
	}
	e := &entry{Session: Session{
		ID:        newCallID(),
		BankID:    key.BankID,
		LineID:    key.LineID,
		Address:   address,
		Kind:      l.Kind,
		Direction: dir,
		Status:    StatusInitiating,
		StartTime: m.nowFunc(),
	}}
	id := e.ID
	e.timer = time.AfterFunc(m.setupTimeout, func() { m.expire(id) })

	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()
	return e.Session, nil
}

// lookup returns the session entry and locks its line. The caller must
// call the returned unlock.
func (m *Manager) lookup(op, callID string) (*entry, func(), error) {
	m.mu.RLock()
	e, ok := m.sessions[callID]
	var key line.Key
	if ok {
		key = e.Key()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, nil, &apperr.Error{Kind: apperr.ErrNotFound, Op: op, CallID: callID, Reason: "call not found"}
	}
	return e, m.locks.Lock(key.String()), nil
}

func invalidState(op string, s Session, expected Status) error {
	return &apperr.Error{
		Kind:     apperr.ErrInvalidState,
		Op:       op,
		BankID:   s.BankID,
		LineID:   s.LineID,
		CallID:   s.ID,
		Current:  string(s.Status),
		Expected: string(expected),
	}
}

// Answer moves an initiating session to active. For inbound sessions the
// gateway is told to accept the call first.
func (m *Manager) Answer(ctx context.Context, callID string) (Session, error) {
	const op = "answer call"

	e, unlock, err := m.lookup(op, callID)
	if err != nil {
		return Session{}, &apperr.Error{Kind: apperr.ErrInvalidState, Op: op, CallID: callID, Reason: "call not found"}
	}
	s := e.Session
	if s.Status != StatusInitiating {
		unlock()
		return Session{}, invalidState(op, s, StatusInitiating)
	}
	unlock()

	if s.Direction == DirectionInbound {
		if err := m.gateway.AnswerCall(ctx, callID); err != nil {
			return Session{}, &apperr.Error{Kind: apperr.ErrGatewayFailure, Op: op, BankID: s.BankID, LineID: s.LineID, CallID: callID, Reason: err.Error()}
		}
	}

	e, unlock, err = m.lookup(op, callID)
	if err != nil {
		return Session{}, &apperr.Error{Kind: apperr.ErrInvalidState, Op: op, CallID: callID, Reason: "call not found"}
	}
	defer unlock()

	if e.Status != StatusInitiating {
		return Session{}, invalidState(op, e.Session, StatusInitiating)
	}
	now := m.nowFunc()
	m.mu.Lock()
	e.timer.Stop()
	e.Status = StatusActive
	e.AnswerTime = &now
	s = e.Session
	m.mu.Unlock()

	m.logger.Info("call answered", "call_id", callID, "bank_id", s.BankID, "line_id", s.LineID)
	return s, nil
}

// End terminates an initiating or active session and tells the gateway to
// clear the call. Ending a terminal session returns it unchanged.
func (m *Manager) End(ctx context.Context, callID string) (Session, error) {
	return m.end(ctx, "end call", callID, true)
}

// RemoteEnded records that the far end cleared the call.
func (m *Manager) RemoteEnded(ctx context.Context, callID string) (Session, error) {
	return m.end(ctx, "remote end call", callID, false)
}

func (m *Manager) end(ctx context.Context, op, callID string, terminate bool) (Session, error) {
	e, unlock, err := m.lookup(op, callID)
	if err != nil {
		return Session{}, err
	}
	if e.Status.Terminal() {
		s := e.Session
		unlock()
		return s, nil
	}
	s := m.finishLocked(ctx, e, StatusEnded, "")
	unlock()

	if terminate {
		m.gateway.TerminateCall(ctx, callID)
	}
	m.archive(ctx, s)
	m.logger.Info("call ended", "call_id", callID, "bank_id", s.BankID, "line_id", s.LineID, "duration", s.Duration)
	return s, nil
}

// Fail marks an initiating session failed. Failing a terminal session
// returns it unchanged; an active session cannot fail.
func (m *Manager) Fail(ctx context.Context, callID, reason string) (Session, error) {
	return m.fail(ctx, "fail call", callID, reason)
}

func (m *Manager) fail(ctx context.Context, op, callID, reason string) (Session, error) {
	e, unlock, err := m.lookup(op, callID)
	if err != nil {
		return Session{}, err
	}
	switch e.Status {
	case StatusInitiating:
	case StatusActive:
		s := e.Session
		unlock()
		return Session{}, invalidState(op, s, StatusInitiating)
	default:
		s := e.Session
		unlock()
		return s, nil
	}
	s := m.finishLocked(ctx, e, StatusFailed, reason)
	unlock()

	m.archive(ctx, s)
	m.logger.Warn("call failed", "call_id", callID, "bank_id", s.BankID, "line_id", s.LineID, "reason", reason)
	return s, nil
}

// expire fails a session that stayed initiating past the setup timeout.
func (m *Manager) expire(callID string) {
	ctx := context.Background()
	e, unlock, err := m.lookup("expire call", callID)
	if err != nil {
		return
	}
	if e.Status != StatusInitiating {
		unlock()
		return
	}
	s := m.finishLocked(ctx, e, StatusFailed, ReasonTimeout)
	unlock()

	m.gateway.TerminateCall(ctx, callID)
	m.archive(ctx, s)
	m.logger.Warn("call setup timed out", "call_id", callID, "bank_id", s.BankID, "line_id", s.LineID, "timeout", m.setupTimeout)
}

// finishLocked moves a session to a terminal status and releases its
// line. The caller holds the line section.
func (m *Manager) finishLocked(ctx context.Context, e *entry, status Status, reason string) Session {
	now := m.nowFunc()

	m.mu.Lock()
	e.timer.Stop()
	e.Status = status
	e.Reason = reason
	e.EndTime = &now
	e.Duration = now.Sub(e.StartTime)
	s := e.Session
	m.mu.Unlock()

	if err := m.lines.Release(ctx, s.Key()); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			m.logger.Debug("line removed before release", "call_id", s.ID, "bank_id", s.BankID, "line_id", s.LineID)
		} else {
			m.logger.Warn("releasing line", "call_id", s.ID, "bank_id", s.BankID, "line_id", s.LineID, "error", err)
		}
	}
	return s
}

func (m *Manager) archive(ctx context.Context, s Session) {
	if m.archiver == nil {
		return
	}
	if err := m.archiver.ArchiveCall(context.WithoutCancel(ctx), s); err != nil {
		m.logger.Error("archiving call", "call_id", s.ID, "error", err)
	}
}

// Incoming offers an inbound call on a line. The call is rejected when
// every participant of the line has DND denying the caller; a rejected
// call never becomes a session.
func (m *Manager) Incoming(ctx context.Context, bankID, lineID, caller string) (IncomingResult, error) {
	l, err := m.registry.Line(bankID, lineID)
	if err != nil {
		return IncomingResult{}, err
	}

	now := m.nowFunc()
	deliverTo := make([]string, 0, len(l.Participants))
	for _, p := range l.Participants {
		if m.policy == nil || m.policy.ShouldDeliver(p, caller, now) {
			deliverTo = append(deliverTo, p)
		}
	}
	if len(l.Participants) > 0 && len(deliverTo) == 0 {
		m.logger.Info("incoming call rejected by dnd", "bank_id", bankID, "line_id", lineID, "caller", caller)
		return IncomingResult{Delivered: false, DeliverTo: deliverTo}, nil
	}

	s, err := m.open(ctx, line.Key{BankID: bankID, LineID: lineID}, DirectionInbound, caller)
	if err != nil {
		return IncomingResult{}, err
	}
	m.logger.Info("incoming call delivered", "call_id", s.ID, "bank_id", bankID, "line_id", lineID, "caller", caller, "participants", len(deliverTo))
	return IncomingResult{Delivered: true, Session: &s, DeliverTo: deliverTo}, nil
}

// Get returns a live or recently terminated session.
func (m *Manager) Get(callID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[callID]
	if !ok {
		return Session{}, &apperr.Error{Kind: apperr.ErrNotFound, Op: "get call", CallID: callID, Reason: "call not found"}
	}
	return e.Session, nil
}

// ListActive returns the active sessions ordered by id.
func (m *Manager) ListActive() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.Status == StatusActive {
			out = append(out, e.Session)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of initiating and active sessions.
func (m *Manager) Counts() (initiating, active int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sessions {
		switch e.Status {
		case StatusInitiating:
			initiating++
		case StatusActive:
			active++
		}
	}
	return initiating, active
}

// Run evicts terminal sessions older than the retention window until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.evict(); n > 0 {
				m.logger.Debug("evicted terminal calls", "count", n)
			}
		}
	}
}

func (m *Manager) evict() int {
	cutoff := m.nowFunc().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if e.Status.Terminal() && e.EndTime != nil && e.EndTime.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Occupied reports whether a line carries an initiating or active session.
func (m *Manager) Occupied(key line.Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sessions {
		if !e.Status.Terminal() && e.Key() == key {
			return true
		}
	}
	return false
}

// EndOrphaned closes the open sessions of a bank whose line is no longer
// configured. Initiating sessions fail and active ones end, both with
// ReasonLineRemoved.
func (m *Manager) EndOrphaned(ctx context.Context, bankID string) []Session {
	const op = "close orphaned call"

	m.mu.RLock()
	var ids []string
	for id, e := range m.sessions {
		if e.BankID == bankID && !e.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var closed []Session
	for _, id := range ids {
		e, unlock, err := m.lookup(op, id)
		if err != nil {
			continue
		}
		if e.Status.Terminal() {
			unlock()
			continue
		}
		if _, err := m.registry.Line(e.BankID, e.LineID); !errors.Is(err, apperr.ErrNotFound) {
			unlock()
			continue
		}
		status := StatusEnded
		if e.Status == StatusInitiating {
			status = StatusFailed
		}
		s := m.finishLocked(ctx, e, status, ReasonLineRemoved)
		unlock()

		m.gateway.TerminateCall(ctx, id)
		m.archive(ctx, s)
		m.logger.Warn("call closed by line removal", "call_id", id, "bank_id", s.BankID, "line_id", s.LineID, "status", s.Status)
		closed = append(closed, s)
	}
	return closed
}

// Gateway callbacks.

// CallAnswered handles an answer from the far end.
func (m *Manager) CallAnswered(ctx context.Context, callID string) error {
	_, err := m.Answer(ctx, callID)
	return err
}

// CallFailed handles a signaling failure.
func (m *Manager) CallFailed(ctx context.Context, callID, reason string) error {
	_, err := m.Fail(ctx, callID, reason)
	return err
}

// CallEnded handles a BYE from the far end.
func (m *Manager) CallEnded(ctx context.Context, callID string) error {
	_, err := m.RemoteEnded(ctx, callID)
	return err
}

// IncomingCall handles a call offered by the gateway.
func (m *Manager) IncomingCall(ctx context.Context, c gateway.IncomingCall) (gateway.IncomingDecision, error) {
	res, err := m.Incoming(ctx, c.BankID, c.LineID, c.Caller)
	if err != nil {
		return gateway.IncomingDecision{}, err
	}
	d := gateway.IncomingDecision{Delivered: res.Delivered}
	if res.Session != nil {
		d.CallID = res.Session.ID
	}
	return d, nil
}

var (
	_ gateway.CallEvents = (*Manager)(nil)
	_ line.Occupancy     = (*Manager)(nil)
)
